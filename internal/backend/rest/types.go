package rest

import "encoding/json"

// AuthenticatePath is appended to the configured URL.
const AuthenticatePath = "/_nextcloud/user_external/v1/authenticate"

// Request is the body posted to the authenticate endpoint.
type Request struct {
	User Credentials `json:"user"`
}

// Credentials carries the login being checked.
type Credentials struct {
	ID       string `json:"id"`
	Password string `json:"password"`
}

// Response is the body returned by the authenticate endpoint.
type Response struct {
	Auth AuthResult `json:"auth"`
}

// AuthResult is the outcome of a check. ID, DisplayName and Groups are
// only meaningful when Success is true.
type AuthResult struct {
	Success     bool     `json:"success"`
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName"`
	Groups      []string `json:"groups"`
}

// MarshalJSON encodes a failure as {"success":false} and a success with
// every field, groups as [] when there are none.
func (r AuthResult) MarshalJSON() ([]byte, error) {
	if !r.Success {
		return []byte(`{"success":false}`), nil
	}
	type result AuthResult
	out := result(r)
	if out.Groups == nil {
		out.Groups = []string{}
	}
	return json.Marshal(out)
}
