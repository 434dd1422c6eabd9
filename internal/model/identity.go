package model

import "time"

// Identity links an externally authenticated uid to the backend that
// vouched for it. Rows are created on first successful login and are
// never removed by the authentication path.
type Identity struct {
	UID         string    `json:"uid" db:"uid"`
	Backend     string    `json:"backend" db:"backend"`
	DisplayName string    `json:"displayname" db:"displayname"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Name returns the display name, falling back to the uid when unset.
func (i Identity) Name() string {
	if i.DisplayName == "" {
		return i.UID
	}
	return i.DisplayName
}
