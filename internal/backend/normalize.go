package backend

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nhle/userexternal/internal/model"
)

// DomainPolicy applies the username/domain rules shared by the IMAP, SMB
// and XMPP backends.
type DomainPolicy struct {
	Domain          string
	StripDomain     bool
	GroupFromDomain bool
	UserPattern     *regexp.Regexp
}

// NewDomainPolicy compiles cfg. An invalid user_regexp is a configuration
// error reported at startup.
func NewDomainPolicy(cfg model.DomainConfig) (DomainPolicy, error) {
	p := DomainPolicy{
		Domain:          cfg.Domain,
		StripDomain:     cfg.StripDomain,
		GroupFromDomain: cfg.GroupDomain,
	}
	if cfg.UserRegexp != "" {
		re, err := regexp.Compile(cfg.UserRegexp)
		if err != nil {
			return DomainPolicy{}, fmt.Errorf("%w: user_regexp: %v", ErrConfigInvalid, err)
		}
		p.UserPattern = re
	}
	return p, nil
}

// Login is the result of normalizing a uid.
type Login struct {
	// Name is sent to the remote source.
	Name string
	// UID is stored locally on success.
	UID string
	// Groups the identity joins when created.
	Groups []string
}

// Normalize turns the uid typed by the user into the remote login name and
// the local uid. Errors wrap ErrDomainMismatch or ErrUserPattern.
func (p DomainPolicy) Normalize(uid string) (Login, error) {
	if !strings.Contains(uid, "@") && strings.Contains(uid, "%40") {
		uid = strings.ReplaceAll(uid, "%40", "@")
	}

	pieces := strings.Split(uid, "@")
	login := Login{Name: uid, UID: uid}

	if p.Domain != "" {
		switch {
		case len(pieces) == 1:
			login.Name = uid + "@" + p.Domain
		case len(pieces) == 2 && pieces[1] == p.Domain:
			if p.StripDomain {
				login.UID = pieces[0]
			}
		default:
			return Login{}, fmt.Errorf("%w: %q is not in %s", ErrDomainMismatch, uid, p.Domain)
		}
	}

	if p.UserPattern != nil && !p.UserPattern.MatchString(login.Name) {
		return Login{}, fmt.Errorf("%w: %q", ErrUserPattern, login.Name)
	}

	if p.GroupFromDomain && len(pieces) > 1 && pieces[1] != "" {
		login.Groups = []string{pieces[1]}
	}

	login.UID = strings.ToLower(login.UID)
	return login, nil
}
