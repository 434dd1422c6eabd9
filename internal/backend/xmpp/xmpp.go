// Package xmpp authenticates users against the SCRAM-SHA-1 credentials
// Prosody keeps in its SQL storage.
package xmpp

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/pbkdf2"

	"github.com/nhle/userexternal/internal/backend"
	"github.com/nhle/userexternal/internal/backend/mysql"
	"github.com/nhle/userexternal/internal/model"
)

// DefaultIterations applies when the account has no iteration_count.
const DefaultIterations = 4096

// MaxIterations bounds the PBKDF2 work a single login can cause. Accounts
// stored with a higher iteration_count are treated as unusable.
const MaxIterations = 1 << 20

const accountQuery = "SELECT `key`, `value` FROM `prosody` WHERE `user` = ? AND `host` = ? AND `store` = 'accounts'"

var (
	errNotInDomain = errors.New("uid is not an address in the xmpp domain")
	errNoAccount   = errors.New("no such account")
	errBadKeys     = errors.New("account has no usable scram keys")
	errMismatch    = errors.New("password does not match")
)

func init() {
	backend.Register(backend.KindXMPP, func(cfg model.BackendConfig, deps backend.Deps) (backend.Backend, error) {
		return New(cfg.ID, *cfg.XMPP, deps)
	})
}

// Backend derives the SCRAM keys from the password and compares them to
// the stored ones.
type Backend struct {
	backend.Base
	db     *sqlx.DB
	domain string
}

// New opens the Prosody database unless one is supplied. The backend id
// defaults to the database host.
func New(id string, cfg model.XMPPConfig, deps backend.Deps, opts ...mysql.Option) (*Backend, error) {
	if cfg.Domain == "" {
		return nil, errors.New("xmpp: domain is required")
	}

	db, err := mysql.OpenWith(cfg.DatabaseConfig, opts...)
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = cfg.Host
	}
	return &Backend{
		Base:   backend.NewBase(backend.KindXMPP, id, deps),
		db:     db,
		domain: cfg.Domain,
	}, nil
}

// Close releases the connection pool.
func (b *Backend) Close() error {
	return b.db.Close()
}

// scramKeys is one account's stored credentials.
type scramKeys struct {
	salt       string
	serverKey  string
	storedKey  string
	iterations int
}

// CheckPassword accepts user@domain addresses only and stores the
// lowercased address.
func (b *Backend) CheckPassword(ctx context.Context, uid, password string) (string, error) {
	if err := b.RequireUID(uid); err != nil {
		return "", err
	}

	user, err := b.localPart(uid)
	if err != nil {
		return "", b.Fail(uid, backend.ClassRejected, "validate", err)
	}

	keys, err := b.lookup(ctx, user)
	if err != nil {
		if errors.Is(err, errNoAccount) {
			return "", b.Fail(uid, backend.ClassRejected, "lookup", err)
		}
		if errors.Is(err, errBadKeys) {
			return "", b.Fail(uid, backend.ClassProtocol, "lookup", err)
		}
		return "", b.Fail(uid, mysql.Classify(err), "lookup", err)
	}

	serverKey, storedKey := DeriveKeys(password, keys.salt, keys.iterations)
	serverOK := subtle.ConstantTimeCompare([]byte(serverKey), []byte(strings.ToLower(keys.serverKey)))
	storedOK := subtle.ConstantTimeCompare([]byte(storedKey), []byte(strings.ToLower(keys.storedKey)))
	if serverOK&storedOK != 1 {
		return "", b.Fail(uid, backend.ClassRejected, "verify", errMismatch)
	}

	stored, _, err := b.Users.Materialize(ctx, strings.ToLower(uid))
	if err != nil {
		return "", err
	}
	return stored, nil
}

// localPart validates uid as an address in the configured domain and
// returns the lowercased user part.
func (b *Backend) localPart(uid string) (string, error) {
	addr, err := mail.ParseAddress(uid)
	if err != nil || addr.Address != uid || addr.Name != "" {
		return "", fmt.Errorf("%w: %q", errNotInDomain, uid)
	}
	user, domain, ok := strings.Cut(uid, "@")
	if !ok || user == "" || domain != b.domain {
		return "", fmt.Errorf("%w: %q", errNotInDomain, uid)
	}
	return strings.ToLower(user), nil
}

func (b *Backend) lookup(ctx context.Context, user string) (scramKeys, error) {
	var rows []struct {
		Key   string         `db:"key"`
		Value sql.NullString `db:"value"`
	}
	if err := b.db.SelectContext(ctx, &rows, accountQuery, user, b.domain); err != nil {
		return scramKeys{}, err
	}
	if len(rows) == 0 {
		return scramKeys{}, errNoAccount
	}

	keys := scramKeys{iterations: DefaultIterations}
	for _, r := range rows {
		switch r.Key {
		case "salt":
			keys.salt = r.Value.String
		case "server_key":
			keys.serverKey = r.Value.String
		case "stored_key":
			keys.storedKey = r.Value.String
		case "iteration_count":
			n, err := strconv.Atoi(r.Value.String)
			if err == nil && n > MaxIterations {
				return scramKeys{}, fmt.Errorf("%w: iteration_count %d exceeds %d", errBadKeys, n, MaxIterations)
			}
			if err == nil && n > 0 {
				keys.iterations = n
			}
		}
	}
	if keys.salt == "" || keys.serverKey == "" || keys.storedKey == "" {
		return scramKeys{}, errBadKeys
	}
	return keys, nil
}

// DeriveKeys returns the hex encoded SCRAM-SHA-1 ServerKey and StoredKey
// for password (RFC 5802).
func DeriveKeys(password, salt string, iterations int) (serverKey, storedKey string) {
	salted := pbkdf2.Key([]byte(password), []byte(salt), iterations, sha1.Size, sha1.New)

	mac := hmac.New(sha1.New, salted)
	mac.Write([]byte("Server Key"))
	serverKey = hex.EncodeToString(mac.Sum(nil))

	mac = hmac.New(sha1.New, salted)
	mac.Write([]byte("Client Key"))
	stored := sha1.Sum(mac.Sum(nil))
	return serverKey, hex.EncodeToString(stored[:])
}
