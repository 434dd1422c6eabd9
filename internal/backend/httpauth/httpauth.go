// Package httpauth authenticates users by posting their credentials to a
// generic HTTP endpoint that answers 202 Accepted for valid ones.
package httpauth

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/crypto/md4"
	"golang.org/x/crypto/ripemd160"
	"golang.org/x/crypto/sha3"

	"github.com/nhle/userexternal/internal/backend"
	"github.com/nhle/userexternal/internal/model"
)

// hashes lists the algorithms accepted in hash_algo.
var hashes = map[string]func() hash.Hash{
	"md4":        md4.New,
	"md5":        md5.New,
	"sha1":       sha1.New,
	"sha224":     sha256.New224,
	"sha256":     sha256.New,
	"sha384":     sha512.New384,
	"sha512":     sha512.New,
	"sha512/224": sha512.New512_224,
	"sha512/256": sha512.New512_256,
	"sha3-224":   sha3.New224,
	"sha3-256":   sha3.New256,
	"sha3-384":   sha3.New384,
	"sha3-512":   sha3.New512,
	"ripemd160":  ripemd160.New,
}

// Algorithms returns the supported hash_algo values, sorted.
func Algorithms() []string {
	names := make([]string, 0, len(hashes))
	for name := range hashes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	backend.Register(backend.KindHTTP, func(cfg model.BackendConfig, deps backend.Deps) (backend.Backend, error) {
		return New(cfg.ID, *cfg.HTTP, deps)
	})
}

// Backend posts accessKey, user and password as a form.
type Backend struct {
	backend.Base
	url       string
	accessKey string
	newHash   func() hash.Hash
	client    *http.Client
}

// New validates cfg. An unknown hash_algo is rejected here rather than on
// every login.
func New(id string, cfg model.HTTPAuthConfig, deps backend.Deps) (*Backend, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("http: invalid url %q", cfg.URL)
	}

	var newHash func() hash.Hash
	if algo := strings.ToLower(cfg.HashAlgo); algo != "" {
		h, ok := hashes[algo]
		if !ok {
			return nil, fmt.Errorf("http: unsupported hash_algo %q (supported: %s)",
				cfg.HashAlgo, strings.Join(Algorithms(), ", "))
		}
		newHash = h
	}

	if id == "" {
		id = cfg.URL
	}
	return &Backend{
		Base:      backend.NewBase(backend.KindHTTP, id, deps),
		url:       cfg.URL,
		accessKey: cfg.AccessKey,
		newHash:   newHash,
		client:    deps.Client(),
	}, nil
}

// HashPassword returns the lowercase hex digest sent in place of the
// password, or the password itself when no algorithm is configured.
func (b *Backend) HashPassword(password string) string {
	if b.newHash == nil {
		return password
	}
	h := b.newHash()
	io.WriteString(h, password)
	return hex.EncodeToString(h.Sum(nil))
}

// CheckPassword accepts the credentials on 202 and stores the lowercased
// uid.
func (b *Backend) CheckPassword(ctx context.Context, uid, password string) (string, error) {
	if err := b.RequireUID(uid); err != nil {
		return "", err
	}

	form := url.Values{
		"accessKey": {b.accessKey},
		"user":      {uid},
		"password":  {b.HashPassword(password)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, strings.NewReader(form.Encode()))
	if err != nil {
		return "", b.Fail(uid, backend.ClassConfiguration, "post", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", b.Fail(uid, backend.ClassifyTransport(err), "post", err)
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return "", b.Fail(uid, backend.ClassifyStatus(resp.StatusCode), "post", &backend.StatusError{Code: resp.StatusCode})
	}

	stored, _, err := b.Users.Materialize(ctx, strings.ToLower(uid))
	if err != nil {
		return "", err
	}
	return stored, nil
}
