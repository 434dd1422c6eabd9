// Package ssh authenticates users with SSH password (or keyboard
// interactive) authentication.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/nhle/userexternal/internal/backend"
	"github.com/nhle/userexternal/internal/model"
)

// DefaultPort is used when the configuration leaves the port empty.
const DefaultPort = 22

var errNoHostKeyPolicy = errors.New("ssh: known_hosts is required unless insecure_ignore_host_key is set")

func init() {
	backend.Register(backend.KindSSH, func(cfg model.BackendConfig, deps backend.Deps) (backend.Backend, error) {
		return New(cfg.ID, *cfg.SSH, deps)
	})
}

// Backend completes an SSH handshake as the user and disconnects without
// opening a session.
type Backend struct {
	backend.Base
	addr        string
	timeout     time.Duration
	hostKeyFunc ssh.HostKeyCallback
}

// New loads the known_hosts file. The backend id defaults to the host.
func New(id string, cfg model.SSHConfig, deps backend.Deps) (*Backend, error) {
	if cfg.Host == "" {
		return nil, errors.New("ssh: host is required")
	}

	var hostKeyFunc ssh.HostKeyCallback
	switch {
	case cfg.KnownHosts != "":
		cb, err := knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("ssh: loading known_hosts: %w", err)
		}
		hostKeyFunc = cb
	case cfg.InsecureIgnoreHostKey:
		hostKeyFunc = ssh.InsecureIgnoreHostKey()
	default:
		return nil, errNoHostKeyPolicy
	}

	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = backend.DialTimeout
	}
	if id == "" {
		id = cfg.Host
	}
	return &Backend{
		Base:        backend.NewBase(backend.KindSSH, id, deps),
		addr:        net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		timeout:     timeout,
		hostKeyFunc: hostKeyFunc,
	}, nil
}

// CheckPassword stores uid as given once the server accepts the password.
func (b *Backend) CheckPassword(ctx context.Context, uid, password string) (string, error) {
	if err := b.RequireUID(uid); err != nil {
		return "", err
	}

	if err := b.handshake(ctx, uid, password); err != nil {
		return "", err
	}

	stored, _, err := b.Users.Materialize(ctx, uid)
	if err != nil {
		return "", err
	}
	return stored, nil
}

func (b *Backend) handshake(ctx context.Context, uid, password string) error {
	dialer := &net.Dialer{Timeout: b.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", b.addr)
	if err != nil {
		return b.Fail(uid, backend.ClassConnectivity, "dial", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(b.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	// Both are only written from callbacks running inside NewClientConn.
	var hostKeyErr error
	var sentPassword bool
	config := &ssh.ClientConfig{
		User: uid,
		Auth: []ssh.AuthMethod{
			ssh.PasswordCallback(func() (string, error) {
				sentPassword = true
				return password, nil
			}),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				sentPassword = true
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			hostKeyErr = b.hostKeyFunc(hostname, remote, key)
			return hostKeyErr
		},
		Timeout: b.timeout,
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, b.addr, config)
	if err != nil {
		switch {
		case hostKeyErr != nil:
			return b.Fail(uid, backend.ClassConfiguration, "host key", hostKeyErr)
		case ctx.Err() != nil:
			return b.Fail(uid, backend.ClassConnectivity, "handshake", ctx.Err())
		case sentPassword && backend.ClassifyTransport(err) != backend.ClassConnectivity:
			// The server saw the password and ended authentication without
			// accepting it.
			return b.Fail(uid, backend.ClassRejected, "handshake", err)
		default:
			return b.Fail(uid, backend.ClassifyTransport(err), "handshake", err)
		}
	}
	ssh.NewClient(c, chans, reqs).Close()
	return nil
}
