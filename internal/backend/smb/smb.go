// Package smb authenticates users against a Windows or Samba server by
// running smbclient.
package smb

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/nhle/userexternal/internal/backend"
	"github.com/nhle/userexternal/internal/model"
)

const (
	// DefaultClient is looked up in PATH when no client is configured.
	DefaultClient = "smbclient"

	// DefaultTimeout bounds each smbclient run.
	DefaultTimeout = 30 * time.Second
)

// statusBadNetworkName is reported for the dummy share once the session
// is authenticated.
const statusBadNetworkName = "NT_STATUS_BAD_NETWORK_NAME"

var connectivityStatuses = []string{
	"NT_STATUS_IO_TIMEOUT",
	"NT_STATUS_CONNECTION_REFUSED",
	"NT_STATUS_HOST_UNREACHABLE",
	"NT_STATUS_NETWORK_UNREACHABLE",
	"NT_STATUS_UNSUCCESSFUL",
}

var (
	// ErrAnyPassword means the server accepted a password that cannot be
	// right, usually because unknown users are mapped to guest.
	ErrAnyPassword = errors.New("server accepts arbitrary passwords")

	errClientMissing = errors.New("smbclient executable missing")
	errPercentInUID  = errors.New("uid must not contain %")
)

func init() {
	backend.Register(backend.KindSMB, func(cfg model.BackendConfig, deps backend.Deps) (backend.Backend, error) {
		return New(cfg.ID, *cfg.SMB, deps)
	})
}

// Backend lists the shares of //host/dummy as the user. Success is a
// clean exit or NT_STATUS_BAD_NETWORK_NAME, which smbclient only reports
// after the session was authenticated.
type Backend struct {
	backend.Base
	host    string
	client  string
	timeout time.Duration
	policy  backend.DomainPolicy
}

// New validates cfg. The backend id defaults to the host.
func New(id string, cfg model.SMBConfig, deps backend.Deps) (*Backend, error) {
	if cfg.Host == "" {
		return nil, errors.New("smb: host is required")
	}
	if strings.ContainsAny(cfg.Host, "/\\ ") {
		return nil, fmt.Errorf("smb: invalid host %q", cfg.Host)
	}
	policy, err := backend.NewDomainPolicy(cfg.DomainConfig)
	if err != nil {
		return nil, err
	}

	client := cfg.Client
	if client == "" {
		client = DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if id == "" {
		id = cfg.Host
	}
	return &Backend{
		Base:    backend.NewBase(backend.KindSMB, id, deps),
		host:    cfg.Host,
		client:  client,
		timeout: timeout,
		policy:  policy,
	}, nil
}

// CheckPassword first tries the base64 form of the password, which must
// fail, then the password itself.
func (b *Backend) CheckPassword(ctx context.Context, uid, password string) (string, error) {
	if err := b.RequireUID(uid); err != nil {
		return "", err
	}

	login, err := b.policy.Normalize(uid)
	if err != nil {
		return "", b.Fail(uid, backend.ClassConfiguration, "normalize", err)
	}
	if strings.Contains(login.Name, "%") {
		return "", b.Fail(uid, backend.ClassRejected, "validate", errPercentInUID)
	}

	probe := b.try(ctx, login.Name, base64.StdEncoding.EncodeToString([]byte(password)))
	switch {
	case probe == nil:
		return "", b.Fail(login.Name, backend.ClassConfiguration, "probe", ErrAnyPassword)
	case backend.IsConnectivity(probe), backend.IsConfiguration(probe):
		return "", probe
	}

	if err := b.try(ctx, login.Name, password); err != nil {
		return "", err
	}

	stored, _, err := b.Users.Materialize(ctx, login.UID, login.Groups...)
	if err != nil {
		return "", err
	}
	return stored, nil
}

// try runs smbclient once. The password travels in the PASSWD environment
// variable, never on the command line.
func (b *Backend) try(ctx context.Context, user, password string) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, b.client, "-L", "//"+b.host+"/dummy", "-U", user)
	cmd.Env = append(environ(), "PASSWD="+password, "LC_ALL=C")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	last := lastLine(out.String())

	var exitErr *exec.ExitError
	switch {
	case err == nil, strings.Contains(last, statusBadNetworkName):
		return nil
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return b.Fail(user, backend.ClassConfiguration, "exec", fmt.Errorf("%w: %v", errClientMissing, err))
	case ctx.Err() != nil:
		return b.Fail(user, backend.ClassConnectivity, "exec", ctx.Err())
	case errors.As(err, &exitErr) && exitErr.ExitCode() == 127:
		return b.Fail(user, backend.ClassConfiguration, "exec", errClientMissing)
	case !errors.As(err, &exitErr):
		return b.Fail(user, backend.ClassConfiguration, "exec", err)
	}

	reason := fmt.Errorf("smbclient exited with %d: %s", exitErr.ExitCode(), last)
	for _, status := range connectivityStatuses {
		if strings.Contains(last, status) {
			return b.Fail(user, backend.ClassConnectivity, "smbclient", reason)
		}
	}
	// NT_STATUS_LOGON_FAILURE and the account restrictions.
	if strings.Contains(last, "NT_STATUS_") {
		return b.Fail(user, backend.ClassRejected, "smbclient", reason)
	}
	return b.Fail(user, backend.ClassProtocol, "smbclient", reason)
}

// environ drops variables smbclient would read credentials from.
func environ() []string {
	env := os.Environ()
	kept := make([]string, 0, len(env))
	for _, kv := range env {
		if strings.HasPrefix(kv, "PASSWD=") || strings.HasPrefix(kv, "PASSWD_FD=") || strings.HasPrefix(kv, "LC_ALL=") {
			continue
		}
		kept = append(kept, kv)
	}
	return kept
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\r\n"), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
