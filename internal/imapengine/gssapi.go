package imapengine

import (
	"errors"
	"fmt"

	"github.com/emersion/go-sasl"
	"github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/gssapi"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"github.com/jcmturner/gokrb5/v8/spnego"
	"github.com/jcmturner/gokrb5/v8/types"
)

// SecurityContext is the part of a GSS-API initiator context needed for
// SASL GSSAPI (RFC 4752).
type SecurityContext interface {
	// InitSecContext returns the initial context token.
	InitSecContext() ([]byte, error)
	// Unwrap verifies a token from the server and returns its payload.
	Unwrap(token []byte) ([]byte, error)
	// Wrap protects payload for the server.
	Wrap(payload []byte) ([]byte, error)
}

type gssapiClient struct {
	ctx  SecurityContext
	done bool
}

func newGSSAPIClient(ctx SecurityContext) sasl.Client {
	return &gssapiClient{ctx: ctx}
}

func (c *gssapiClient) Start() (string, []byte, error) {
	token, err := c.ctx.InitSecContext()
	if err != nil {
		return "", nil, fmt.Errorf("GSSAPI init: %w", err)
	}
	return mechGSSAPI, token, nil
}

// Next negotiates the security layer. Only "no security layer" is
// supported.
func (c *gssapiClient) Next(challenge []byte) ([]byte, error) {
	if c.done {
		return nil, errUnexpectedChallenge
	}

	payload, err := c.ctx.Unwrap(challenge)
	if err != nil {
		return nil, fmt.Errorf("GSSAPI SASL input token unwrap failed: %w", err)
	}
	if len(payload) < 4 {
		return nil, errors.New("GSSAPI SASL input token invalid")
	}

	// Bit 0 announces "no security layer". Zero is tolerated for broken
	// servers.
	if layers := payload[0]; layers != 0 && layers&0x01 == 0 {
		return nil, errors.New("server requires GSSAPI SASL integrity/encryption")
	}

	out, err := c.ctx.Wrap([]byte{0x01, 0, 0, 0})
	if err != nil {
		return nil, fmt.Errorf("GSSAPI SASL output token wrap failed: %w", err)
	}
	c.done = true
	return out, nil
}

// KerberosConfig locates the credential cache and service for GSSAPI.
type KerberosConfig struct {
	CCache   string
	KRB5Conf string
	// Service is the principal name, e.g. "imap/mail.example.com".
	Service string
}

type krb5Context struct {
	client  *client.Client
	service string
	key     types.EncryptionKey
}

// NewKerberosContext returns a factory for Options.GSSAPI that loads the
// credential cache on every call.
func NewKerberosContext(cfg KerberosConfig) func() (SecurityContext, error) {
	return func() (SecurityContext, error) {
		conf, err := config.Load(cfg.KRB5Conf)
		if err != nil {
			return nil, fmt.Errorf("load krb5 config %s: %w", cfg.KRB5Conf, err)
		}
		ccache, err := credentials.LoadCCache(cfg.CCache)
		if err != nil {
			return nil, fmt.Errorf("load credential cache %s: %w", cfg.CCache, err)
		}
		cl, err := client.NewFromCCache(ccache, conf, client.DisablePAFXFAST(true))
		if err != nil {
			return nil, fmt.Errorf("kerberos client: %w", err)
		}
		return &krb5Context{client: cl, service: cfg.Service}, nil
	}
}

func (k *krb5Context) InitSecContext() ([]byte, error) {
	tkt, key, err := k.client.GetServiceTicket(k.service)
	if err != nil {
		return nil, fmt.Errorf("service ticket for %s: %w", k.service, err)
	}
	k.key = key

	token, err := spnego.NewKRB5TokenAPREQ(k.client, tkt, key, []int{gssapi.ContextFlagInteg}, nil)
	if err != nil {
		return nil, err
	}
	return token.Marshal()
}

func (k *krb5Context) Unwrap(b []byte) ([]byte, error) {
	var wt gssapi.WrapToken
	if err := wt.Unmarshal(b, true); err != nil {
		return nil, err
	}
	if ok, err := wt.Verify(k.key, keyusage.GSSAPI_ACCEPTOR_SEAL); !ok {
		return nil, fmt.Errorf("verify wrap token: %w", err)
	}
	return wt.Payload, nil
}

func (k *krb5Context) Wrap(payload []byte) ([]byte, error) {
	wt, err := gssapi.NewInitiatorWrapToken(payload, k.key)
	if err != nil {
		return nil, err
	}
	return wt.Marshal()
}
