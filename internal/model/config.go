package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Backend type identifiers accepted in BackendConfig.Type.
const (
	TypeIMAP       = "imap"
	TypeIMAPEngine = "imap_engine"
	TypeWebDAV     = "webdav"
	TypeBasicAuth  = "basic_auth"
	TypeHTTP       = "http"
	TypeREST       = "rest"
	TypeSMB        = "smb"
	TypeSSH        = "ssh"
	TypeMySQL      = "mysql"
	TypeXMPP       = "xmpp"
)

// DomainConfig holds the username/domain rules shared by the IMAP, SMB
// and XMPP backends.
type DomainConfig struct {
	// Domain restricts logins to this mail domain when set.
	Domain string `mapstructure:"domain" yaml:"domain" validate:"omitempty,hostname_rfc1123"`

	// StripDomain stores the local part only when Domain is set.
	StripDomain bool `mapstructure:"strip_domain" yaml:"strip_domain"`

	// GroupDomain adds the user to a group named after their domain.
	GroupDomain bool `mapstructure:"group_domain" yaml:"group_domain"`

	// UserRegexp, when set, must match the login name.
	UserRegexp string `mapstructure:"user_regexp" yaml:"user_regexp"`
}

// GSSAPIConfig configures Kerberos authentication for the IMAP engine.
type GSSAPIConfig struct {
	CCache   string `mapstructure:"ccache" yaml:"ccache" validate:"required"`
	KRB5Conf string `mapstructure:"krb5_conf" yaml:"krb5_conf" validate:"required"`
	// Service is the service principal, e.g. "imap/mail.example.com".
	Service string `mapstructure:"service" yaml:"service" validate:"required"`
}

// IMAPConfig configures both the imap and imap_engine backends.
type IMAPConfig struct {
	DomainConfig `mapstructure:",squash" yaml:",inline"`

	Host    string        `mapstructure:"host" yaml:"host" validate:"required"`
	Port    int           `mapstructure:"port" yaml:"port" validate:"omitempty,min=1,max=65535"`
	SSLMode string        `mapstructure:"ssl_mode" yaml:"ssl_mode" validate:"omitempty,oneof=ssl tls"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// LoginOptions mirrors the curl login options, e.g. "AUTH=PLAIN".
	LoginOptions string `mapstructure:"login_options" yaml:"login_options"`

	// Engine-only settings.
	AuthType     string        `mapstructure:"auth_type" yaml:"auth_type"`
	AuthCID      string        `mapstructure:"auth_cid" yaml:"auth_cid"`
	AuthPW       string        `mapstructure:"auth_pw" yaml:"auth_pw"`
	DisabledCaps []string      `mapstructure:"disabled_caps" yaml:"disabled_caps"`
	ForceCaps    bool          `mapstructure:"force_caps" yaml:"force_caps"`
	GSSAPI       *GSSAPIConfig `mapstructure:"gssapi" yaml:"gssapi"`

	// Ident is sent with the RFC 2971 ID command when the server offers it.
	Ident map[string]string `mapstructure:"ident" yaml:"ident,omitempty"`
}

// WebDAVConfig configures the webdav backend.
type WebDAVConfig struct {
	URL      string `mapstructure:"url" yaml:"url" validate:"required,url"`
	AuthType string `mapstructure:"auth_type" yaml:"auth_type" validate:"omitempty,oneof=basic digest"`
}

// BasicAuthConfig configures the basic_auth backend.
type BasicAuthConfig struct {
	URL string `mapstructure:"url" yaml:"url" validate:"required,url"`
}

// HTTPAuthConfig configures the generic http backend.
type HTTPAuthConfig struct {
	URL       string `mapstructure:"url" yaml:"url" validate:"required,url"`
	HashAlgo  string `mapstructure:"hash_algo" yaml:"hash_algo"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
}

// RESTConfig configures the rest backend.
type RESTConfig struct {
	URL                     string `mapstructure:"url" yaml:"url" validate:"required,url"`
	AlwaysAssignDisplayName bool   `mapstructure:"always_assign_displayname" yaml:"always_assign_displayname"`
}

// SMBConfig configures the smb backend.
type SMBConfig struct {
	DomainConfig `mapstructure:",squash" yaml:",inline"`

	Host    string        `mapstructure:"host" yaml:"host" validate:"required"`
	Client  string        `mapstructure:"client" yaml:"client"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// SSHConfig configures the ssh backend.
type SSHConfig struct {
	Host                  string        `mapstructure:"host" yaml:"host" validate:"required"`
	Port                  int           `mapstructure:"port" yaml:"port" validate:"omitempty,min=1,max=65535"`
	KnownHosts            string        `mapstructure:"known_hosts" yaml:"known_hosts"`
	InsecureIgnoreHostKey bool          `mapstructure:"insecure_ignore_host_key" yaml:"insecure_ignore_host_key"`
	Timeout               time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// DatabaseConfig holds MySQL connection settings.
type DatabaseConfig struct {
	Host     string `mapstructure:"host" yaml:"host" validate:"required"`
	Port     int    `mapstructure:"port" yaml:"port" validate:"omitempty,min=1,max=65535"`
	User     string `mapstructure:"user" yaml:"user" validate:"required"`
	Password string `mapstructure:"password" yaml:"password"`
	Database string `mapstructure:"database" yaml:"database" validate:"required"`
}

// MySQLConfig configures the mysql backend.
type MySQLConfig struct {
	DatabaseConfig `mapstructure:",squash" yaml:",inline"`

	Table          string `mapstructure:"table" yaml:"table" validate:"required"`
	UserColumn     string `mapstructure:"user_column" yaml:"user_column" validate:"required"`
	PasswordColumn string `mapstructure:"password_column" yaml:"password_column" validate:"required"`
}

// XMPPConfig configures the xmpp backend reading a Prosody SQL store.
type XMPPConfig struct {
	DatabaseConfig `mapstructure:",squash" yaml:",inline"`

	Domain string `mapstructure:"domain" yaml:"domain" validate:"required,hostname_rfc1123"`
}

// BackendConfig describes one backend. Exactly the section matching Type
// must be present.
type BackendConfig struct {
	// ID namespaces stored identities. Defaults to a value derived from
	// the backend's host or URL.
	ID   string `mapstructure:"id" yaml:"id"`
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=imap imap_engine webdav basic_auth http rest smb ssh mysql xmpp"`

	IMAP      *IMAPConfig      `mapstructure:"imap" yaml:"imap,omitempty"`
	WebDAV    *WebDAVConfig    `mapstructure:"webdav" yaml:"webdav,omitempty"`
	BasicAuth *BasicAuthConfig `mapstructure:"basic_auth" yaml:"basic_auth,omitempty"`
	HTTP      *HTTPAuthConfig  `mapstructure:"http" yaml:"http,omitempty"`
	REST      *RESTConfig      `mapstructure:"rest" yaml:"rest,omitempty"`
	SMB       *SMBConfig       `mapstructure:"smb" yaml:"smb,omitempty"`
	SSH       *SSHConfig       `mapstructure:"ssh" yaml:"ssh,omitempty"`
	MySQL     *MySQLConfig     `mapstructure:"mysql" yaml:"mysql,omitempty"`
	XMPP      *XMPPConfig      `mapstructure:"xmpp" yaml:"xmpp,omitempty"`
}

// Section returns the type-specific section for Type, or an error when it
// is missing or another section is also set.
func (b BackendConfig) Section() (any, error) {
	sections := map[string]any{}
	if b.IMAP != nil {
		sections[TypeIMAP] = b.IMAP
	}
	if b.WebDAV != nil {
		sections[TypeWebDAV] = b.WebDAV
	}
	if b.BasicAuth != nil {
		sections[TypeBasicAuth] = b.BasicAuth
	}
	if b.HTTP != nil {
		sections[TypeHTTP] = b.HTTP
	}
	if b.REST != nil {
		sections[TypeREST] = b.REST
	}
	if b.SMB != nil {
		sections[TypeSMB] = b.SMB
	}
	if b.SSH != nil {
		sections[TypeSSH] = b.SSH
	}
	if b.MySQL != nil {
		sections[TypeMySQL] = b.MySQL
	}
	if b.XMPP != nil {
		sections[TypeXMPP] = b.XMPP
	}

	want := b.Type
	if want == TypeIMAPEngine {
		want = TypeIMAP
	}
	section, ok := sections[want]
	if !ok {
		return nil, fmt.Errorf("backend %q: missing %q section", b.Type, want)
	}
	if len(sections) > 1 {
		return nil, fmt.Errorf("backend %q: only the %q section may be set", b.Type, want)
	}
	return section, nil
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level" validate:"oneof=none debug info error"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
}

// StoreConfig locates the local identity database.
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path" validate:"required"`
}

// HTTPClientConfig tunes the client shared by the HTTP based backends.
type HTTPClientConfig struct {
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	SkipVerify bool          `mapstructure:"skip_verify" yaml:"skip_verify"`
	Proxy      string        `mapstructure:"proxy" yaml:"proxy" validate:"omitempty,url"`
}

// ServerConfig controls the HTTP endpoint started by "serve".
type ServerConfig struct {
	Listen  string `mapstructure:"listen" yaml:"listen" validate:"required,hostname_port"`
	Metrics bool   `mapstructure:"metrics" yaml:"metrics"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Logging  LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Store    StoreConfig      `mapstructure:"store" yaml:"store"`
	HTTP     HTTPClientConfig `mapstructure:"http" yaml:"http"`
	Server   ServerConfig     `mapstructure:"server" yaml:"server"`
	Backends []BackendConfig  `mapstructure:"backends" yaml:"backends" validate:"dive"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/userexternal/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "userexternal", "config.yaml")
}

func defaultStorePath() string {
	return filepath.Join(filepath.Dir(DefaultConfigPath()), "users.db")
}

// DefaultAppConfig returns the configuration used when no file exists.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		Logging: LoggingConfig{Level: "info"},
		Store:   StoreConfig{Path: defaultStorePath()},
		HTTP:    HTTPClientConfig{Timeout: 30 * time.Second},
		Server:  ServerConfig{Listen: "127.0.0.1:8080", Metrics: true},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
// Environment variables prefixed with USEREXT_ override file values.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("USEREXT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", false)
	v.SetDefault("store.path", defaultStorePath())
	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.skip_verify", false)
	v.SetDefault("server.listen", "127.0.0.1:8080")
	v.SetDefault("server.metrics", true)

	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &pathErr) || errors.As(err, &notFound) {
			return DefaultAppConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := DefaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	// Viper unmarshals missing bools as false; strip_domain defaults to
	// true for IMAP, so distinguish explicit false from absent.
	for i := range cfg.Backends {
		if imap := cfg.Backends[i].IMAP; imap != nil {
			if !v.IsSet(fmt.Sprintf("backends.%d.imap.strip_domain", i)) {
				imap.StripDomain = true
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks struct tags and the one-section-per-backend rule.
func (c *AppConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	for i, b := range c.Backends {
		if _, err := b.Section(); err != nil {
			return fmt.Errorf("backends[%d]: %w", i, err)
		}
	}
	return nil
}

// ResolveSecrets replaces secret fields through resolve, which maps
// references such as "keyring:name" to their values.
func (c *AppConfig) ResolveSecrets(resolve func(string) (string, error)) error {
	fields := func(b *BackendConfig) []*string {
		var out []*string
		if b.IMAP != nil {
			out = append(out, &b.IMAP.AuthPW)
		}
		if b.HTTP != nil {
			out = append(out, &b.HTTP.AccessKey)
		}
		if b.MySQL != nil {
			out = append(out, &b.MySQL.Password)
		}
		if b.XMPP != nil {
			out = append(out, &b.XMPP.Password)
		}
		return out
	}

	for i := range c.Backends {
		for _, f := range fields(&c.Backends[i]) {
			if *f == "" {
				continue
			}
			val, err := resolve(*f)
			if err != nil {
				return fmt.Errorf("backends[%d]: %w", i, err)
			}
			*f = val
		}
	}
	return nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("logging", cfg.Logging)
	v.Set("store", cfg.Store)
	v.Set("http", cfg.HTTP)
	v.Set("server", cfg.Server)
	v.Set("backends", cfg.Backends)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
