// Package mysql authenticates users against a table holding user names
// and plaintext passwords in a MySQL or MariaDB database.
package mysql

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	drv "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/nhle/userexternal/internal/backend"
	"github.com/nhle/userexternal/internal/model"
)

// DefaultPort is used when the configuration leaves the port empty.
const DefaultPort = 3306

// identRe limits table and column names to plain identifiers, optionally
// schema qualified, since they cannot be bound as parameters.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*(\.[A-Za-z_][A-Za-z0-9_$]*)?$`)

func init() {
	backend.Register(backend.KindMySQL, func(cfg model.BackendConfig, deps backend.Deps) (backend.Backend, error) {
		return New(cfg.ID, *cfg.MySQL, deps)
	})
}

// Option customizes a database backed backend.
type Option func(*options)

type options struct {
	db *sqlx.DB
}

// WithDB uses db instead of opening a connection from the configuration.
func WithDB(db *sqlx.DB) Option {
	return func(o *options) { o.db = db }
}

// Open returns a lazily connecting pool for cfg.
func Open(cfg model.DatabaseConfig) (*sqlx.DB, error) {
	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}
	dsn := drv.NewConfig()
	dsn.User = cfg.User
	dsn.Passwd = cfg.Password
	dsn.Net = "tcp"
	dsn.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(port))
	dsn.DBName = cfg.Database
	dsn.Timeout = backend.DialTimeout
	dsn.ReadTimeout = 30 * time.Second
	dsn.Params = map[string]string{"charset": "utf8mb4"}

	db, err := sqlx.Open("mysql", dsn.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("opening mysql: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

// OpenWith returns the pool supplied through WithDB, or opens one for cfg.
func OpenWith(cfg model.DatabaseConfig, opts ...Option) (*sqlx.DB, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.db != nil {
		return o.db, nil
	}
	return Open(cfg)
}

// Backend counts rows matching the user and password columns.
type Backend struct {
	backend.Base
	db    *sqlx.DB
	query string
}

// New validates the identifiers and prepares the query. The backend id
// defaults to mysql://host.
func New(id string, cfg model.MySQLConfig, deps backend.Deps, opts ...Option) (*Backend, error) {
	for name, ident := range map[string]string{
		"table":           cfg.Table,
		"user_column":     cfg.UserColumn,
		"password_column": cfg.PasswordColumn,
	} {
		if !identRe.MatchString(ident) {
			return nil, fmt.Errorf("mysql: invalid %s %q", name, ident)
		}
	}

	db, err := OpenWith(cfg.DatabaseConfig, opts...)
	if err != nil {
		return nil, err
	}

	if id == "" {
		id = "mysql://" + cfg.Host
	}
	query := fmt.Sprintf("SELECT count(*) FROM %s WHERE %s = ? AND %s = ?",
		quote(cfg.Table), quote(cfg.UserColumn), quote(cfg.PasswordColumn))

	return &Backend{
		Base:  backend.NewBase(backend.KindMySQL, id, deps),
		db:    db,
		query: query,
	}, nil
}

// Close releases the connection pool.
func (b *Backend) Close() error {
	return b.db.Close()
}

// CheckPassword accepts the credentials when at least one row matches and
// stores uid as given.
func (b *Backend) CheckPassword(ctx context.Context, uid, password string) (string, error) {
	if err := b.RequireUID(uid); err != nil {
		return "", err
	}

	var count int
	if err := b.db.GetContext(ctx, &count, b.query, uid, password); err != nil {
		return "", b.Fail(uid, Classify(err), "query", err)
	}
	if count == 0 {
		return "", b.Fail(uid, backend.ClassRejected, "query", errors.New("no matching row"))
	}

	stored, _, err := b.Users.Materialize(ctx, uid)
	if err != nil {
		return "", err
	}
	return stored, nil
}

// Classify sorts database errors. Server errors about credentials or
// schema point at the backend configuration.
func Classify(err error) backend.Class {
	var myErr *drv.MySQLError
	switch {
	case errors.As(err, &myErr):
		switch myErr.Number {
		case 1044, 1045, 1049, 1054, 1146:
			// access denied, unknown database, column or table
			return backend.ClassConfiguration
		default:
			return backend.ClassProtocol
		}
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, drv.ErrInvalidConn):
		return backend.ClassConnectivity
	default:
		return backend.ClassifyTransport(err)
	}
}

func quote(ident string) string {
	parts := strings.Split(ident, ".")
	for i, p := range parts {
		parts[i] = "`" + p + "`"
	}
	return strings.Join(parts, ".")
}
