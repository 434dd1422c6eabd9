package imapengine

import (
	"errors"
	"fmt"
)

// Code is the status of the last command.
type Code int

const (
	CodeOK       Code = 0
	CodeNo       Code = -1
	CodeBad      Code = -2
	CodeBye      Code = -3
	CodeUnknown  Code = -4
	CodeCommand  Code = -5
	CodeReadOnly Code = -6
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeNo:
		return "NO"
	case CodeBad:
		return "BAD"
	case CodeBye:
		return "BYE"
	case CodeCommand:
		return "COMMAND"
	case CodeReadOnly:
		return "READONLY"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrInvalidArgument: empty host, user or password.
	ErrInvalidArgument = errors.New("imap: invalid argument")

	// ErrConnection: dial, TLS or read/write failure. The connection is
	// unusable afterwards.
	ErrConnection = errors.New("imap: connection failed")

	// ErrProtocol: the server said something the client cannot accept,
	// such as a bad greeting or a malformed response.
	ErrProtocol = errors.New("imap: protocol error")

	// ErrRejected: the server answered NO, BAD or BYE.
	ErrRejected = errors.New("imap: command rejected")

	// ErrLoginDisabled: LOGINDISABLED is advertised.
	ErrLoginDisabled = errors.New("imap: login disabled by server")

	// ErrMechanism: the requested authentication mechanism cannot run.
	ErrMechanism = errors.New("imap: authentication mechanism unavailable")

	// ErrNotConnected: the client has no open connection.
	ErrNotConnected = errors.New("imap: not connected")
)

// Error describes a failed command with its status code, the server's
// message and the optional RFC 5530 response code.
type Error struct {
	Code       Code
	Message    string
	ResultCode string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("imap %s: %s", e.Code, e.Message)
	if e.ResultCode != "" {
		msg += " [" + e.ResultCode + "]"
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }
