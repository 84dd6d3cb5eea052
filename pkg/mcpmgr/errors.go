package mcpmgr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every error returned by this package matches one of these with
// errors.Is.
var (
	ErrInvalidConfiguration   = errors.New("invalid configuration")
	ErrUnsupportedTransport   = errors.New("unsupported transport")
	ErrEnvironmentUnsupported = errors.New("transport not supported in this environment")
	ErrHandshakeFailed        = errors.New("handshake failed")
	ErrTimeout                = errors.New("timed out")
	ErrNotConnected           = errors.New("server not connected")
	ErrToolNotFound           = errors.New("tool not found")
	ErrToolConflict           = errors.New("tool exposed by multiple servers")
	ErrToolCallFailed         = errors.New("tool call failed")
	ErrRequestFailed          = errors.New("request failed")
	ErrCatalogFetchFailed     = errors.New("catalog fetch failed")
	ErrUnknownServer          = errors.New("unknown server")
	ErrServerConnected        = errors.New("server is connected")
	ErrStaleSession           = errors.New("session closed while the call was in flight")
)

// Error carries the kind of a failure together with the server and
// capability it concerns.
type Error struct {
	Kind       error
	ServerID   string
	ServerName string
	// Capability is the tool name, prompt name, resource URI, or catalog
	// method involved, if any.
	Capability string
	// Hint is user-facing guidance, set for timeouts.
	Hint string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("mcpmgr: ")
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	} else {
		b.WriteString("error")
	}
	if e.Capability != "" {
		fmt.Fprintf(&b, " for %q", e.Capability)
	}
	if server := e.server(); server != "" {
		fmt.Fprintf(&b, " on server %q", server)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Hint != "" {
		b.WriteString(" (")
		b.WriteString(e.Hint)
		b.WriteString(")")
	}
	return b.String()
}

func (e *Error) server() string {
	if e.ServerName != "" {
		return e.ServerName
	}
	return e.ServerID
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// KindOf returns the kind sentinel carried by err, or nil when err was not
// produced by this package.
func KindOf(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return nil
}

func withServer(err error, id, name string) error {
	var e *Error
	if errors.As(err, &e) {
		copied := *e
		if copied.ServerID == "" {
			copied.ServerID = id
		}
		if copied.ServerName == "" {
			copied.ServerName = name
		}
		return &copied
	}
	return err
}

func unknownServer(id string) error {
	return &Error{Kind: ErrUnknownServer, ServerID: id}
}

func notConnected(desc ServerDescriptor) error {
	return &Error{Kind: ErrNotConnected, ServerID: desc.ID, ServerName: desc.Name}
}

// remoteError classifies a failed remote call. Deadline expiry becomes
// ErrTimeout with transport-specific guidance; anything else gets fallback.
func remoteError(fallback error, desc ServerDescriptor, capability string, err error) error {
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	kind := fallback
	hint := ""
	if errors.Is(err, context.DeadlineExceeded) {
		kind = ErrTimeout
		hint = timeoutHint(desc.Kind())
	}
	return &Error{
		Kind:       kind,
		ServerID:   desc.ID,
		ServerName: desc.Name,
		Capability: capability,
		Hint:       hint,
		Err:        err,
	}
}

func timeoutHint(kind TransportKind) string {
	switch kind {
	case TransportProcess:
		return "verify the command and arguments"
	case TransportEventStream, TransportStreamingHTTP:
		return "verify the endpoint URL is reachable"
	default:
		return ""
	}
}
