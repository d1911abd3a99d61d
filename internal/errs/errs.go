// Package errs defines the closed sets of typed errors that cross the
// connection-handler boundary, plus the internal-only kinds that are
// logged and reported but never shown to a client. Nothing in this
// service propagates a bare string as an error kind.
package errs

import "net/http"

// UnrecoverableKind is a client-visible, connection-fatal error. The
// connection is closed immediately after the corresponding frame is
// sent.
type UnrecoverableKind string

const (
	UnsupportedRequest  UnrecoverableKind = "unsupported_request"
	Unauthenticated     UnrecoverableKind = "unauthenticated"
	AccessDenied        UnrecoverableKind = "access_denied"
	InternalServerError UnrecoverableKind = "internal_server_error"
	SerializationFailed UnrecoverableKind = "serialization_failed"
	AuthTimedOut        UnrecoverableKind = "auth_timed_out"
	PongTimedOut        UnrecoverableKind = "pong_timed_out"
	Replaced            UnrecoverableKind = "replaced"
)

// Status returns the HTTP-style status code associated with the kind,
// used both in the WS error frame payload and in HTTP error bodies.
func (k UnrecoverableKind) Status() int {
	switch k {
	case Unauthenticated:
		return http.StatusUnauthorized
	case AccessDenied:
		return http.StatusForbidden
	case InternalServerError:
		return http.StatusInternalServerError
	default:
		return 422
	}
}

// Unrecoverable is a typed, client-facing error that always carries an
// UnrecoverableKind. Title defaults to the kind's string form.
type Unrecoverable struct {
	Kind  UnrecoverableKind
	Title string
}

func NewUnrecoverable(kind UnrecoverableKind) *Unrecoverable {
	return &Unrecoverable{Kind: kind, Title: string(kind)}
}

func (e *Unrecoverable) Error() string {
	return "unrecoverable session error: " + string(e.Kind)
}

// RecoverableKind is a client-visible error after which the connection
// may still be usable by the caller's reconnect logic. Exactly one
// exists: the replica is shutting down.
type RecoverableKind string

const Terminated RecoverableKind = "terminated"

type Recoverable struct {
	Kind  RecoverableKind
	Title string
}

func NewRecoverable(kind RecoverableKind) *Recoverable {
	return &Recoverable{Kind: kind, Title: string(kind)}
}

func (e *Recoverable) Error() string {
	return "recoverable session error: " + string(e.Kind)
}

// InternalKind enumerates failures that are never shown to a client:
// they are logged and handed to the error reporter, and the caller maps
// them to an Unrecoverable (almost always InternalServerError) before
// anything reaches the socket.
type InternalKind string

const (
	DbConnAcquisitionFailed     InternalKind = "db_conn_acquisition_failed"
	DbQueryFailed               InternalKind = "db_query_failed"
	ResponseBuildFailed         InternalKind = "response_build_failed"
	ShutdownFailed              InternalKind = "shutdown_failed"
	MovingSessionToHistoryFailed InternalKind = "moving_session_to_history_failed"
	ReceivingResponseFailed     InternalKind = "receiving_response_failed"
)

// Internal is an internal-only typed error. It is never serialized to a
// client; ToUnrecoverable performs the one-way conversion into a
// client-visible kind.
type Internal struct {
	Kind InternalKind
	Err  error
}

func NewInternal(kind InternalKind, err error) *Internal {
	return &Internal{Kind: kind, Err: err}
}

func (e *Internal) Error() string {
	if e.Err != nil {
		return "internal error [" + string(e.Kind) + "]: " + e.Err.Error()
	}
	return "internal error [" + string(e.Kind) + "]"
}

func (e *Internal) Unwrap() error { return e.Err }

// ToUnrecoverable funnels any internal error into the single
// client-visible kind it is allowed to surface as: InternalServerError.
// This is the one conversion layer between internal and client-visible
// errors — internal kinds never leak past it.
func ToUnrecoverable(err error) *Unrecoverable {
	if err == nil {
		return nil
	}
	if u, ok := err.(*Unrecoverable); ok {
		return u
	}
	return NewUnrecoverable(InternalServerError)
}
