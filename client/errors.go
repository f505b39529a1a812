package client

// errorKind classifies fatal stream and session conditions. The
// reconnection policy keys off the kind: goAway is the bridge's periodic
// renegotiation and recoverable, everything else is a hard failure.
type errorKind int

const (
	errClosed errorKind = iota
	errFailure
	errTimeout
	errReset
	errIdle
	errGoAway
	errUnauthorized
)

func (k errorKind) String() string {
	switch k {
	case errClosed:
		return "closed"
	case errFailure:
		return "failure"
	case errTimeout:
		return "timeout"
	case errReset:
		return "reset"
	case errIdle:
		return "idle"
	case errGoAway:
		return "go_away"
	case errUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

type streamError struct {
	kind  errorKind
	cause error
}

func (e *streamError) Error() string {
	return "http2 stream " + e.kind.String()
}

func (e *streamError) Unwrap() error {
	return e.cause
}

// errorSource identifies which listener raised a fatal condition. Errors
// from request/response listeners are the request caller's business and
// never tear down the shared session.
type errorSource int

const (
	sourceRequest errorSource = iota
	sourceEvent
	sourceSession
)

func (s errorSource) String() string {
	switch s {
	case sourceRequest:
		return "contentStream"
	case sourceEvent:
		return "eventStream"
	case sourceSession:
		return "session"
	default:
		return "unknown"
	}
}
