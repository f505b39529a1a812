package transport

import "time"

// StreamListener receives the events of one multiplexed stream. Callbacks
// are invoked from the session's read loop (or a timer goroutine for the
// timeout callbacks) and must not block; data slices are only valid for
// the duration of the call.
type StreamListener interface {
	// OnHeaders is called once when the response headers arrive.
	OnHeaders(status int, contentType string)

	// OnData is called for every data frame. endStream marks the
	// terminal frame of the stream.
	OnData(data []byte, endStream bool)

	// OnIdleTimeout is called when the stream's idle timer expires.
	// Returning true resets and discards the stream, false keeps it open.
	OnIdleTimeout() bool

	// OnTimeout is called when the stream's overall deadline (the
	// context passed to NewStream) expires before the stream finished.
	OnTimeout()

	// OnClosed is called when the session dies underneath a stream that
	// has not finished.
	OnClosed()

	// OnReset is called when the peer resets the stream.
	OnReset()
}

// SessionListener receives transport-level lifecycle events of the shared
// session. Callbacks are invoked from the session's read loop and must
// not block.
type SessionListener interface {
	// OnClose is called when the peer closes the connection.
	OnClose()

	// OnFailure is called when the connection fails unexpectedly.
	OnFailure(err error)

	// OnGoAway is called when the peer announces connection shutdown.
	OnGoAway()

	// OnPing is called for every ping frame, requests and replies alike.
	OnPing(payload [8]byte, isReply bool)
}

// StreamRequest describes one request to multiplex onto the session.
type StreamRequest struct {
	Method string
	Path   string

	// Header carries the accept, content type and access key fields.
	// Keys must be lower case.
	Header map[string]string

	Body []byte

	// IdleTimeout resets and discards the stream when no frame arrives
	// for this long. Zero disables the idle timer; the event stream is
	// expected to be silent between events.
	IdleTimeout time.Duration

	// Tag marks long-lived streams so callers can check for an existing
	// one before opening another.
	Tag string
}
