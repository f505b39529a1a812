package client

import (
	"bufio"
	"strings"
	"sync"

	"github.com/luma/candela/clip"
	"github.com/luma/candela/transport"
)

// streamCore is the part shared by the request and event stream
// listeners: the result cell the opener blocks on, the response media
// type, and the translation of HTTP status codes into errors.
type streamCore struct {
	bridge  *Bridge
	source  errorSource
	awaiter *transport.Awaiter

	mu          sync.Mutex
	contentType string
}

func (c *streamCore) OnHeaders(status int, contentType string) {
	c.mu.Lock()
	c.contentType = strings.ToLower(contentType)
	c.mu.Unlock()

	if status == 401 || status == 403 {
		c.fail(errUnauthorized, nil)
	}
}

// ContentType returns the lower-cased response media type, or empty when
// no headers arrived yet.
func (c *streamCore) ContentType() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.contentType
}

// fail completes the awaiter and hands the error to the bridge's fatal
// error policy. Unauthorized surfaces as its own error type so callers
// can trigger re-registration.
func (c *streamCore) fail(kind errorKind, cause error) {
	err := &streamError{kind: kind, cause: cause}

	if kind == errUnauthorized {
		c.awaiter.Fail(&clip.UnauthorizedError{Reason: "bridge rejected the application key"})
	} else {
		c.awaiter.Fail(err)
	}

	c.bridge.fatalErrorDelayed(c.source, err)
}

// contentListener drives one request/response stream. It accumulates the
// body and resolves the awaiter when the terminal frame arrives.
type contentListener struct {
	streamCore
	content *transport.Collector
}

func newContentListener(b *Bridge) *contentListener {
	return &contentListener{
		streamCore: streamCore{
			bridge:  b,
			source:  sourceRequest,
			awaiter: transport.NewAwaiter(),
		},
		content: transport.NewCollector(),
	}
}

func (l *contentListener) OnData(data []byte, endStream bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.content.Append(data)

	if endStream && !l.awaiter.Done() {
		l.awaiter.Resolve(strings.TrimSpace(l.content.String()))
		l.content.Reset()
	}
}

func (l *contentListener) OnIdleTimeout() bool {
	l.fail(errIdle, nil)
	// Discard the stream, nobody is coming back for it.
	return true
}

func (l *contentListener) OnTimeout() {
	l.fail(errTimeout, nil)
}

// OnClosed and OnReset are deliberate no-ops for request streams: the
// caller blocked on the awaiter surfaces its own timeout, and the shared
// session's fate is the session listener's business.
func (l *contentListener) OnClosed() {}

func (l *contentListener) OnReset() {}

// eventListener drives the long-lived event stream. Frames carry
// server-sent-event text; a message is complete when its last line is
// blank. The first complete message is the liveness signal that resolves
// the awaiter, whether or not it carries data.
type eventListener struct {
	streamCore
	data *transport.Collector
}

func newEventListener(b *Bridge) *eventListener {
	return &eventListener{
		streamCore: streamCore{
			bridge:  b,
			source:  sourceEvent,
			awaiter: transport.NewAwaiter(),
		},
		data: transport.NewCollector(),
	}
}

func (l *eventListener) OnData(data []byte, endStream bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.data.Append(data)

	// Frame boundaries are arbitrary, so rescan the whole buffer each
	// time and only reset it when the last line is blank, i.e. exactly at
	// a message boundary. Resetting anywhere else would lose the lines
	// already buffered for the next message.
	lines := l.bufferedLines()
	if len(lines) == 0 || strings.TrimSpace(lines[len(lines)-1]) != "" {
		return
	}

	l.data.Reset()
	l.dispatchMessages(lines)
}

func (l *eventListener) bufferedLines() []string {
	var lines []string

	scanner := bufio.NewScanner(l.data.Reader())
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	return lines
}

// dispatchMessages splits the buffered lines into messages at blank
// lines and delivers the concatenated data payload of each.
func (l *eventListener) dispatchMessages(lines []string) {
	var payload strings.Builder

	flush := func() {
		l.awaiter.Resolve("")

		if payload.Len() > 0 {
			l.bridge.onEventData(payload.String())
			payload.Reset()
		}
	}

	sawLine := false
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			if sawLine {
				flush()
				sawLine = false
			}
			continue
		}

		sawLine = true
		if rest, ok := strings.CutPrefix(line, "data:"); ok {
			payload.WriteString(strings.TrimLeft(rest, " "))
		}
	}
}

func (l *eventListener) OnIdleTimeout() bool {
	// The feed is legitimately silent between events; never discard it.
	return false
}

// OnTimeout cannot fire: the event stream is opened without a deadline.
func (l *eventListener) OnTimeout() {}

func (l *eventListener) OnClosed() {
	l.fail(errClosed, nil)
}

func (l *eventListener) OnReset() {
	l.fail(errReset, nil)
}

// sessionMonitor receives transport-level session events and feeds them
// into the bridge's fatal error policy and keepalive accounting. It holds
// its own session reference so ping replies never touch the bridge's
// lifecycle lock from the read loop.
type sessionMonitor struct {
	bridge *Bridge

	mu      sync.Mutex
	session Session
}

func (m *sessionMonitor) setSession(s Session) {
	m.mu.Lock()
	m.session = s
	m.mu.Unlock()
}

func (m *sessionMonitor) OnClose() {
	m.bridge.fatalErrorDelayed(sourceSession, &streamError{kind: errClosed})
}

func (m *sessionMonitor) OnFailure(err error) {
	m.bridge.fatalErrorDelayed(sourceSession, &streamError{kind: errFailure, cause: err})
}

func (m *sessionMonitor) OnGoAway() {
	m.bridge.fatalErrorDelayed(sourceSession, &streamError{kind: errGoAway})
}

func (m *sessionMonitor) OnPing(payload [8]byte, isReply bool) {
	// Any ping traffic proves the session alive.
	m.bridge.checkAliveOk()

	if isReply {
		return
	}

	m.mu.Lock()
	session := m.session
	m.mu.Unlock()

	if session != nil {
		_ = session.Ping(payload, true)
	}
}
