package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

const hpackDynamicTableSize = 4096

// Session is one multiplexed, encrypted HTTP/2 connection carrying many
// streams. It speaks the protocol at the frame level so that stream and
// session lifecycle events can be routed to listeners as they happen.
//
// The session's own idle timer is deliberately absent: the connection is
// held open indefinitely and liveness is the owner's keepalive concern.
type Session struct {
	opts Options
	log  *zap.Logger

	conn   net.Conn
	framer *http2.Framer

	// writeMu serializes frame writes; the hpack encoder state is part
	// of the write stream so it shares the lock.
	writeMu  sync.Mutex
	hpackBuf bytes.Buffer
	encoder  *hpack.Encoder

	mu           sync.Mutex
	nextStreamID uint32
	streams      map[uint32]*Stream
	closed       bool

	readDone chan struct{}
}

// Stream is one multiplexed exchange on a session.
type Stream struct {
	id       uint32
	session  *Session
	listener StreamListener
	tag      string

	idleTimeout time.Duration
	idleTimer   *time.Timer

	// done is closed when the stream is unregistered, whatever the
	// reason.
	done chan struct{}
}

// Connect dials the remote host, performs the TLS and HTTP/2 handshakes
// and starts the read loop. The whole exchange is bounded by the connect
// timeout.
func Connect(ctx context.Context, opts Options) (*Session, error) {
	if opts.Listener == nil {
		return nil, errors.New("transport: Options.Listener is required")
	}

	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}

	ctx, cancel := context.WithTimeout(ctx, opts.connectTimeout())
	defer cancel()

	dial := opts.Dial
	if dial == nil {
		dial = func(ctx context.Context) (net.Conn, error) {
			dialer := tls.Dialer{Config: opts.tlsConfig()}
			return dialer.DialContext(ctx, "tcp", opts.authority())
		}
	}

	conn, err := dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to dial session: %w", err)
	}

	s := &Session{
		opts:         opts,
		log:          log,
		conn:         conn,
		framer:       http2.NewFramer(conn, conn),
		nextStreamID: 1,
		streams:      make(map[uint32]*Stream),
		readDone:     make(chan struct{}),
	}
	s.encoder = hpack.NewEncoder(&s.hpackBuf)
	s.framer.ReadMetaHeaders = hpack.NewDecoder(hpackDynamicTableSize, nil)

	if err := s.handshake(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	go s.readLoop()

	log.Debug("Session established", zap.String("authority", opts.authority()))

	return s, nil
}

// handshake sends the client preface and exchanges SETTINGS frames,
// bounded by the context deadline.
func (s *Session) handshake(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		s.conn.SetDeadline(deadline)
		defer s.conn.SetDeadline(time.Time{})
	}

	if _, err := io.WriteString(s.conn, http2.ClientPreface); err != nil {
		return fmt.Errorf("failed to write client preface: %w", err)
	}

	if err := s.framer.WriteSettings(http2.Setting{ID: http2.SettingEnablePush, Val: 0}); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}

	// The peer's first frame must be its SETTINGS. Tolerate connection
	// window updates arriving before it.
	for {
		frame, err := s.framer.ReadFrame()
		if err != nil {
			return fmt.Errorf("failed to read server settings: %w", err)
		}

		switch f := frame.(type) {
		case *http2.SettingsFrame:
			if f.IsAck() {
				continue
			}
			return s.framer.WriteSettingsAck()

		case *http2.WindowUpdateFrame:
			continue

		default:
			return fmt.Errorf("unexpected %v frame during handshake", frame.Header().Type)
		}
	}
}

// NewStream multiplexes a new exchange onto the session and registers its
// listener. If ctx carries a deadline, the listener's OnTimeout fires
// when it expires before the stream finished.
func (s *Session) NewStream(ctx context.Context, req StreamRequest, listener StreamListener) (*Stream, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("session is closed")
	}

	st := &Stream{
		id:          s.nextStreamID,
		session:     s,
		listener:    listener,
		tag:         req.Tag,
		idleTimeout: req.IdleTimeout,
		done:        make(chan struct{}),
	}
	s.nextStreamID += 2
	s.streams[st.id] = st
	s.mu.Unlock()

	if err := s.writeRequest(st.id, req); err != nil {
		s.unregister(st.id)
		return nil, err
	}

	if st.idleTimeout > 0 {
		st.idleTimer = time.AfterFunc(st.idleTimeout, st.idleExpired)
	}

	if _, ok := ctx.Deadline(); ok {
		go st.watchDeadline(ctx)
	}

	return st, nil
}

func (s *Session) writeRequest(streamID uint32, req StreamRequest) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	host, _, _ := net.SplitHostPort(s.opts.authority())

	s.hpackBuf.Reset()
	s.encoder.WriteField(hpack.HeaderField{Name: ":method", Value: req.Method})
	s.encoder.WriteField(hpack.HeaderField{Name: ":scheme", Value: "https"})
	s.encoder.WriteField(hpack.HeaderField{Name: ":authority", Value: host})
	s.encoder.WriteField(hpack.HeaderField{Name: ":path", Value: req.Path})

	if len(req.Body) > 0 {
		s.encoder.WriteField(hpack.HeaderField{
			Name:  "content-length",
			Value: strconv.Itoa(len(req.Body)),
		})
	}

	for name, value := range req.Header {
		s.encoder.WriteField(hpack.HeaderField{Name: strings.ToLower(name), Value: value})
	}

	err := s.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: s.hpackBuf.Bytes(),
		EndHeaders:    true,
		EndStream:     len(req.Body) == 0,
	})
	if err != nil {
		return fmt.Errorf("failed to write request headers: %w", err)
	}

	if len(req.Body) > 0 {
		if err := s.framer.WriteData(streamID, true, req.Body); err != nil {
			return fmt.Errorf("failed to write request body: %w", err)
		}
	}

	return nil
}

// HasStreamTag reports whether a live stream carries the given tag.
func (s *Session) HasStreamTag(tag string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range s.streams {
		if st.tag == tag {
			return true
		}
	}

	return false
}

// Ping writes a ping frame. reply distinguishes answering the peer from
// probing it.
func (s *Session) Ping(payload [8]byte, reply bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.framer.WritePing(reply, payload)
}

// Closed reports whether the session has been closed, by either side.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

// Close tears the session down. Registered stream listeners are not
// notified; an explicit close means their owner is being torn down too.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	streams := s.streams
	s.streams = make(map[uint32]*Stream)
	s.mu.Unlock()

	for _, st := range streams {
		st.finish()
	}

	// Best effort goodbye before dropping the connection.
	s.writeMu.Lock()
	_ = s.framer.WriteGoAway(0, http2.ErrCodeNo, nil)
	s.writeMu.Unlock()

	err := s.conn.Close()
	<-s.readDone

	s.log.Debug("Session closed")

	return err
}

func (s *Session) readLoop() {
	defer close(s.readDone)

	for {
		frame, err := s.framer.ReadFrame()
		if err != nil {
			s.readFailed(err)
			return
		}

		switch f := frame.(type) {
		case *http2.MetaHeadersFrame:
			s.handleHeaders(f)

		case *http2.DataFrame:
			s.handleData(f)

		case *http2.RSTStreamFrame:
			if st := s.unregister(f.Header().StreamID); st != nil {
				st.listener.OnReset()
			}

		case *http2.GoAwayFrame:
			s.log.Debug("Received goaway", zap.Uint32("errCode", uint32(f.ErrCode)))
			s.opts.Listener.OnGoAway()

		case *http2.PingFrame:
			s.opts.Listener.OnPing(f.Data, f.IsAck())

		case *http2.SettingsFrame:
			if !f.IsAck() {
				s.writeMu.Lock()
				_ = s.framer.WriteSettingsAck()
				s.writeMu.Unlock()
			}

		default:
			// WINDOW_UPDATE and friends need no action here.
		}
	}
}

// readFailed classifies the read loop's exit. A close initiated by us is
// not an event; a clean EOF is the peer closing; anything else is a
// failure.
func (s *Session) readFailed(err error) {
	s.mu.Lock()
	wasClosed := s.closed
	s.closed = true
	streams := s.streams
	s.streams = make(map[uint32]*Stream)
	s.mu.Unlock()

	if wasClosed {
		return
	}

	for _, st := range streams {
		st.finish()
		st.listener.OnClosed()
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		s.log.Debug("Session closed by peer")
		s.opts.Listener.OnClose()
		return
	}

	s.log.Debug("Session read failed", zap.Error(err))
	s.opts.Listener.OnFailure(err)
}

func (s *Session) handleHeaders(f *http2.MetaHeadersFrame) {
	st := s.lookup(f.Header().StreamID)
	if st == nil {
		return
	}

	st.touch()

	status, _ := strconv.Atoi(f.PseudoValue("status"))
	var contentType string
	for _, field := range f.RegularFields() {
		if field.Name == "content-type" {
			contentType = field.Value
		}
	}

	st.listener.OnHeaders(status, contentType)

	if f.StreamEnded() {
		s.unregister(st.id)
		st.listener.OnData(nil, true)
	}
}

func (s *Session) handleData(f *http2.DataFrame) {
	data := f.Data()

	// Replenish the flow control windows so long-lived streams never
	// stall the connection.
	if len(data) > 0 {
		s.writeMu.Lock()
		_ = s.framer.WriteWindowUpdate(0, uint32(len(data)))
		_ = s.framer.WriteWindowUpdate(f.Header().StreamID, uint32(len(data)))
		s.writeMu.Unlock()
	}

	st := s.lookup(f.Header().StreamID)
	if st == nil {
		return
	}

	st.touch()

	if f.StreamEnded() {
		s.unregister(st.id)
	}

	st.listener.OnData(data, f.StreamEnded())
}

func (s *Session) lookup(streamID uint32) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.streams[streamID]
}

// unregister removes a stream from the session and finishes it. Returns
// the stream if it was still registered.
func (s *Session) unregister(streamID uint32) *Stream {
	s.mu.Lock()
	st, ok := s.streams[streamID]
	if ok {
		delete(s.streams, streamID)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}

	st.finish()

	return st
}

func (s *Session) writeReset(streamID uint32) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.framer.WriteRSTStream(streamID, http2.ErrCodeCancel)
}

// Tag returns the tag the stream was opened with.
func (st *Stream) Tag() string {
	return st.tag
}

// Reset abandons the stream, telling the peer to stop sending on it.
func (st *Stream) Reset() error {
	if st.session.unregister(st.id) == nil {
		return nil
	}

	return st.session.writeReset(st.id)
}

// finish marks the stream as no longer registered and stops its timers.
func (st *Stream) finish() {
	if st.idleTimer != nil {
		st.idleTimer.Stop()
	}

	select {
	case <-st.done:
	default:
		close(st.done)
	}
}

// touch restarts the idle timer; called for every inbound frame.
func (st *Stream) touch() {
	if st.idleTimer != nil {
		st.idleTimer.Reset(st.idleTimeout)
	}
}

func (st *Stream) idleExpired() {
	select {
	case <-st.done:
		return
	default:
	}

	if st.listener.OnIdleTimeout() {
		_ = st.Reset()
	}
}

func (st *Stream) watchDeadline(ctx context.Context) {
	select {
	case <-st.done:

	case <-ctx.Done():
		if st.session.unregister(st.id) != nil {
			_ = st.session.writeReset(st.id)
			st.listener.OnTimeout()
		}
	}
}
