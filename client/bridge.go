// Package client maintains a resilient connection to a smart-lighting
// bridge's CLIP v2 interface: one shared HTTP/2 session carrying
// throttled request/response streams and a long-lived server-sent-event
// stream, kept alive with pings and silently re-established when the
// bridge renegotiates the session.
package client

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/luma/candela/clip"
	"github.com/luma/candela/transport"
)

// State is the connection state of the bridge client.
type State int32

const (
	// StateClosed means no usable session exists.
	StateClosed State = iota

	// StatePassive means the session is up and requests work, but no
	// event stream is attached.
	StatePassive

	// StateActive means the session is up and the event stream is
	// delivering.
	StateActive
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StatePassive:
		return "passive"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

const eventStreamTag = "eventStream"

// restartTask tracks one scheduled silent reconnection. done is closed
// when the task has finished (or was abandoned), so request callers can
// wait out the restart window instead of failing.
type restartTask struct {
	timer *time.Timer
	done  chan struct{}
}

// Bridge is a client for one bridge. All methods are safe for concurrent
// use.
type Bridge struct {
	opts   Options
	tuning Tuning
	log    *zap.Logger

	throttle *throttle
	monitor  *sessionMonitor

	// httpClient serves the plain HTTP/1.1 endpoints that work without a
	// session: registration and the firmware check.
	httpClient *http.Client

	// mu is the lifecycle lock: it serializes open, close and restart
	// transitions. It is never taken from the session's read loop.
	mu                       sync.Mutex
	session                  Session
	closing                  bool
	internalRestartScheduled bool
	externalRestartScheduled bool
	restart                  *restartTask

	state         atomic.Int32
	sessionExpire atomic.Int64

	keepAliveStop chan struct{}

	fatalMu    sync.Mutex
	fatalSeq   int
	fatalTasks map[int]*time.Timer
}

func New(opts Options) (*Bridge, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}

	openSession := opts.OpenSession
	if openSession == nil {
		openSession = openTransportSession
	}
	opts.OpenSession = openSession

	tuning := opts.Tuning.withDefaults()

	b := &Bridge{
		opts:       opts,
		tuning:     tuning,
		log:        log.Named("bridge"),
		throttle:   newThrottle(tuning.MaxConcurrentRequests, tuning.RequestSpacing),
		fatalTasks: make(map[int]*time.Timer),
		httpClient: &http.Client{
			Timeout: tuning.RequestTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: opts.InsecureTLS},
			},
		},
	}
	b.monitor = &sessionMonitor{bridge: b}

	return b, nil
}

// State returns the current connection state.
func (b *Bridge) State() State {
	return State(b.state.Load())
}

func (b *Bridge) setState(s State) {
	if b.State() != s {
		b.log.Debug("connection state changed", zap.Stringer("state", s))
	}

	b.state.Store(int32(s))
}

// Host returns the configured bridge address.
func (b *Bridge) Host() string {
	return b.opts.Host
}

// Open brings the connection to active: session up, event stream
// attached, online notification delivered. On error the session may be
// left passive; callers decide whether to Close or retry.
func (b *Bridge) Open(ctx context.Context) error {
	b.log.Debug("open()")

	b.mu.Lock()
	b.closing = false
	b.externalRestartScheduled = false
	err := b.openPassiveLocked(ctx)
	if err == nil {
		err = b.openActiveLocked(ctx)
	}
	b.mu.Unlock()

	if err != nil {
		return err
	}

	b.opts.Handler.OnConnectionOnline()

	return nil
}

// Close tears the connection down and suppresses any pending restart.
// The offline notification is not delivered: the caller asked for this.
func (b *Bridge) Close() error {
	b.log.Debug("close()")

	b.mu.Lock()
	b.closing = true
	b.internalRestartScheduled = false
	b.externalRestartScheduled = false
	b.hardCloseLocked()
	b.mu.Unlock()

	return nil
}

// ScheduleExternalRestart tears the connection down on behalf of a
// consumer that intends to reconnect itself, e.g. after changing
// configuration. Like Close it suppresses the offline notification and
// any automatic reconnection.
func (b *Bridge) ScheduleExternalRestart() {
	b.log.Debug("scheduleExternalRestart()")

	b.mu.Lock()
	b.externalRestartScheduled = true
	b.internalRestartScheduled = false
	b.cancelRestartLocked()
	b.hardCloseLocked()
	b.mu.Unlock()
}

// TestConnectionState checks whether an authenticated session can be
// established, closing the connection again on any failure. An
// unauthorized error means the application key is invalid.
func (b *Bridge) TestConnectionState(ctx context.Context) error {
	b.log.Debug("testConnectionState()")

	b.mu.Lock()
	err := b.openPassiveLocked(ctx)
	b.mu.Unlock()

	if err == nil {
		_, err = b.getImpl(ctx, clip.BridgeReference)
	}

	if err != nil {
		b.hardClose()
		return err
	}

	return nil
}

// GetResource fetches the resources addressed by ref. It returns
// clip.ErrOffline when no session is up.
func (b *Bridge) GetResource(ctx context.Context, ref clip.Reference) (*clip.Resources, error) {
	if err := b.sleepDuringRestart(ctx); err != nil {
		return nil, err
	}

	if b.State() == StateClosed {
		return nil, clip.ErrOffline
	}

	return b.getImpl(ctx, ref)
}

// PutResource writes resource to the bridge. Writes are best effort:
// while the connection is down they are silently dropped, since the
// bridge will be resynchronized on reconnect anyway.
func (b *Bridge) PutResource(ctx context.Context, resource clip.Resource) error {
	if err := b.sleepDuringRestart(ctx); err != nil {
		return err
	}

	if b.State() == StateClosed {
		b.log.Debug("dropping write, connection is closed",
			zap.String("type", resource.Type), zap.String("id", resource.ID))
		return nil
	}

	session := b.currentSession()
	if session == nil || session.Closed() {
		return &clip.CommsError{Op: "putResource", Cause: errors.New("session is closed")}
	}

	if err := b.throttle.acquire(ctx); err != nil {
		return err
	}
	defer b.throttle.release()

	listener := newContentListener(b)

	body, err := b.exchange(ctx, session, transport.StreamRequest{
		Method:      http.MethodPut,
		Path:        resource.Reference().ResourcePath(),
		Header:      b.requestHeader(clip.MediaTypeJSON, clip.MediaTypeJSON),
		Body:        resource.Raw,
		IdleTimeout: b.tuning.RequestTimeout,
	}, listener)
	if err != nil {
		if clip.IsUnauthorized(err) {
			return err
		}

		return &clip.CommsError{Op: "putResource", Cause: err}
	}

	resources, err := clip.ParseResources([]byte(body))
	if err != nil {
		return &clip.CommsError{Op: "putResource", Cause: err}
	}

	b.logResourceErrors(resources)

	return nil
}

// RegisterApplicationKey obtains an application key from the bridge. The
// link button must have been pressed; until then the bridge answers
// unauthorized.
func (b *Bridge) RegisterApplicationKey(ctx context.Context, oldKey string) (string, error) {
	b.log.Debug("registerApplicationKey()")

	return clip.RegisterApplicationKey(ctx, b.httpClient, b.opts.Host, oldKey)
}

// CheckSupport verifies that the bridge firmware speaks CLIP v2.
func (b *Bridge) CheckSupport(ctx context.Context) error {
	return clip.CheckSupport(ctx, b.httpClient, b.opts.Host)
}

func (b *Bridge) getImpl(ctx context.Context, ref clip.Reference) (*clip.Resources, error) {
	session := b.currentSession()
	if session == nil || session.Closed() {
		return nil, &clip.CommsError{Op: "getResource", Cause: errors.New("session is closed")}
	}

	if err := b.throttle.acquire(ctx); err != nil {
		return nil, err
	}
	defer b.throttle.release()

	listener := newContentListener(b)

	body, err := b.exchange(ctx, session, transport.StreamRequest{
		Method:      http.MethodGet,
		Path:        ref.ResourcePath(),
		Header:      b.requestHeader(clip.MediaTypeJSON, ""),
		IdleTimeout: b.tuning.RequestTimeout,
	}, listener)
	if err != nil {
		if clip.IsUnauthorized(err) {
			return nil, err
		}

		return nil, &clip.CommsError{Op: "getResource", Cause: err}
	}

	resources, err := clip.ParseResources([]byte(body))
	if err != nil {
		return nil, &clip.CommsError{Op: "getResource", Cause: err}
	}

	b.logResourceErrors(resources)

	return resources, nil
}

// exchange runs one request/response stream to completion and returns
// the body.
func (b *Bridge) exchange(ctx context.Context, session Session, req transport.StreamRequest, listener *contentListener) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, b.tuning.RequestTimeout)
	defer cancel()

	stream, err := session.NewStream(reqCtx, req, listener)
	if err != nil {
		return "", err
	}

	body, err := listener.awaiter.Await(ctx, b.tuning.RequestTimeout)
	if err != nil {
		_ = stream.Reset()
		return "", err
	}

	if contentType := listener.ContentType(); contentType != clip.MediaTypeJSON {
		return "", fmt.Errorf("unexpected content type %q", contentType)
	}

	return body, nil
}

func (b *Bridge) requestHeader(accept, contentType string) map[string]string {
	header := map[string]string{"accept": accept}
	header[clip.ApplicationKeyHeader] = b.opts.ApplicationKey
	if contentType != "" {
		header["content-type"] = contentType
	}

	return header
}

func (b *Bridge) logResourceErrors(resources *clip.Resources) {
	if err := resources.Err(); err != nil {
		b.log.Debug("bridge reported resource errors", zap.Error(err))
	}
}

// onEventData is called from the event listener with the concatenated
// data payload of one complete event stream message.
func (b *Bridge) onEventData(payload string) {
	if b.State() != StateActive {
		return
	}

	b.log.Debug("onEventData()", zap.Int("length", len(payload)))

	resources, err := clip.ParseEvents(payload)
	if err != nil {
		b.log.Debug("ignoring unparseable event payload", zap.Error(err))
		return
	}

	if len(resources) == 0 {
		return
	}

	b.opts.Handler.OnResourcesEvent(resources)
}

// --- lifecycle -------------------------------------------------------

func (b *Bridge) openPassiveLocked(ctx context.Context) error {
	b.log.Debug("openPassive()")

	b.setState(StateClosed)

	if err := b.openSessionLocked(ctx); err != nil {
		return err
	}

	b.startKeepAliveLocked()
	b.setState(StatePassive)

	return nil
}

func (b *Bridge) openActiveLocked(ctx context.Context) error {
	b.log.Debug("openActive()")

	if err := b.openEventStreamLocked(ctx); err != nil {
		return err
	}

	b.setState(StateActive)

	return nil
}

func (b *Bridge) openSessionLocked(ctx context.Context) error {
	if b.session != nil && !b.session.Closed() {
		return nil
	}

	session, err := b.opts.OpenSession(ctx, transport.Options{
		Host:           b.opts.Host,
		ConnectTimeout: b.tuning.RequestTimeout,
		InsecureTLS:    b.opts.InsecureTLS,
		Listener:       b.monitor,
		Log:            b.log.Named("transport"),
	})
	if err != nil {
		return &clip.CommsError{Op: "openSession", Cause: err}
	}

	b.session = session
	b.monitor.setSession(session)
	b.checkAliveOk()

	return nil
}

func (b *Bridge) openEventStreamLocked(ctx context.Context) error {
	session := b.session
	if session == nil || session.Closed() {
		return &clip.CommsError{Op: "openEventStream", Cause: errors.New("session is closed")}
	}

	if session.HasStreamTag(eventStreamTag) {
		return nil
	}

	listener := newEventListener(b)

	// No deadline and no idle timer: the feed lives until the session
	// dies and is legitimately silent between events.
	stream, err := session.NewStream(context.Background(), transport.StreamRequest{
		Method: http.MethodGet,
		Path:   clip.EventsPath,
		Header: b.requestHeader(clip.MediaTypeSSE, ""),
		Tag:    eventStreamTag,
	}, listener)
	if err != nil {
		return &clip.CommsError{Op: "openEventStream", Cause: err}
	}

	// The first message is the liveness signal; the stream is not up
	// until it arrives.
	if _, err := listener.awaiter.Await(ctx, b.tuning.RequestTimeout); err != nil {
		_ = stream.Reset()

		if clip.IsUnauthorized(err) {
			return err
		}

		return &clip.CommsError{Op: "openEventStream", Cause: err}
	}

	return nil
}

func (b *Bridge) hardClose() {
	b.mu.Lock()
	b.hardCloseLocked()
	b.mu.Unlock()
}

// hardCloseLocked tears everything down. The offline notification only
// goes out when the connection was active and this is neither a
// deliberate close nor part of a restart.
func (b *Bridge) hardCloseLocked() {
	b.log.Debug("hardClose()")

	notify := b.State() == StateActive &&
		!b.internalRestartScheduled && !b.externalRestartScheduled && !b.closing

	b.setState(StateClosed)
	b.cancelFatalTasks()

	// A scheduled restart survives the close it triggered itself.
	if !b.internalRestartScheduled {
		b.cancelRestartLocked()
	}

	b.stopKeepAliveLocked()

	if b.session != nil {
		_ = b.session.Close()
		b.session = nil
		b.monitor.setSession(nil)
	}

	if notify {
		b.opts.Handler.OnConnectionOffline()
	}
}

func (b *Bridge) currentSession() Session {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.session
}

// --- fatal error policy ----------------------------------------------

// fatalErrorDelayed defers fatal-error handling briefly so the outcome
// of an in-flight reconnection can supersede a stale error from the old
// session. Each pending dispatch is tracked so a close cancels them all.
func (b *Bridge) fatalErrorDelayed(source errorSource, cause *streamError) {
	b.fatalMu.Lock()
	defer b.fatalMu.Unlock()

	seq := b.fatalSeq
	b.fatalSeq++

	b.fatalTasks[seq] = time.AfterFunc(b.tuning.FatalDispatchDelay, func() {
		b.fatalError(source, cause)

		b.fatalMu.Lock()
		delete(b.fatalTasks, seq)
		b.fatalMu.Unlock()
	})
}

func (b *Bridge) cancelFatalTasks() {
	b.fatalMu.Lock()
	defer b.fatalMu.Unlock()

	for seq, timer := range b.fatalTasks {
		timer.Stop()
		delete(b.fatalTasks, seq)
	}
}

func (b *Bridge) fatalError(source errorSource, cause *streamError) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closing || b.internalRestartScheduled || b.externalRestartScheduled || b.State() == StateClosed {
		return
	}

	if source == sourceRequest {
		// A broken request stream is its caller's problem, not the
		// session's.
		b.log.Debug("ignoring fatal error from request stream", zap.Stringer("kind", cause.kind))
		return
	}

	if cause.kind == errGoAway {
		// The bridge renegotiates its session periodically. Reconnect
		// silently after a quiet period; consumers never hear about it.
		b.log.Debug("scheduling silent reconnection", zap.Stringer("source", source))

		b.internalRestartScheduled = true
		b.cancelRestartLocked()

		wasActive := b.State() == StateActive

		task := &restartTask{done: make(chan struct{})}
		task.timer = time.AfterFunc(b.tuning.RestartBackoff, func() {
			b.internalRestart(task, wasActive)
		})
		b.restart = task

		b.hardCloseLocked()
		return
	}

	b.log.Warn("fatal connection error, closing session",
		zap.Stringer("source", source), zap.Stringer("kind", cause.kind), zap.Error(cause))

	b.hardCloseLocked()
}

// internalRestart reopens the connection after the backoff. A restart
// that fails itself hard-closes without retrying; the next consumer
// operation or an external Open starts over.
func (b *Bridge) internalRestart(task *restartTask, active bool) {
	defer close(task.done)

	b.mu.Lock()
	if b.closing || !b.internalRestartScheduled {
		b.mu.Unlock()
		return
	}

	err := b.openPassiveLocked(context.Background())
	if err == nil && active {
		err = b.openActiveLocked(context.Background())
	}

	b.internalRestartScheduled = false

	if err != nil {
		b.log.Warn("scheduled reconnection failed", zap.Error(err))
		b.hardCloseLocked()
	}

	b.mu.Unlock()
}

func (b *Bridge) cancelRestartLocked() {
	if b.restart != nil {
		b.restart.timer.Stop()
		b.restart = nil
	}
}

// sleepDuringRestart holds a request caller back while a silent
// reconnection is in flight, so requests issued during the restart
// window succeed instead of failing spuriously.
func (b *Bridge) sleepDuringRestart(ctx context.Context) error {
	b.mu.Lock()
	task := b.restart
	b.mu.Unlock()

	if task == nil {
		return nil
	}

	timer := time.NewTimer(2 * b.tuning.RestartBackoff)
	defer timer.Stop()

	select {
	case <-task.done:

	case <-timer.C:
		return &clip.CommsError{Op: "sleepDuringRestart", Cause: errors.New("timed out waiting for reconnection")}

	case <-ctx.Done():
		return ctx.Err()
	}

	b.mu.Lock()
	b.internalRestartScheduled = false
	b.mu.Unlock()

	return nil
}

// --- keepalive -------------------------------------------------------

func (b *Bridge) startKeepAliveLocked() {
	if b.keepAliveStop != nil {
		return
	}

	stop := make(chan struct{})
	b.keepAliveStop = stop

	go b.keepAliveLoop(stop)
}

func (b *Bridge) stopKeepAliveLocked() {
	if b.keepAliveStop != nil {
		close(b.keepAliveStop)
		b.keepAliveStop = nil
	}
}

func (b *Bridge) keepAliveLoop(stop chan struct{}) {
	ticker := time.NewTicker(b.tuning.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return

		case <-ticker.C:
			b.checkAlive()
		}
	}
}

// checkAlive pings the session and declares it dead when nothing has
// arrived for two keepalive intervals.
func (b *Bridge) checkAlive() {
	if b.State() == StateClosed {
		return
	}

	b.log.Debug("checkAlive()")

	if session := b.currentSession(); session != nil {
		var payload [8]byte
		binary.BigEndian.PutUint64(payload[:], uint64(time.Now().UnixMilli()))
		_ = session.Ping(payload, false)
	}

	if time.Now().UnixNano() > b.sessionExpire.Load() {
		b.fatalError(sourceSession, &streamError{kind: errTimeout})
	}
}

// checkAliveOk pushes the session's expiry out. Called for any inbound
// ping traffic and on session establishment.
func (b *Bridge) checkAliveOk() {
	b.sessionExpire.Store(time.Now().Add(2 * b.tuning.KeepAliveInterval).UnixNano())
}
