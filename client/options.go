package client

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/luma/candela/clip"
)

const (
	// DefaultRequestTimeout bounds session establishment and each
	// request/response exchange.
	DefaultRequestTimeout = 10 * time.Second

	// DefaultKeepAliveInterval is how often the session is pinged. The
	// session counts as dead when nothing arrives for two intervals.
	DefaultKeepAliveInterval = 300 * time.Second

	// DefaultRestartBackoff is the quiet period before reconnecting after
	// the bridge announces a session shutdown. Callers arriving during the
	// window wait up to twice this long for the restart to finish.
	DefaultRestartBackoff = 5 * time.Second

	// DefaultFatalDispatchDelay defers fatal-error handling so the
	// outcome of an in-flight reconnection can supersede a stale error.
	DefaultFatalDispatchDelay = 1 * time.Second

	// DefaultRequestSpacing is the minimum gap between request starts.
	// The bridge is a constrained device and drops requests when hammered.
	DefaultRequestSpacing = 50 * time.Millisecond

	// DefaultMaxConcurrentRequests caps the in-flight request streams.
	DefaultMaxConcurrentRequests = 3
)

// Handler receives the bridge's connectivity transitions and resource
// events. Callbacks run on the client's I/O goroutines and must not
// block.
type Handler interface {
	// OnConnectionOnline is called when the event stream is up.
	OnConnectionOnline()

	// OnConnectionOffline is called when the session is lost for good,
	// i.e. not for the silent reconnection after a session shutdown
	// announcement.
	OnConnectionOffline()

	// OnResourcesEvent is called with the resources of one event stream
	// message. The resources are sparse: they carry only changed fields.
	OnResourcesEvent(resources []clip.Resource)
}

// Tuning collects the client's timing knobs. Zero values select the
// defaults; specs compress them to keep suites fast.
type Tuning struct {
	RequestTimeout        time.Duration
	KeepAliveInterval     time.Duration
	RestartBackoff        time.Duration
	FatalDispatchDelay    time.Duration
	RequestSpacing        time.Duration
	MaxConcurrentRequests int
}

func (t Tuning) withDefaults() Tuning {
	if t.RequestTimeout == 0 {
		t.RequestTimeout = DefaultRequestTimeout
	}
	if t.KeepAliveInterval == 0 {
		t.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if t.RestartBackoff == 0 {
		t.RestartBackoff = DefaultRestartBackoff
	}
	if t.FatalDispatchDelay == 0 {
		t.FatalDispatchDelay = DefaultFatalDispatchDelay
	}
	if t.RequestSpacing == 0 {
		t.RequestSpacing = DefaultRequestSpacing
	}
	if t.MaxConcurrentRequests == 0 {
		t.MaxConcurrentRequests = DefaultMaxConcurrentRequests
	}

	return t
}

type Options struct {
	// Host is the bridge address. Port 443 is assumed when absent.
	Host string

	// ApplicationKey is the access key sent on every request. Obtain one
	// with Bridge.RegisterApplicationKey.
	ApplicationKey string

	// InsecureTLS skips certificate verification. Bridges ship
	// self-signed certificates, so this usually has to be on.
	InsecureTLS bool

	// Handler receives connectivity and resource events. Required.
	Handler Handler

	Log *zap.Logger

	// OpenSession overrides how sessions are established. Specs use this
	// to substitute a scripted session.
	OpenSession SessionOpener

	Tuning Tuning
}

func (o Options) validate() error {
	if o.Host == "" {
		return fmt.Errorf("bridge host is required")
	}
	if o.Handler == nil {
		return fmt.Errorf("handler is required")
	}

	return nil
}
