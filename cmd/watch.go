package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/candela/cache"
	"github.com/luma/candela/client"
	"github.com/luma/candela/clip"
	"github.com/luma/candela/internal/env"
)

var (
	// The host to serve the status API on
	host string

	// The port to serve the status API on
	httpPort string
)

func init() {
	flags := WatchCmd.PersistentFlags()

	flags.StringVar(&httpPort, "http-port", "7368", "The port to serve the status API on")
	flags.StringVarP(&host, "host", "a", "0.0.0.0", "The host to serve the status API on")

	addBridgeFlags(WatchCmd)
}

var WatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the bridge's event stream and mirror its state",
	Long: `Follow the bridge's event stream and mirror its state

Keeps a connection to the bridge open, folds every event into an
in-memory mirror of the bridge's resources, and serves the mirror
over HTTP.

Usage
	candela watch

`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		log, err := env.MakeLogger()
		if err != nil {
			return err
		}

		conf, err := env.LoadConfig(ctx)
		if err != nil {
			return err
		}

		store := cache.New()
		defer store.Close()

		handler := &watchHandler{log: log.Named("handler"), store: store}

		bridge, err := newBridge(ctx, log, handler)
		if err != nil {
			return err
		}
		handler.bridge = bridge

		if err := bridge.CheckSupport(ctx); err != nil {
			return err
		}

		router := setupRouter(conf.DebugHTTP, log)

		router.GET("/health", func(c *gin.Context) {
			c.String(http.StatusOK, "ok")
		})

		router.GET("/state", func(c *gin.Context) {
			c.Data(http.StatusOK, "application/json", store.Snapshot())
		})

		router.GET("/connection", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"state": bridge.State().String()})
		})

		s := &http.Server{
			Addr:    net.JoinHostPort(host, httpPort),
			Handler: router,
		}

		// Initializing the server in a goroutine so that
		// it won't block the graceful shutdown handling below
		go func() {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Http server errored", zap.Error(err))
			}
		}()

		if err := bridge.Open(ctx); err != nil {
			return err
		}

		log.Info("Watching",
			zap.String("bridge", bridge.Host()),
			zap.String("host", host),
			zap.String("httpPort", httpPort))

		// Listen for the interrupt signal.
		<-ctx.Done()

		// Restore default behavior on the interrupt signal and notify user of shutdown.
		signalStop()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.SetKeepAlivesEnabled(false)

		if err := s.Shutdown(ctx); err != nil {
			log.Error("Http server forced to shutdown", zap.Error(err))
		}

		if err := bridge.Close(); err != nil {
			log.Error("Bridge connection forced to shutdown", zap.Error(err))
		}

		log.Info("Exiting")
		return nil
	},
}

// watchHandler folds connectivity and resource events into the state
// mirror. When the connection comes online it fetches the full resource
// state, since events only carry deltas.
type watchHandler struct {
	log    *zap.Logger
	store  *cache.Cache
	bridge *client.Bridge

	priming atomic.Bool
}

func (h *watchHandler) OnConnectionOnline() {
	h.log.Info("Bridge connection online")

	// Event callbacks must not block, and neither must this one; the
	// full fetch runs on its own goroutine.
	if h.priming.CompareAndSwap(false, true) {
		go h.prime()
	}
}

func (h *watchHandler) prime() {
	defer h.priming.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resources, err := h.bridge.GetResource(ctx, clip.AllResourcesReference)
	if err != nil {
		h.log.Warn("Failed to fetch full resource state", zap.Error(err))
		return
	}

	for _, resource := range resources.List() {
		if err := h.store.Store(ctx, resource); err != nil {
			h.log.Warn("Failed to store resource", zap.Error(err))
		}
	}
}

func (h *watchHandler) OnConnectionOffline() {
	h.log.Warn("Bridge connection offline")
}

func (h *watchHandler) OnResourcesEvent(resources []clip.Resource) {
	for _, resource := range resources {
		if err := h.store.Store(context.Background(), resource); err != nil {
			h.log.Warn("Failed to store resource update", zap.Error(err))
		}
	}
}

func setupRouter(debugHTTP bool, log *zap.Logger) *gin.Engine {
	gin.DisableConsoleColor()
	if !debugHTTP {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Add a ginzap middleware, which:
	//   - Logs all requests, like a combined access and error log.
	//   - Logs to stdout.
	//   - RFC3339 with UTC time format.
	r.Use(ginzap.GinzapWithConfig(log, &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{"/health"},
	}))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	r.Use(ginzap.RecoveryWithZap(log, true))

	return r
}
