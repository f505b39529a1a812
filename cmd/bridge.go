package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/candela/client"
	"github.com/luma/candela/clip"
	"github.com/luma/candela/internal/env"
)

var (
	// The bridge to talk to; overrides CANDELA_BRIDGE_HOST
	bridgeHost string

	// The application key; overrides CANDELA_APPLICATION_KEY
	applicationKey string
)

// addBridgeFlags registers the connection flags shared by every command
// that talks to a bridge.
func addBridgeFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()

	flags.StringVarP(&bridgeHost, "bridge", "b", "", "The bridge IP address or host name")
	flags.StringVarP(&applicationKey, "key", "k", "", "The application key")
}

// newBridge builds a bridge client from the environment plus flag
// overrides.
func newBridge(ctx context.Context, log *zap.Logger, handler client.Handler) (*client.Bridge, error) {
	conf, err := env.LoadConfig(ctx)
	if err != nil {
		return nil, err
	}

	if bridgeHost != "" {
		conf.BridgeHost = bridgeHost
	}
	if applicationKey != "" {
		conf.ApplicationKey = applicationKey
	}

	if conf.BridgeHost == "" {
		return nil, fmt.Errorf("no bridge host given; set CANDELA_BRIDGE_HOST or pass --bridge")
	}

	return client.New(client.Options{
		Host:           conf.BridgeHost,
		ApplicationKey: conf.ApplicationKey,
		InsecureTLS:    conf.InsecureTLS,
		Handler:        handler,
		Log:            log,
	})
}

// logHandler is the handler for one-shot commands: it logs connectivity
// transitions and discards resource events.
type logHandler struct {
	log *zap.Logger
}

func (h *logHandler) OnConnectionOnline() {
	h.log.Debug("bridge connection online")
}

func (h *logHandler) OnConnectionOffline() {
	h.log.Warn("bridge connection offline")
}

func (h *logHandler) OnResourcesEvent(resources []clip.Resource) {}
