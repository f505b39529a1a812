package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/luma/candela/clip"
	"github.com/luma/candela/internal/env"
)

func init() {
	addBridgeFlags(RegisterCmd)
}

var RegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a new application key with the bridge",
	Long: `Register a new application key with the bridge

Press the bridge's link button first, then run this within 30
seconds. The printed key goes into CANDELA_APPLICATION_KEY.

Usage
	candela register

`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer signalStop()

		log, err := env.MakeLogger()
		if err != nil {
			return err
		}

		bridge, err := newBridge(ctx, log, &logHandler{log: log})
		if err != nil {
			return err
		}

		if err := bridge.CheckSupport(ctx); err != nil {
			return err
		}

		key, err := bridge.RegisterApplicationKey(ctx, applicationKey)
		if err != nil {
			if clip.IsUnauthorized(err) {
				return fmt.Errorf("bridge refused registration; press the link button and try again")
			}

			return err
		}

		fmt.Println(key)

		return nil
	},
}
