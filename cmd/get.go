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
	addBridgeFlags(GetCmd)
}

var GetCmd = &cobra.Command{
	Use:   "get <type> [id]",
	Short: "Fetch resources from the bridge",
	Long: `Fetch resources from the bridge

Fetches all resources of a type, or one resource by id, and prints
the response body.

Usage
	candela get light
	candela get light 7e73d464-c674-4661-9d5b-f4919c6f66e7

`,
	Args: cobra.RangeArgs(1, 2),
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
		defer bridge.Close()

		if err := bridge.TestConnectionState(ctx); err != nil {
			return err
		}

		ref := clip.Reference{Type: args[0]}
		if len(args) == 2 {
			ref.ID = args[1]
		}

		resources, err := bridge.GetResource(ctx, ref)
		if err != nil {
			return err
		}

		fmt.Println(string(resources.Raw))

		return nil
	},
}
