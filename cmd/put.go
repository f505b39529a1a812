package cmd

import (
	"context"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/luma/candela/clip"
	"github.com/luma/candela/internal/env"
)

func init() {
	addBridgeFlags(PutCmd)
}

var PutCmd = &cobra.Command{
	Use:   "put <type> <id> [json]",
	Short: "Write a resource to the bridge",
	Long: `Write a resource to the bridge

Sends a JSON body to one resource. The body is taken from the third
argument, or from stdin when omitted.

Usage
	candela put light 7e73d464-c674-4661-9d5b-f4919c6f66e7 '{"on":{"on":true}}'

`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer signalStop()

		log, err := env.MakeLogger()
		if err != nil {
			return err
		}

		var body []byte
		if len(args) == 3 {
			body = []byte(args[2])
		} else {
			if body, err = io.ReadAll(os.Stdin); err != nil {
				return err
			}
		}

		bridge, err := newBridge(ctx, log, &logHandler{log: log})
		if err != nil {
			return err
		}
		defer bridge.Close()

		if err := bridge.TestConnectionState(ctx); err != nil {
			return err
		}

		return bridge.PutResource(ctx, clip.Resource{
			Type: args[0],
			ID:   args[1],
			Raw:  body,
		})
	},
}
