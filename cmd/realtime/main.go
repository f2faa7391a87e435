// Command realtime runs the notification and WebSocket fan-out server.
//
//	realtime serve --config configs/config.yaml
//	realtime token --user amb_42
//
// Every setting can be overridden with a REALTIME_ environment variable,
// e.g. REALTIME_STORE_DRIVER=redis or REALTIME_AUTH_SECRET=....
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tokmz/realtime"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "realtime",
		Short:         "Real-time notification and WebSocket fan-out server",
		Version:       realtime.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildServeCmd(), buildTokenCmd())
	return root
}
