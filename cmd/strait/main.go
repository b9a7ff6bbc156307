// strait: multi-protocol reverse-proxy gateway.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"go.klb.dev/strait/internal/logging"
)

// Version is set at build time via -ldflags "-X main.Version=x.y.z".
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "strait",
		Short: "Multi-protocol reverse-proxy gateway",
		Long: `strait accepts client traffic over HTTP, HTTPS, gRPC, and raw
TCP/UDP, and forwards each request to a dynamically registered backend
selected by service name.

HTTP(S) requests route by the first path segment, gRPC calls by the
"service-name" metadata key, and TCP/UDP relays by the service their
listener is bound to. Backends are picked round-robin per service.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newServeCmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("strait %s\n", Version)
		},
	}
}

// resolveLogging sets up the global slog logger after flags are parsed.
func resolveLogging(formatStr, levelStr string) {
	logging.Setup(logging.ParseFormat(formatStr), logging.ParseLevel(levelStr))
}
