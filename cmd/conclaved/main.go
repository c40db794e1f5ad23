package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/conclave-ai/conclave"
)

// Version information (set via ldflags)
var Version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "conclaved",
		Short: "Multi-agent deliberation server",
		Long: `conclaved runs panels of AI agents that deliberate on a topic in
rounds, streaming the discussion over SSE and WebSocket.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONCLAVE_CONFIG"), "path to the YAML config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the deliberation server",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Printf("starting conclaved v%s", Version)
			return conclave.Run(cmd.Context(), configPath)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("conclaved %s\n", Version)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
