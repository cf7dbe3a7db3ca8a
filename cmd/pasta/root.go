package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var rootCmd = &cobra.Command{
	Use:   "pasta",
	Short: "User-space network bridge for namespaced guests",
	Long: `pasta bridges a network namespace with the host without
privileges: loopback TCP connections between the two contexts are
spliced directly between kernel sockets, everything else is relayed
through a user-space network stack attached to a tap device.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, _ []string) {
		debug, _ := cmd.Flags().GetBool("debug")
		setupLogging(debug)
	}
}

// setupLogging installs the process-wide logger: human-readable text on
// a terminal, JSON otherwise.
func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
