// Command fr is the flowroll command line: it manages the local record
// store and syncs it with the hosted backend.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flowroll/flowroll/internal/app"
	"github.com/flowroll/flowroll/internal/config"
	"github.com/flowroll/flowroll/internal/sync"
	"github.com/flowroll/flowroll/internal/ui"
)

var (
	configFile string
	jsonOutput bool
	verbose    bool
	noColor    bool
)

var rootCmd = &cobra.Command{
	Use:   "fr",
	Short: "flowroll - BJJ training log with offline-first cloud sync",
	Long: `flowroll keeps your techniques, flows, training logs and profile in a
local data directory and syncs them with your account when you sign in.

Everything works offline. Records created before signing in are moved to
your account on the first sign-in.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor {
			ui.DisableColor()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "records", Title: "Records:"},
		&cobra.Group{ID: "account", Title: "Account:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: flowroll.yaml in the data directory)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log activity to stderr")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// fatal prints an error and exits.
func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", ui.RenderFail("Error:"), fmt.Sprintf(format, args...))
	os.Exit(1)
}

func loadConfig() *config.Config {
	cfg, err := config.Load(config.Options{File: configFile})
	if err != nil {
		fatal("%v", err)
	}
	return cfg
}

// newLogger writes to the configured log file, to stderr with --verbose,
// and nowhere otherwise.
func newLogger(cfg *config.Config, prefix string) *log.Logger {
	var w io.Writer = io.Discard
	switch {
	case cfg.Log.File != "":
		w = cfg.Log.Writer()
	case verbose:
		w = os.Stderr
	}
	return log.New(w, prefix, log.LstdFlags)
}

// openApp opens the data directory. Callers must Close the app.
func openApp(onEvent func(sync.Event)) *app.App {
	cfg := loadConfig()
	a, err := app.Open(app.Options{
		Config:  cfg,
		Logger:  newLogger(cfg, "[fr] "),
		OnEvent: onEvent,
	})
	if err != nil {
		fatal("failed to open data directory %s: %v", cfg.DataDir, err)
	}
	return a
}

// openRemoteApp opens the data directory and requires a backend URL.
func openRemoteApp(onEvent func(sync.Event)) *app.App {
	a := openApp(onEvent)
	if err := a.Config().RequireRemote(); err != nil {
		a.Close()
		fatal("%v", err)
	}
	return a
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal("failed to encode output: %v", err)
	}
}
