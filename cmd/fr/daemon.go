package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flowroll/flowroll/internal/config"
	"github.com/flowroll/flowroll/internal/daemon"
	"github.com/flowroll/flowroll/internal/dashboard"
	"github.com/flowroll/flowroll/internal/sync"
	"github.com/flowroll/flowroll/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Sync automatically in the background",
	Long: `Run in the foreground and keep this device in sync.

The daemon watches the data directory and runs an incremental sync shortly
after records change (sync.debounce), plus every sync.interval to pick up
changes made on other devices. Failed syncs are retried on the next
trigger; while signed out the daemon just waits.

With --dashboard, sync activity is also served over WebSocket
(see 'fr dashboard').`,
	Run: func(cmd *cobra.Command, args []string) {
		withDashboard, _ := cmd.Flags().GetBool("dashboard")
		port, _ := cmd.Flags().GetInt("port")
		runDaemon(cmd, withDashboard, port)
	},
}

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Run the daemon with a real-time WebSocket dashboard",
	Long: `Run the sync daemon and serve its activity over WebSocket.

WebSocket messages include:
- sync_started: a collection sweep began
- sync_complete: a sweep finished (with counters and any skipped records)
- sync_failed: a sweep was aborted
- record_changed: a collection changed on this device
- status: per-collection status, sent on connect

Example usage:
  fr dashboard                 # Start on dashboard.port (default 8787)
  fr dashboard --port 9000

Connect with a WebSocket client:
  ws://localhost:8787/ws`,
	Run: func(cmd *cobra.Command, args []string) {
		port, _ := cmd.Flags().GetInt("port")
		runDaemon(cmd, true, port)
	},
}

func runDaemon(cmd *cobra.Command, withDashboard bool, port int) {
	cfg := loadConfig()
	if err := cfg.RequireRemote(); err != nil {
		fatal("%v", err)
	}
	if !cmd.Flags().Changed("port") {
		port = cfg.Dashboard.Port
	}

	var (
		server  *dashboard.Server
		onEvent func(sync.Event)
	)
	if withDashboard {
		server = dashboard.NewServer(&dashboard.Config{
			Port:   port,
			Logger: newLogger(cfg, "[dashboard] "),
		})
		handler := dashboard.NewHandler(server, newLogger(cfg, "[dashboard] "))
		onEvent = handler.OnEvent

		if err := server.Start(); err != nil {
			fatal("failed to start dashboard: %v", err)
		}
		defer server.Stop()

		fmt.Printf("Dashboard server started on http://%s\n", server.Addr())
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", server.Addr())
	}

	a := openApp(onEvent)
	defer a.Close()

	if cfg.Storage.Backend == config.BackendSQLite {
		fmt.Fprintf(os.Stderr, "%s Local changes are not watched with the sqlite backend; syncing every %s\n",
			ui.RenderWarn("⚠"), cfg.Sync.Interval)
	}

	d, err := daemon.New(a.Sync, cfg.DataDir, &daemon.Config{
		Interval: cfg.Sync.Interval,
		Debounce: cfg.Sync.Debounce,
		Quiet:    cfg.Sync.Debounce,
		Logger:   newLogger(cfg, "[daemon] "),
		OnEvent:  onEvent,
	})
	if err != nil {
		fatal("failed to create daemon: %v", err)
	}

	fmt.Printf("%s Syncing %s every %s and on change\n", ui.RenderAccent("🔄"), cfg.DataDir, cfg.Sync.Interval)
	fmt.Println("Press Ctrl+C to stop...")

	if err := d.Start(cmd.Context()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: daemon failed: %v\n", err)
		return
	}
	fmt.Printf("\n%s Daemon stopped\n", ui.RenderPass("✓"))
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "Also serve the WebSocket dashboard")
	daemonCmd.Flags().IntP("port", "p", 8787, "Dashboard port")
	dashboardCmd.Flags().IntP("port", "p", 8787, "Port to listen on")

	rootCmd.AddCommand(daemonCmd, dashboardCmd)
}
