package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowroll/flowroll/internal/auth"
	"github.com/flowroll/flowroll/internal/sync"
	"github.com/flowroll/flowroll/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Sync local records with your account",
	Long: `Sync local records with your account.

  fr sync run       Upload changed records, then download everything
  fr sync backup    Make your account match this device (deletes remote extras)
  fr sync restore   Make this device match your account (deletes local extras)`,
}

var syncRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Incremental two-way sync",
	Run: func(cmd *cobra.Command, args []string) {
		runSync(cmd, sync.ModeIncremental)
	},
}

var syncBackupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Push every local record and delete remote records missing locally",
	Run: func(cmd *cobra.Command, args []string) {
		runSync(cmd, sync.ModeBackup)
	},
}

var syncRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Pull every remote record and delete local records missing remotely",
	Run: func(cmd *cobra.Command, args []string) {
		runSync(cmd, sync.ModeRestore)
	},
}

var migrateCmd = &cobra.Command{
	Use:     "migrate",
	GroupID: "sync",
	Short:   "Copy records created while signed out to your account",
	Long: `Copy records created on this device while signed out to the signed-in
account. Sign-in does this automatically; run it again after creating
records offline before signing in on a new device. Records already copied
are skipped.`,
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		a := openApp(nil)
		defer a.Close()

		res, err := a.MigrateAnonymous(cmd.Context(), dryRun)
		if errors.Is(err, auth.ErrSignedOut) {
			fatal("not signed in; run 'fr auth login' first")
		}
		if res == nil {
			fatal("migration failed: %v", err)
		}

		if jsonOutput {
			outputJSON(res)
			if err != nil {
				os.Exit(1)
			}
			return
		}

		verb := "Migrated"
		if dryRun {
			verb = "Would migrate"
		}
		fmt.Printf("%s %s %d records (%d already migrated)\n", ui.RenderPass("✓"), verb, res.Migrated, res.Skipped)
		for name, n := range res.ByCollection {
			fmt.Printf("  %s: %d\n", name, n)
		}
		if err != nil {
			fmt.Printf("%s %d records failed:\n", ui.RenderWarn("⚠"), len(res.Errors))
			for _, e := range res.Errors {
				fmt.Printf("  %s\n", e)
			}
			os.Exit(1)
		}
	},
}

func runSync(cmd *cobra.Command, mode sync.Mode) {
	collection, _ := cmd.Flags().GetString("collection")

	onEvent := func(ev sync.Event) {
		if ev.Type == sync.EventStarted && !jsonOutput {
			fmt.Printf("%s Syncing %s...\n", ui.RenderAccent("🔄"), ev.Collection)
		}
	}

	a := openRemoteApp(onEvent)
	defer a.Close()

	var (
		reports []*sync.Report
		err     error
	)
	if collection != "" {
		var rep *sync.Report
		rep, err = a.Sync.Run(cmd.Context(), mode, collection)
		if rep != nil {
			reports = []*sync.Report{rep}
		}
	} else {
		reports, err = a.Sync.RunAll(cmd.Context(), mode)
	}

	if jsonOutput {
		out := map[string]any{"reports": reports}
		if err != nil {
			out["error"] = err.Error()
			out["message"] = sync.UserMessage(err)
		}
		outputJSON(out)
		if err != nil {
			os.Exit(1)
		}
		return
	}

	printReports(reports)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %s\n", ui.RenderWarn("⚠"), sync.UserMessage(err))
		if verbose {
			fmt.Fprintf(os.Stderr, "  %v\n", err)
		}
		os.Exit(1)
	}
}

func printReports(reports []*sync.Report) {
	if len(reports) == 0 {
		return
	}
	rows := [][]string{{"COLLECTION", "PUSHED", "PULLED", "DEL REMOTE", "DEL LOCAL", "UNCHANGED", "FAILED", "TIME"}}
	for _, r := range reports {
		rows = append(rows, []string{
			r.Collection,
			fmt.Sprint(r.Pushed),
			fmt.Sprint(r.Pulled),
			fmt.Sprint(r.DeletedRemote),
			fmt.Sprint(r.DeletedLocal),
			fmt.Sprint(r.Unchanged),
			fmt.Sprint(len(r.Failures)),
			r.Duration().Round(time.Millisecond).String(),
		})
	}
	fmt.Print(ui.Table(rows))
	for _, r := range reports {
		for _, f := range r.Failures {
			fmt.Printf("%s %s %s %s: %v\n", ui.RenderWarn("⚠"), f.Collection, f.Op, f.RecordID, f.Err)
		}
	}
}

func init() {
	for _, c := range []*cobra.Command{syncRunCmd, syncBackupCmd, syncRestoreCmd} {
		c.Flags().StringP("collection", "c", "", "Only sync this collection (techniques, flows, training_logs, profiles)")
	}
	migrateCmd.Flags().Bool("dry-run", false, "Show what would be migrated without saving")

	syncCmd.AddCommand(syncRunCmd, syncBackupCmd, syncRestoreCmd)
	rootCmd.AddCommand(syncCmd, migrateCmd)
}
