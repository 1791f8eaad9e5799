package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowroll/flowroll/internal/app"
	"github.com/flowroll/flowroll/internal/ledger"
	"github.com/flowroll/flowroll/internal/record"
	"github.com/flowroll/flowroll/internal/storage"
	"github.com/flowroll/flowroll/internal/ui"
)

// collectionStatus is one line of 'fr status'.
type collectionStatus struct {
	Collection string `json:"collection"`
	Records    int    `json:"records"`
	Unsynced   int    `json:"unsynced"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show account, storage and pending changes",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := openApp(nil)
		defer a.Close()

		owner, err := a.Owner(ctx)
		if err != nil {
			fatal("%v", err)
		}
		session, err := a.Auth.Session(ctx)
		if err != nil {
			fatal("failed to load session: %v", err)
		}

		stats, err := collectStatus(ctx, a, owner)
		if err != nil {
			fatal("%v", err)
		}

		cfg := a.Config()
		if jsonOutput {
			outputJSON(map[string]any{
				"owner":       owner,
				"signed_in":   session != nil,
				"data_dir":    cfg.DataDir,
				"backend":     cfg.Storage.Backend,
				"remote":      cfg.Remote.URL,
				"config_file": cfg.File,
				"collections": stats,
			})
			return
		}

		if session != nil {
			fmt.Printf("Account:  %s\n", ui.RenderAccent(owner))
		} else {
			fmt.Printf("Account:  %s %s\n", ui.RenderMuted("not signed in, local owner"), owner)
		}
		fmt.Printf("Data:     %s (%s)\n", cfg.DataDir, cfg.Storage.Backend)
		if cfg.Remote.URL != "" {
			fmt.Printf("Remote:   %s\n", cfg.Remote.URL)
		} else {
			fmt.Printf("Remote:   %s\n", ui.RenderWarn("not configured"))
		}
		if cfg.File != "" {
			fmt.Printf("Config:   %s\n", cfg.File)
		}
		fmt.Println()

		rows := [][]string{{"COLLECTION", "RECORDS", "UNSYNCED"}}
		for _, s := range stats {
			unsynced := fmt.Sprint(s.Unsynced)
			if s.Unsynced > 0 {
				unsynced = ui.RenderWarn(unsynced)
			}
			rows = append(rows, []string{s.Collection, fmt.Sprint(s.Records), unsynced})
		}
		fmt.Print(ui.Table(rows))
	},
}

func collectStatus(ctx context.Context, a *app.App, owner string) ([]collectionStatus, error) {
	techniques, err := a.Techniques.List(ctx, owner)
	if err != nil {
		return nil, err
	}
	flows, err := a.Flows.List(ctx, owner)
	if err != nil {
		return nil, err
	}
	logs, err := a.TrainingLogs.List(ctx, owner)
	if err != nil {
		return nil, err
	}
	profiles, err := a.Profiles.List(ctx, owner)
	if err != nil {
		return nil, err
	}

	var out []collectionStatus
	for _, c := range []struct {
		name string
		recs []record.Record
	}{
		{record.Techniques, records(techniques)},
		{record.Flows, records(flows)},
		{record.TrainingLogs, records(logs)},
		{record.Profiles, records(profiles)},
	} {
		s, err := countUnsynced(ctx, a.Backend(), c.name, c.recs)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func records[T record.Record](in []T) []record.Record {
	out := make([]record.Record, len(in))
	for i, r := range in {
		out[i] = r
	}
	return out
}

func countUnsynced(ctx context.Context, backend storage.Backend, collection string, recs []record.Record) (collectionStatus, error) {
	snap, err := ledger.New(backend, collection).Snapshot(ctx)
	if err != nil {
		return collectionStatus{}, fmt.Errorf("failed to read sync ledger: %w", err)
	}
	s := collectionStatus{Collection: collection, Records: len(recs)}
	for _, r := range recs {
		if snap.IsDirty(r) {
			s.Unsynced++
		}
	}
	return s, nil
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
