package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/flowroll/flowroll/internal/config"
	"github.com/flowroll/flowroll/internal/loadtest"
	"github.com/flowroll/flowroll/internal/storage"
	"github.com/flowroll/flowroll/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Load-test a storage backend with concurrent writers",
	Long: `Run concurrent writers (and optionally readers) against one collection
document and check that no record is lost.

The test runs in a scratch directory unless --dir is given, so your data
directory is never touched by default.

Examples:
  fr bench
  fr bench --backend sqlite --writers 16 --records 50
  fr bench --dir /tmp/fr-bench --file-lock`,
	GroupID: "advanced",
	Run: func(cmd *cobra.Command, args []string) {
		backendName, _ := cmd.Flags().GetString("backend")
		dir, _ := cmd.Flags().GetString("dir")
		fileLock, _ := cmd.Flags().GetBool("file-lock")

		cfg := loadtest.DefaultConfig()
		cfg.Writers, _ = cmd.Flags().GetInt("writers")
		cfg.RecordsPerWriter, _ = cmd.Flags().GetInt("records")
		cfg.Readers, _ = cmd.Flags().GetInt("readers")
		if err := cfg.Validate(); err != nil {
			fatal("%v", err)
		}

		if dir == "" {
			tmp, err := os.MkdirTemp("", "fr-bench-")
			if err != nil {
				fatal("failed to create scratch directory: %v", err)
			}
			defer os.RemoveAll(tmp)
			dir = tmp
		}

		b, err := openBenchBackend(backendName, dir, fileLock)
		if err != nil {
			fatal("%v", err)
		}
		defer b.Close()

		if !jsonOutput {
			switch b := b.(type) {
			case *storage.FileBackend:
				fmt.Printf("Directory: %s\n", b.Dir())
			case *storage.SQLiteBackend:
				fmt.Printf("Database: %s\n", b.Path())
			}
			fmt.Printf("Running %s backend load test: %d writers x %d records, %d readers\n\n",
				backendName, cfg.Writers, cfg.RecordsPerWriter, cfg.Readers)
		}

		res, err := loadtest.Run(cmd.Context(), b, cfg)
		if err != nil && !errors.Is(err, loadtest.ErrLostWrites) {
			fatal("%v", err)
		}

		if jsonOutput {
			outputJSON(map[string]any{
				"backend": backendName,
				"result":  res,
				"ok":      err == nil,
			})
		} else {
			res.Writes.Print(os.Stdout, "Writes")
			if res.Reads.Ops > 0 {
				fmt.Println()
				res.Reads.Print(os.Stdout, "Reads")
			}
			fmt.Printf("\nStored %d of %d records in %v\n", res.Stored, res.Expected, res.Elapsed)
			if err == nil {
				fmt.Printf("%s no writes lost\n", ui.RenderPass("✓"))
			}
		}
		if err != nil {
			fatal("%v", err)
		}
	},
}

func openBenchBackend(name, dir string, fileLock bool) (storage.Backend, error) {
	switch name {
	case config.BackendFile:
		var opts []storage.FileOption
		if fileLock {
			opts = append(opts, storage.WithFileLock())
		}
		return storage.NewFileBackend(afero.NewOsFs(), dir, opts...)
	case config.BackendSQLite:
		return storage.OpenSQLite(filepath.Join(dir, "bench.db"), nil)
	default:
		return nil, fmt.Errorf("--backend must be %q or %q (got %q)", config.BackendFile, config.BackendSQLite, name)
	}
}

func init() {
	benchCmd.Flags().String("backend", config.BackendFile, "Storage backend: file or sqlite")
	benchCmd.Flags().String("dir", "", "Directory to run in (default: a scratch directory)")
	benchCmd.Flags().Bool("file-lock", false, "Take cross-process file locks (file backend)")
	benchCmd.Flags().Int("writers", 8, "Number of concurrent writers")
	benchCmd.Flags().Int("records", 10, "Records saved by each writer")
	benchCmd.Flags().Int("readers", 2, "Number of concurrent readers")
	rootCmd.AddCommand(benchCmd)
}
