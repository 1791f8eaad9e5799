package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/flowroll/flowroll/internal/record"
	"github.com/flowroll/flowroll/internal/ui"
)

const dateLayout = "2006-01-02"

var logCmd = &cobra.Command{
	Use:     "log",
	GroupID: "records",
	Short:   "Record training sessions",
}

var logAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Log a training session",
	Long: `Log a training session.

The date accepts YYYY-MM-DD or natural language such as "yesterday" or
"last tuesday".

Examples:
  fr log add --duration 90 --type gi --notes "Worked closed guard"
  fr log add --date yesterday --duration 60 --type nogi --technique <id>`,
	Run: func(cmd *cobra.Command, args []string) {
		dateText, _ := cmd.Flags().GetString("date")
		duration, _ := cmd.Flags().GetInt("duration")
		sessionType, _ := cmd.Flags().GetString("type")
		notes, _ := cmd.Flags().GetString("notes")
		techniques, _ := cmd.Flags().GetStringSlice("technique")
		energy, _ := cmd.Flags().GetInt("energy")

		date, err := parseDate(dateText, time.Now())
		if err != nil {
			fatal("%v", err)
		}

		a := openApp(nil)
		defer a.Close()

		l := &record.TrainingLog{
			Date:            date.Format(dateLayout),
			DurationMinutes: duration,
			SessionType:     sessionType,
			Notes:           notes,
			TechniqueIDs:    techniques,
			Energy:          energy,
		}
		if err := a.CreateTrainingLog(cmd.Context(), l); err != nil {
			fatal("failed to log session: %v", err)
		}
		if jsonOutput {
			outputJSON(l)
			return
		}
		fmt.Printf("%s Logged %d min %s session on %s (%s)\n",
			ui.RenderPass("✓"), l.DurationMinutes, l.SessionType, l.Date, ui.RenderMuted(l.ID))
	},
}

var logListCmd = &cobra.Command{
	Use:   "list",
	Short: "List training sessions",
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp(nil)
		defer a.Close()

		logs, err := a.ListTrainingLogs(cmd.Context())
		if err != nil {
			fatal("failed to list training logs: %v", err)
		}
		if jsonOutput {
			if logs == nil {
				logs = []*record.TrainingLog{}
			}
			outputJSON(logs)
			return
		}
		if len(logs) == 0 {
			fmt.Println(ui.RenderMuted("No training sessions"))
			return
		}

		total := 0
		rows := [][]string{{"ID", "DATE", "TYPE", "MINUTES", "NOTES"}}
		for _, l := range logs {
			total += l.DurationMinutes
			rows = append(rows, []string{l.ID, l.Date, l.SessionType,
				fmt.Sprint(l.DurationMinutes), truncate(l.Notes, 40)})
		}
		fmt.Print(ui.Table(rows))
		fmt.Printf("\n%d sessions, %s on the mats\n", len(logs), ui.RenderAccent((time.Duration(total) * time.Minute).String()))
	},
}

var logRmCmd = &cobra.Command{
	Use:   "rm ID...",
	Short: "Delete training sessions",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp(nil)
		defer a.Close()

		for _, id := range args {
			if err := a.TrainingLogs.Delete(cmd.Context(), id); err != nil {
				fatal("failed to delete training log %s: %v", id, err)
			}
			fmt.Printf("%s Deleted %s\n", ui.RenderPass("✓"), id)
		}
	},
}

// parseDate accepts an ISO date or a natural-language date relative to
// base. An empty string means base.
func parseDate(text string, base time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" || strings.EqualFold(text, "today") {
		return base, nil
	}
	if t, err := time.ParseInLocation(dateLayout, text, base.Location()); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(text, base)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse date %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized date %q (use YYYY-MM-DD or e.g. \"yesterday\")", text)
	}
	return r.Time, nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}

func init() {
	logAddCmd.Flags().String("date", "", "Session date (default: today)")
	logAddCmd.Flags().IntP("duration", "m", 60, "Duration in minutes")
	logAddCmd.Flags().StringP("type", "t", "gi", "Session type (gi, nogi, open_mat, drilling, competition, private)")
	logAddCmd.Flags().StringP("notes", "n", "", "Notes")
	logAddCmd.Flags().StringSlice("technique", nil, "Technique ids worked on")
	logAddCmd.Flags().Int("energy", 0, "Energy level 1-5")

	logCmd.AddCommand(logAddCmd, logListCmd, logRmCmd)
	rootCmd.AddCommand(logCmd)
}
