package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/flowroll/flowroll/internal/record"
	"github.com/flowroll/flowroll/internal/store"
	"github.com/flowroll/flowroll/internal/ui"
)

var techniqueCmd = &cobra.Command{
	Use:     "technique",
	Aliases: []string{"tech"},
	GroupID: "records",
	Short:   "Manage your technique library",
}

var techniqueAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Add a technique",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		category, _ := cmd.Flags().GetString("category")
		position, _ := cmd.Flags().GetString("position")
		description, _ := cmd.Flags().GetString("description")
		tags, _ := cmd.Flags().GetStringSlice("tags")
		video, _ := cmd.Flags().GetString("video")
		steps, _ := cmd.Flags().GetStringArray("step")

		a := openApp(nil)
		defer a.Close()

		t := &record.Technique{
			Name:        args[0],
			Category:    category,
			Position:    position,
			Description: description,
			Tags:        tags,
			VideoURL:    video,
			Steps:       steps,
		}
		if err := a.CreateTechnique(cmd.Context(), t); err != nil {
			fatal("failed to add technique: %v", err)
		}

		if jsonOutput {
			outputJSON(t)
			return
		}
		fmt.Printf("%s Added technique %s (%s)\n", ui.RenderPass("✓"), t.Name, ui.RenderMuted(t.ID))
	},
}

var techniqueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List techniques",
	Run: func(cmd *cobra.Command, args []string) {
		category, _ := cmd.Flags().GetString("category")

		a := openApp(nil)
		defer a.Close()

		all, err := a.ListTechniques(cmd.Context())
		if err != nil {
			fatal("failed to list techniques: %v", err)
		}

		var out []*record.Technique
		for _, t := range all {
			if category == "" || t.Category == category {
				out = append(out, t)
			}
		}
		printTechniques(out)
	},
}

var techniqueViewCmd = &cobra.Command{
	Use:   "view ID",
	Short: "Show a technique",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp(nil)
		defer a.Close()

		t, err := a.ViewTechnique(cmd.Context(), args[0])
		if store.IsNotFound(err) {
			fatal("no technique with id %s", args[0])
		}
		if err != nil {
			fatal("failed to load technique: %v", err)
		}

		if jsonOutput {
			outputJSON(t)
			return
		}
		fmt.Println(ui.RenderHeader(t.Name))
		if t.Category != "" || t.Position != "" {
			fmt.Printf("%s %s\n", ui.RenderAccent(t.Category), ui.RenderMuted(t.Position))
		}
		if t.Description != "" {
			fmt.Printf("\n%s\n", t.Description)
		}
		for i, step := range t.Steps {
			fmt.Printf("  %d. %s\n", i+1, step)
		}
		if len(t.Tags) > 0 {
			fmt.Printf("\nTags: %s\n", strings.Join(t.Tags, ", "))
		}
		if t.VideoURL != "" {
			fmt.Printf("Video: %s\n", t.VideoURL)
		}
	},
}

var techniqueRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List recently viewed techniques",
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp(nil)
		defer a.Close()

		recent, err := a.RecentTechniques(cmd.Context())
		if err != nil {
			fatal("failed to load recent techniques: %v", err)
		}
		printTechniques(recent)
	},
}

var techniqueRmCmd = &cobra.Command{
	Use:   "rm ID...",
	Short: "Delete techniques",
	Long: `Delete techniques from this device.

Run 'fr sync backup' afterwards to delete them from your account too; an
incremental sync would download them again.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp(nil)
		defer a.Close()

		for _, id := range args {
			if err := a.Techniques.Delete(cmd.Context(), id); err != nil {
				fatal("failed to delete technique %s: %v", id, err)
			}
			fmt.Printf("%s Deleted %s\n", ui.RenderPass("✓"), id)
		}
	},
}

func printTechniques(ts []*record.Technique) {
	if jsonOutput {
		if ts == nil {
			ts = []*record.Technique{}
		}
		outputJSON(ts)
		return
	}
	if len(ts) == 0 {
		fmt.Println(ui.RenderMuted("No techniques"))
		return
	}
	rows := [][]string{{"ID", "NAME", "CATEGORY", "POSITION"}}
	for _, t := range ts {
		rows = append(rows, []string{t.ID, t.Name, t.Category, t.Position})
	}
	fmt.Print(ui.Table(rows))
}

func init() {
	techniqueAddCmd.Flags().String("category", "", "Category (submission, sweep, pass, escape, takedown, guard, position, control, other)")
	techniqueAddCmd.Flags().String("position", "", "Starting position")
	techniqueAddCmd.Flags().StringP("description", "d", "", "Description")
	techniqueAddCmd.Flags().StringSlice("tags", nil, "Comma-separated tags")
	techniqueAddCmd.Flags().String("video", "", "Video URL")
	techniqueAddCmd.Flags().StringArray("step", nil, "A step (repeatable, in order)")

	techniqueListCmd.Flags().String("category", "", "Only list this category")

	techniqueCmd.AddCommand(techniqueAddCmd, techniqueListCmd, techniqueViewCmd, techniqueRecentCmd, techniqueRmCmd)
	rootCmd.AddCommand(techniqueCmd)
}
