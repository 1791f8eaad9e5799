package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/flowroll/flowroll/internal/graph"
	"github.com/flowroll/flowroll/internal/record"
	"github.com/flowroll/flowroll/internal/store"
	"github.com/flowroll/flowroll/internal/ui"
)

var flowCmd = &cobra.Command{
	Use:     "flow",
	GroupID: "records",
	Short:   "Manage technique flow diagrams",
}

var flowAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Add an empty flow",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		description, _ := cmd.Flags().GetString("description")
		tags, _ := cmd.Flags().GetStringSlice("tags")

		a := openApp(nil)
		defer a.Close()

		f := &record.Flow{Name: args[0], Description: description, Tags: tags}
		if err := a.CreateFlow(cmd.Context(), f); err != nil {
			fatal("failed to add flow: %v", err)
		}
		if jsonOutput {
			outputJSON(f)
			return
		}
		fmt.Printf("%s Added flow %s (%s)\n", ui.RenderPass("✓"), f.Name, ui.RenderMuted(f.ID))
	},
}

var flowImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Create a flow from a graph document",
	Long: `Create a flow from a graph JSON document. Both the current format and
the older flattened format (positionX/positionY, type fields) are accepted.
Use - to read from stdin.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name, _ := cmd.Flags().GetString("name")

		data, err := readInput(args[0])
		if err != nil {
			fatal("%v", err)
		}
		g, err := graph.Decode(data)
		if err != nil {
			fatal("%v", err)
		}
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			if args[0] == "-" {
				name = "Imported flow"
			}
		}

		a := openApp(nil)
		defer a.Close()

		f := &record.Flow{Name: name, Graph: g}
		if err := a.CreateFlow(cmd.Context(), f); err != nil {
			fatal("failed to save flow: %v", err)
		}
		if jsonOutput {
			outputJSON(f)
			return
		}
		fmt.Printf("%s Imported flow %s: %d nodes, %d edges (%s)\n",
			ui.RenderPass("✓"), f.Name, len(g.Nodes), len(g.Edges), ui.RenderMuted(f.ID))
	},
}

var flowExportCmd = &cobra.Command{
	Use:   "export ID",
	Short: "Write a flow's graph document",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		out, _ := cmd.Flags().GetString("output")

		a := openApp(nil)
		defer a.Close()

		f, err := a.Flows.Get(cmd.Context(), args[0])
		if store.IsNotFound(err) {
			fatal("no flow with id %s", args[0])
		}
		if err != nil {
			fatal("failed to load flow: %v", err)
		}

		data, err := graph.Encode(f.Graph)
		if err != nil {
			fatal("%v", err)
		}
		if out == "" || out == "-" {
			fmt.Println(string(data))
			return
		}
		if err := os.WriteFile(out, data, 0o644); err != nil {
			fatal("failed to write %s: %v", out, err)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), out)
	},
}

var flowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List flows",
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp(nil)
		defer a.Close()

		flows, err := a.ListFlows(cmd.Context())
		if err != nil {
			fatal("failed to list flows: %v", err)
		}
		if jsonOutput {
			if flows == nil {
				flows = []*record.Flow{}
			}
			outputJSON(flows)
			return
		}
		if len(flows) == 0 {
			fmt.Println(ui.RenderMuted("No flows"))
			return
		}
		rows := [][]string{{"ID", "NAME", "NODES", "EDGES"}}
		for _, f := range flows {
			rows = append(rows, []string{f.ID, f.Name,
				fmt.Sprint(len(f.Graph.Nodes)), fmt.Sprint(len(f.Graph.Edges))})
		}
		fmt.Print(ui.Table(rows))
	},
}

var flowRmCmd = &cobra.Command{
	Use:   "rm ID...",
	Short: "Delete flows",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp(nil)
		defer a.Close()

		for _, id := range args {
			if err := a.Flows.Delete(cmd.Context(), id); err != nil {
				fatal("failed to delete flow %s: %v", id, err)
			}
			fmt.Printf("%s Deleted %s\n", ui.RenderPass("✓"), id)
		}
	},
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func init() {
	flowAddCmd.Flags().StringP("description", "d", "", "Description")
	flowAddCmd.Flags().StringSlice("tags", nil, "Comma-separated tags")
	flowImportCmd.Flags().String("name", "", "Flow name (default: file name)")
	flowExportCmd.Flags().StringP("output", "o", "", "Output file (default: stdout)")

	flowCmd.AddCommand(flowAddCmd, flowImportCmd, flowExportCmd, flowListCmd, flowRmCmd)
	rootCmd.AddCommand(flowCmd)
}
