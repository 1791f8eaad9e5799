package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/flowroll/flowroll/internal/ui"
)

var flagsCmd = &cobra.Command{
	Use:     "flags",
	GroupID: "advanced",
	Short:   "Show or toggle feature flags stored on this device",
}

var flagsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List feature flags",
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp(nil)
		defer a.Close()

		flags, err := a.KV.Flags(cmd.Context())
		if err != nil {
			fatal("failed to read flags: %v", err)
		}
		if jsonOutput {
			outputJSON(flags)
			return
		}
		if len(flags) == 0 {
			fmt.Println(ui.RenderMuted("No flags set"))
			return
		}
		names := make([]string, 0, len(flags))
		for name := range flags {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("%s = %v\n", name, flags[name])
		}
	},
}

var flagsGetCmd = &cobra.Command{
	Use:   "get NAME",
	Short: "Print a feature flag",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp(nil)
		defer a.Close()

		on, err := a.KV.Flag(cmd.Context(), args[0])
		if err != nil {
			fatal("failed to read flag: %v", err)
		}
		fmt.Println(on)
	},
}

var flagsSetCmd = &cobra.Command{
	Use:   "set NAME true|false",
	Short: "Set a feature flag",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		on, err := strconv.ParseBool(args[1])
		if err != nil {
			fatal("invalid value %q: use true or false", args[1])
		}

		a := openApp(nil)
		defer a.Close()

		if err := a.KV.SetFlag(cmd.Context(), args[0], on); err != nil {
			fatal("failed to set flag: %v", err)
		}
		fmt.Printf("%s %s = %v\n", ui.RenderPass("✓"), args[0], on)
	},
}

func init() {
	flagsCmd.AddCommand(flagsListCmd, flagsGetCmd, flagsSetCmd)
	rootCmd.AddCommand(flagsCmd)
}
