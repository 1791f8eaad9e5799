package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowroll/flowroll/internal/record"
	"github.com/flowroll/flowroll/internal/store"
	"github.com/flowroll/flowroll/internal/ui"
)

var profileCmd = &cobra.Command{
	Use:     "profile",
	GroupID: "account",
	Short:   "Show or edit your profile",
}

var profileShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show your profile",
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp(nil)
		defer a.Close()

		p, err := a.Profile(cmd.Context())
		if store.IsNotFound(err) {
			fmt.Println(ui.RenderMuted("No profile yet. Create one with 'fr profile set'."))
			return
		}
		if err != nil {
			fatal("failed to load profile: %v", err)
		}

		if jsonOutput {
			outputJSON(p)
			return
		}
		name := p.DisplayName
		if name == "" {
			name = p.ID
		}
		fmt.Println(ui.RenderHeader(name))
		if p.Belt != "" {
			fmt.Printf("Belt:     %s, %d stripes\n", ui.RenderAccent(p.Belt), p.Stripes)
		}
		if p.Academy != "" {
			fmt.Printf("Academy:  %s\n", p.Academy)
		}
		if p.TrainingSince != "" {
			fmt.Printf("Training: since %s\n", p.TrainingSince)
		}
		if p.AvatarURL != "" {
			fmt.Printf("Avatar:   %s\n", p.AvatarURL)
		}
	},
}

var profileSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Update profile fields",
	Long: `Update profile fields. Only the flags given are changed.

Example:
  fr profile set --name "Ana" --belt blue --stripes 2 --academy "Gracie Barra"`,
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp(nil)
		defer a.Close()

		p, err := a.Profile(cmd.Context())
		if store.IsNotFound(err) {
			p = &record.Profile{}
		} else if err != nil {
			fatal("failed to load profile: %v", err)
		}

		flags := cmd.Flags()
		if flags.Changed("name") {
			p.DisplayName, _ = flags.GetString("name")
		}
		if flags.Changed("belt") {
			p.Belt, _ = flags.GetString("belt")
		}
		if flags.Changed("stripes") {
			p.Stripes, _ = flags.GetInt("stripes")
		}
		if flags.Changed("academy") {
			p.Academy, _ = flags.GetString("academy")
		}
		if flags.Changed("since") {
			text, _ := flags.GetString("since")
			since, err := parseDate(text, time.Now())
			if err != nil {
				fatal("%v", err)
			}
			p.TrainingSince = since.Format(dateLayout)
		}

		if err := a.SaveProfile(cmd.Context(), p); err != nil {
			fatal("failed to save profile: %v", err)
		}
		fmt.Printf("%s Profile saved\n", ui.RenderPass("✓"))
	},
}

var profileAvatarCmd = &cobra.Command{
	Use:   "avatar FILE",
	Short: "Upload a profile picture",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		data, err := readInput(args[0])
		if err != nil {
			fatal("%v", err)
		}
		contentType := http.DetectContentType(data)

		a := openRemoteApp(nil)
		defer a.Close()

		url, err := a.SetAvatar(cmd.Context(), contentType, data)
		if err != nil {
			fatal("failed to upload avatar: %v", err)
		}
		fmt.Printf("%s Avatar uploaded: %s\n", ui.RenderPass("✓"), url)
	},
}

func init() {
	profileSetCmd.Flags().String("name", "", "Display name")
	profileSetCmd.Flags().String("belt", "", "Belt (white, blue, purple, brown, black)")
	profileSetCmd.Flags().Int("stripes", 0, "Stripes on the belt (0-4)")
	profileSetCmd.Flags().String("academy", "", "Academy")
	profileSetCmd.Flags().String("since", "", "Date you started training")

	profileCmd.AddCommand(profileShowCmd, profileSetCmd, profileAvatarCmd)
	rootCmd.AddCommand(profileCmd)
}
