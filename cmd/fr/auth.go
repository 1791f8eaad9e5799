package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/flowroll/flowroll/internal/app"
	"github.com/flowroll/flowroll/internal/sync"
	"github.com/flowroll/flowroll/internal/ui"
)

var authCmd = &cobra.Command{
	Use:     "auth",
	GroupID: "account",
	Short:   "Sign in, sign up and sign out",
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in to your account",
	Long: `Sign in with email and password.

Records created on this device while signed out are copied to your account
and a first sync runs right away.

Without a terminal, the password is read from the first line of stdin:
  echo "$PASSWORD" | fr auth login --email ana@example.com`,
	Run: func(cmd *cobra.Command, args []string) {
		runSignIn(cmd, func(a *app.App, ctx context.Context, email, password string) (*app.SignInResult, error) {
			return a.SignIn(ctx, email, password)
		})
	},
}

var authSignupCmd = &cobra.Command{
	Use:   "signup",
	Short: "Create an account",
	Run: func(cmd *cobra.Command, args []string) {
		runSignIn(cmd, func(a *app.App, ctx context.Context, email, password string) (*app.SignInResult, error) {
			return a.SignUp(ctx, email, password)
		})
	},
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out",
	Long:  `Sign out. Records stay on this device.`,
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp(nil)
		defer a.Close()

		if err := a.SignOut(cmd.Context()); err != nil {
			fatal("failed to sign out: %v", err)
		}
		fmt.Printf("%s Signed out\n", ui.RenderPass("✓"))
	},
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current session",
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp(nil)
		defer a.Close()

		s, err := a.Auth.Session(cmd.Context())
		if err != nil {
			fatal("failed to load session: %v", err)
		}
		if jsonOutput {
			if s == nil {
				outputJSON(map[string]any{"signed_in": false})
				return
			}
			outputJSON(map[string]any{
				"signed_in":  true,
				"user_id":    s.UserID,
				"email":      s.Email,
				"expires_at": s.ExpiresAt,
			})
			return
		}
		if s == nil {
			fmt.Println(ui.RenderMuted("Not signed in"))
			return
		}
		who := s.UserID
		if s.Email != "" {
			who = s.Email + " (" + s.UserID + ")"
		}
		fmt.Printf("Signed in as %s\n", ui.RenderAccent(who))
		fmt.Printf("Access token expires %s\n", s.ExpiresAt.Local().Format("2006-01-02 15:04"))
	},
}

type signInFunc func(a *app.App, ctx context.Context, email, password string) (*app.SignInResult, error)

func runSignIn(cmd *cobra.Command, signIn signInFunc) {
	email, _ := cmd.Flags().GetString("email")
	noForm, _ := cmd.Flags().GetBool("no-form")

	password, err := promptCredentials(&email, !noForm)
	if err != nil {
		fatal("%v", err)
	}

	a := openRemoteApp(nil)
	defer a.Close()

	res, err := signIn(a, cmd.Context(), email, password)
	if err != nil {
		fatal("%v", err)
	}

	fmt.Printf("%s Signed in as %s\n", ui.RenderPass("✓"), ui.RenderAccent(email))
	if m := res.Migration; m != nil && m.Migrated > 0 {
		fmt.Printf("%s Moved %d local records to your account\n", ui.RenderAccent("→"), m.Migrated)
	}
	if m := res.Migration; m != nil && len(m.Errors) > 0 {
		fmt.Printf("%s %d records could not be moved:\n", ui.RenderWarn("⚠"), len(m.Errors))
		for _, e := range m.Errors {
			fmt.Printf("  %s\n", e)
		}
	}
	if res.SyncErr != nil {
		fmt.Printf("%s %s\n", ui.RenderWarn("⚠"), sync.UserMessage(res.SyncErr))
		return
	}
	printReports(res.Reports)
}

// promptCredentials asks for whatever is missing. On a terminal it shows a
// form, or plain prompts when form is false; otherwise the password is the
// first line of stdin.
func promptCredentials(email *string, form bool) (string, error) {
	var password string
	stdin := bufio.NewReader(os.Stdin)

	if ui.IsTerminal(os.Stdin) && !form {
		if *email == "" {
			fmt.Fprint(os.Stderr, "Email: ")
			line, err := stdin.ReadString('\n')
			if err != nil {
				return "", fmt.Errorf("failed to read email: %w", err)
			}
			*email = strings.TrimSpace(line)
		}
		return readSecret("Password: ")
	}

	if ui.IsTerminal(os.Stdin) {
		var fields []huh.Field
		if *email == "" {
			fields = append(fields, huh.NewInput().
				Title("Email").
				Value(email).
				Validate(func(s string) error {
					if !strings.Contains(s, "@") {
						return errors.New("enter an email address")
					}
					return nil
				}))
		}
		fields = append(fields, huh.NewInput().
			Title("Password").
			EchoMode(huh.EchoModePassword).
			Value(&password))

		if err := huh.NewForm(huh.NewGroup(fields...)).Run(); err != nil {
			return "", fmt.Errorf("sign-in cancelled: %w", err)
		}
		return password, nil
	}

	if *email == "" {
		return "", errors.New("--email is required when stdin is not a terminal")
	}
	line, err := stdin.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read password from stdin: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readSecret reads a line without echo from the terminal.
func readSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func init() {
	for _, c := range []*cobra.Command{authLoginCmd, authSignupCmd} {
		c.Flags().String("email", "", "Account email")
		c.Flags().Bool("no-form", false, "Prompt line by line instead of showing a form")
	}

	authCmd.AddCommand(authLoginCmd, authSignupCmd, authLogoutCmd, authStatusCmd)
	rootCmd.AddCommand(authCmd)
}
