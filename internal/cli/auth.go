package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"wysetrade-desk/internal/desk"
	apperrors "wysetrade-desk/internal/errors"
)

// addAuthCommands adds broker session commands.
func addAuthCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newConnectCmd(app))
	rootCmd.AddCommand(newLoginCmd(app))
}

func newConnectCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Start the broker login flow",
		Long: `Start the broker login flow.

The login page is opened in your browser when the server is configured to do
so; the URL is printed either way. Finish with 'desk login --token <token>'
or let 'desk serve' receive the redirect.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := app.output(cmd)
			return app.withDesk(func(ctx context.Context, d *desk.Desk) error {
				if d.Connected() {
					output.Success("✓ Already connected")
					return nil
				}
				url, err := d.Connect(ctx)
				if err != nil {
					output.Error("Connect failed: %s", apperrors.Message(err))
					return err
				}
				if output.IsJSON() {
					return output.JSON(map[string]string{"url": url})
				}
				output.Bold("Login URL:")
				output.Println(url)
				output.Println()
				output.Info("After logging in, you'll be redirected to a URL like:")
				output.Dim("  %s?request_token=XXXXXX&status=success", desk.CallbackURL(app.Config.Server.Addr))
				output.Dim("  Run 'desk login --token XXXXXX' if the desk server is not running.")
				return nil
			})
		},
	}
}

func newLoginCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Complete the broker login with a request token",
		Example: `  desk login --token=<request_token>`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := app.output(cmd)
			token, _ := cmd.Flags().GetString("token")
			token = strings.TrimSpace(token)
			if token == "" {
				output.Error("No token provided")
				return fmt.Errorf("no token provided")
			}
			return app.withDesk(func(ctx context.Context, d *desk.Desk) error {
				if err := d.CompleteLogin(ctx, token); err != nil {
					output.Error("Login failed: %s", apperrors.Message(err))
					return err
				}
				if output.IsJSON() {
					return output.JSON(map[string]bool{"connected": true})
				}
				output.Success("✓ Login successful!")
				return nil
			})
		},
	}
	cmd.Flags().String("token", "", "request token from the login redirect")
	return cmd
}
