package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"warden/bootstrap"
)

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat command and events server",
		Long: `Start the HTTP server that receives slash commands and chat message
events, the background worker pool, and every configured integration.
Stops gracefully on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := baseContext(cmd)

			app, err := bootstrap.NewApp(ctx, opts.configFile, opts.debug)
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}
			defer app.Shutdown()

			app.Start()
			return app.WaitForShutdown(ctx)
		},
	}
}
