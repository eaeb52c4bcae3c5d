package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newProxyCommand(opts *rootOptions) *cobra.Command {
	proxyCmd := &cobra.Command{
		Use:   "proxy",
		Short: "run the platform relay",
	}
	var listen string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "serve the relay until interrupted",
		Long: `Serve the relay that forwards platform calls, keeping the session cookie jar.

Point proxy.url (or NBDEPLOY_PROXY_URL) at it to share one login between
deploy sessions.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			srv, err := a.newProxyServer(listen)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := srv.Start(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "proxy listening on %s (platform %s)\n", srv.BaseURL(), a.cfg.Platform.RootURL)

			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("proxy shutdown", zap.Error(err))
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "proxy stopped")
			return nil
		},
	}
	serve.Flags().StringVar(&listen, "listen", "", "listen address (default from proxy.listen)")
	proxyCmd.AddCommand(serve)
	return proxyCmd
}
