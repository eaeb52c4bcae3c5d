package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"nbdeploy/internal/config"
	"nbdeploy/internal/doctor"
	"nbdeploy/internal/platform"
)

func newDoctorCommand(opts *rootOptions) *cobra.Command {
	var jsonOut, online bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "check config, local directories and (with --online) the platform",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := runDoctor(cmd.Context(), opts, online)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				if err := printJSON(out, res); err != nil {
					return err
				}
			} else {
				for _, c := range res.Checks {
					status := "ok"
					if !c.OK {
						status = "fail"
					}
					fmt.Fprintf(out, "%s: %s (%s)\n", c.Name, status, c.Message)
				}
			}
			if !res.OK {
				return errors.New("doctor checks failed")
			}
			if !jsonOut {
				fmt.Fprintln(out, "doctor: all checks passed")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&online, "online", false, "also probe the platform session through the relay")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print JSON output")
	return cmd
}

func runDoctor(ctx context.Context, opts *rootOptions, online bool) (doctor.Result, error) {
	if _, err := config.Load(opts.configPath); err != nil {
		return doctor.Result{Checks: []doctor.Check{{Name: "config", OK: false, Message: err.Error()}}}, nil
	}
	a, err := openApp(opts)
	if err != nil {
		return doctor.Result{}, err
	}
	defer a.Close()

	dopts := doctor.Options{ConfigPath: opts.configPath, Config: a.cfg}
	if online {
		endpoint, err := a.proxyEndpoint(ctx)
		if err != nil {
			return doctor.Result{}, err
		}
		client := a.platformClient(endpoint)
		dopts.AuthProbe = func(ctx context.Context) (platform.AuthState, error) {
			return client.CheckAuthenticated(ctx)
		}
	}
	return doctor.Run(ctx, dopts)
}
