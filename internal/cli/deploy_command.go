package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"nbdeploy/internal/deploy"
	"nbdeploy/internal/kernels"
	"nbdeploy/internal/model"
	"nbdeploy/internal/notebook"
	"nbdeploy/internal/platform"
	"nbdeploy/internal/runstore"
)

func newDeployCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "deploy <notebook.ipynb>",
		Short: "deploy a notebook as a platform job (interactive)",
		Long: `Open an interactive session that logs in to the platform, collects the job
settings and follows the job until it is ready.

Notebook jobs get the local notebook uploaded into the remote kernel once the
job runs. Python jobs run the selected code cells as a script.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeploy(cmd, opts, args[0])
		},
	}
}

func runDeploy(cmd *cobra.Command, opts *rootOptions, path string) error {
	if !stdinIsTTY() {
		return errors.New("deploy requires an interactive terminal (TTY)")
	}
	doc, err := notebook.Load(path)
	if err != nil {
		return err
	}

	a, err := openApp(opts)
	if err != nil {
		return err
	}
	defer a.Close()

	lock, err := runstore.AcquireDeployLock(runstore.StateDir(), doc.Path)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			a.logger.Warn("release deploy lock", zap.Error(err))
		}
	}()

	km, err := kernels.New(a.cfg.Kernels)
	if err != nil {
		return err
	}
	st, err := a.openStore()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	endpoint, err := a.proxyEndpoint(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("deploy session starting",
		zap.String("notebook", doc.Path),
		zap.String("kernel", doc.Kernel()),
		zap.String("endpoint", describeEndpoint(a.cfg, endpoint)),
	)

	client := a.platformClient(endpoint)
	presenter := &programPresenter{}
	sess := deploy.NewSession(client, doc,
		deploy.WithKernels(km),
		deploy.WithPresenter(presenter),
		deploy.WithSink(a.openSink()),
		deploy.WithStore(st),
		deploy.WithLogger(a.logger.Named("deploy")),
		deploy.WithMetrics(a.metrics),
		deploy.WithSettings(deploy.SettingsFromConfig(a.cfg)),
	)

	p := tea.NewProgram(newDeployModel(sess, doc), tea.WithAltScreen(), tea.WithContext(ctx))
	presenter.attach(p)
	_, runErr := p.Run()
	presenter.detach()
	snap := sess.Snapshot()
	sess.Close()

	var links *platform.Links
	if snap.Job != nil {
		l := client.Links(*snap.Job, doc.FileName())
		links = &l
	}
	printDeploySummary(cmd.OutOrStdout(), snap, links)
	if runErr != nil && !errors.Is(runErr, tea.ErrProgramKilled) {
		if strings.Contains(strings.ToLower(runErr.Error()), "tty") {
			return errors.New("deploy requires an interactive terminal (TTY)")
		}
		return runErr
	}
	if snap.State == model.StateFailed {
		return fmt.Errorf("deploy failed: %s", defaultIfEmpty(snap.LastError, string(snap.Reason)))
	}
	return nil
}

func printDeploySummary(w io.Writer, snap deploy.Snapshot, links *platform.Links) {
	fmt.Fprintf(w, "session %s: %s\n", snap.ID, snap.State)
	if snap.Job == nil {
		return
	}
	fmt.Fprintf(w, "job #%d %q on platform %d (%s)\n", snap.Job.ID, snap.Job.Name, snap.Job.PlatformID, snap.Job.Capsule)
	if snap.Run != nil {
		fmt.Fprintf(w, "run #%d %s\n", snap.Run.ID, snap.Run.Status)
	}
	if snap.Uploads > 0 {
		fmt.Fprintf(w, "notebook upload attempts: %d\n", snap.Uploads)
	}
	if links != nil {
		fmt.Fprintf(w, "manager: %s\nlogs: %s\n", links.Admin, links.Logs)
		if snap.Job.Capsule == model.CapsuleNotebook && links.Notebook != "" {
			fmt.Fprintf(w, "notebook: %s\n", links.Notebook)
		}
	}
	if !model.IsTerminal(snap.State) {
		fmt.Fprintln(w, "left before the job was ready; it keeps running on the platform")
	}
}
