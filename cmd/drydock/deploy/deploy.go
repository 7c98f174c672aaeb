package deploycmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"

	"drydock/cmd/drydock/cmdutil"
	"drydock/cmd/drydock/ui"
	"drydock/config"
	"drydock/internal/adapter/agentrpc"
	"drydock/internal/adapter/docker"
	"drydock/internal/deploy"
	"drydock/internal/lock"
)

const dockerReadyTimeout = 30 * time.Second

type options struct {
	maxInFlight  int
	skipNetworks bool
}

// Cmd returns the "drydock deploy" command.
func Cmd(g *cmdutil.Globals) *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "deploy <plan.yaml>",
		Short: "Converge the instances of a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pf, err := deploy.LoadPlanFile(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg := g.Config()
			l, err := lock.ForDeployment(cfg.LockDir, pf.Deployment)
			if err != nil {
				return err
			}

			var result deploy.RunResult
			runErr := lock.With(ctx, l, func() error {
				result, err = run(ctx, cfg, pf, opts)
				return err
			})
			if len(result.Instances) > 0 {
				fmt.Println(resultTable(result))
			}
			if runErr != nil {
				return runErr
			}
			fmt.Println(ui.SuccessMsg("Deployment %s converged.", ui.Bold(pf.Deployment)))
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.maxInFlight, "max-in-flight", 0, "Override the concurrent update limit")
	cmd.Flags().BoolVar(&opts.skipNetworks, "skip-network-setup", false, "Do not create docker networks for manual networks")
	return cmd
}

func run(ctx context.Context, cfg *config.Config, pf *deploy.PlanFile, opts options) (deploy.RunResult, error) {
	log := slog.Default().With("deployment", pf.Deployment)

	store, err := cmdutil.OpenStore(cfg)
	if err != nil {
		return deploy.RunResult{}, err
	}
	defer store.Close()

	addresses, networks, err := cmdutil.AddressProvider(cfg, store)
	if err != nil {
		return deploy.RunResult{}, err
	}

	cli, err := docker.NewClient(cfg.Cloud.DockerHost)
	if err != nil {
		return deploy.RunResult{}, err
	}
	cloud := docker.NewCloud(cli, docker.WithDefaultNetwork(cfg.Cloud.Network), docker.WithLogger(log))
	defer cloud.Close()
	readyCtx, cancel := context.WithTimeout(ctx, dockerReadyTimeout)
	err = cloud.WaitReady(readyCtx, time.Second)
	cancel()
	if err != nil {
		return deploy.RunResult{}, err
	}
	if !opts.skipNetworks {
		if err := docker.EnsureNetworks(ctx, cli, networks); err != nil {
			return deploy.RunResult{}, err
		}
	}

	agents := agentrpc.NewFactory(cfg.AgentTarget,
		agentrpc.WithReadyTimeout(cfg.Timeouts.AgentReady),
		agentrpc.WithDialOptions(grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           backoff.DefaultConfig,
			MinConnectTimeout: cfg.Agent.DialTimeout,
		})),
		agentrpc.WithLogger(log),
	)
	defer agents.Close()

	plans := pf.Plans()
	for _, p := range plans {
		if p.UpdateConfig == nil {
			p.UpdateConfig = cfg.UpdateConfig()
		}
	}

	task := deploy.NewTask(uuid.NewString())
	stopCancel := context.AfterFunc(ctx, task.Cancel)
	defer stopCancel()

	out := ui.NewTelemetryOutput()
	defer out.Close()

	deployOpts := cfg.DeployOptions()
	deployOpts.Tracer = out.Tracer("drydock/deploy")
	deployOpts.Log = log.With("task", task.ID)

	runner := &deploy.Runner{
		Deps: deploy.Deps{
			Cloud:     cloud,
			Agents:    agents,
			Store:     store.InstanceStore(),
			Addresses: addresses,
			DNS:       store.DNSRecords(),
			Snapshots: store.Snapshots(cloud),
		},
		Options:     deployOpts,
		MaxInFlight: maxInFlight(opts, pf, cfg),
	}
	log.Info("Starting deploy", "task", task.ID, "instances", len(plans))
	result, err := runner.Run(ctx, task, plans)
	if errors.Is(err, deploy.ErrTaskCancelled) {
		return result, fmt.Errorf("deploy %s interrupted: %w", pf.Deployment, err)
	}
	return result, err
}

func maxInFlight(opts options, pf *deploy.PlanFile, cfg *config.Config) int {
	switch {
	case opts.maxInFlight > 0:
		return opts.maxInFlight
	case pf.Update.MaxInFlight > 0:
		return pf.Update.MaxInFlight
	default:
		return cfg.Update.MaxInFlight
	}
}

func resultTable(result deploy.RunResult) string {
	rows := make([][]string, 0, len(result.Instances))
	for _, ir := range result.Instances {
		rows = append(rows, []string{ir.Instance, ui.OrDash(ir.VM), ir.State.String(), ui.Outcome(ir.Err)})
	}
	return ui.Table([]string{"Instance", "VM", "State", "Result"}, rows)
}
