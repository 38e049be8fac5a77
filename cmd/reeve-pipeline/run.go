package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/reeveci/reeve-pipeline/approvals"
	"github.com/reeveci/reeve-pipeline/config"
	"github.com/reeveci/reeve-pipeline/definition"
	"github.com/reeveci/reeve-pipeline/runner"
	"github.com/reeveci/reeve-pipeline/schema"
)

var autoApprove bool

var runCmd = &cobra.Command{
	Use:   "run <pipeline.yaml>",
	Short: "Run a pipeline once in the foreground",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func init() {
	addTriggerFlags(runCmd)
	runCmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "approve every approval stage without asking")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logger := cfg.Logger("reeve-pipeline")

	def, err := definition.LoadFile(args[0])
	if err != nil {
		return err
	}
	trig, err := trigger()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	prompt := &promptNotifier{in: cmd.InOrStdin(), out: cmd.ErrOrStderr(), auto: autoApprove}
	broker := approvals.NewBroker(prompt, logger.Named("approvals"))
	prompt.broker = broker

	r, closeBackend, err := newRunner(ctx, cfg, broker, logger, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer closeBackend()
	defer r.Close(context.Background())

	runID, err := r.Start(ctx, def, trig)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		r.Cancel(context.Background(), runID)
	}()

	result, err := r.Wait(context.Background(), runID)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(result); err != nil {
		return err
	}

	if result.Status != schema.STATUS_SUCCEEDED {
		return fmt.Errorf("run %s %s at stage %s", runID, result.Status, result.FailedStage)
	}
	return nil
}

// newRunner builds a runner from the service configuration.
func newRunner(ctx context.Context, cfg *config.Config, broker *approvals.Broker, logger hclog.Logger, output io.Writer) (r *runner.Runner, closeFn func() error, err error) {
	artifactStore, err := cfg.OpenArtifacts(ctx)
	if err != nil {
		return
	}
	runs, err := cfg.OpenRuns(ctx)
	if err != nil {
		return
	}
	provider, err := cfg.OpenSecrets(ctx)
	if err != nil {
		runs.Close()
		return
	}
	backend, closeBackend, err := cfg.OpenBackend(logger.Named("backend"))
	if err != nil {
		runs.Close()
		return
	}

	r, err = runner.New(runner.Options{
		Workers:   cfg.Workers,
		Executors: cfg.Executors(backend, broker),
		Artifacts: artifactStore,
		Runs:      runs,
		Secrets:   provider,
		Approvals: broker,
		Logger:    logger.Named("runner"),
		Output:    output,
	})
	if err != nil {
		closeBackend()
		runs.Close()
		return
	}

	closeFn = func() error {
		closeBackend()
		return runs.Close()
	}
	return
}

// promptNotifier asks on the terminal, or approves right away with auto.
type promptNotifier struct {
	broker *approvals.Broker
	in     io.Reader
	out    io.Writer
	auto   bool
}

func (p *promptNotifier) NotifyApproval(ctx context.Context, request approvals.Request) error {
	go func() {
		approved := p.auto
		if !approved {
			fmt.Fprintf(p.out, "\n%s\nApprove stage %s of %s in %s? [y/N] ", request.Message, request.Stage, request.Pipeline, request.Environment)
			line, _ := bufio.NewReader(p.in).ReadString('\n')
			answer := strings.ToLower(strings.TrimSpace(line))
			approved = answer == "y" || answer == "yes"
		}

		user := os.Getenv("USER")
		if user == "" {
			user = "cli"
		}
		p.broker.Decide(request.RunID, request.Stage, request.Token, approvals.Decision{Approved: approved, Actor: user})
	}()
	return nil
}
