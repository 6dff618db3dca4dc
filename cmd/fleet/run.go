package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ShayCichocki/fleet/internal/agent"
)

var (
	runCallerContext string
	runShowStats     bool
)

var runCmd = &cobra.Command{
	Use:   "run <agent> [input...]",
	Short: "Run one request through an agent",
	Long: `Run one request through the named agent and print its answer.

The input is taken from the remaining arguments, or from stdin when none
are given. A run that is still going after loop.notice_after prints a
"still processing" notice to stderr; the answer follows when ready.

Exit status is 0 for completed, incomplete and blocked runs and 1 when
the run failed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runCallerContext, "caller-context", "", "Free-form caller context added to the system prompt")
	runCmd.Flags().BoolVar(&runShowStats, "stats", false, "Print outcome, iterations and usage to stderr")
}

func runRun(cmd *cobra.Command, args []string) error {
	input, err := readInput(args[1:], cmd.InOrStdin())
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := newLogger(cfg, "")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	runner, err := a.runner(ctx)
	if err != nil {
		return err
	}

	dispatcher := agent.NewDispatcher(runner.Run, agent.DispatchConfig{
		NoticeAfter: cfg.Loop.NoticeAfter,
		RunTimeout:  cfg.Loop.RunTimeout,
		Logger:      logger,
	})
	defer dispatcher.Wait()

	req := agent.Request{AgentID: args[0], Input: input, CallerContext: runCallerContext}
	return printUpdates(dispatcher.Dispatch(ctx, req), cmd.OutOrStdout(), cmd.ErrOrStderr(), logger)
}

// readInput joins args, or reads all of r when args is empty.
func readInput(args []string, r io.Reader) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	input := strings.TrimSpace(string(data))
	if input == "" {
		return "", errors.New("no input: pass it as arguments or on stdin")
	}
	return input, nil
}

// errRunFailed makes the command exit non-zero after the failure text has
// been printed.
var errRunFailed = errors.New("run failed")

func printUpdates(updates <-chan agent.Update, stdout, stderr io.Writer, logger *zap.Logger) error {
	dim := color.New(color.Faint)
	for u := range updates {
		if u.Kind == agent.UpdateProcessing {
			dim.Fprintln(stderr, u.Text())
			continue
		}

		// Configuration faults such as an unknown agent.
		if u.Err != nil {
			return u.Err
		}

		fmt.Fprintln(stdout, u.Text())
		res := u.Result
		if runShowStats {
			printStats(stderr, res)
		}
		if res.Outcome == agent.OutcomeFailed {
			logger.Debug("run failed", zap.String("run_id", res.RunID), zap.Error(res.Err))
			return errRunFailed
		}
	}
	return nil
}

func printStats(w io.Writer, res *agent.Result) {
	outcome := outcomeColor(res.Outcome).Sprint(string(res.Outcome))
	fmt.Fprintf(w, "outcome=%s iterations=%d tools=%d tokens=%d cost=$%.4f duration=%s\n",
		outcome, res.Iterations, res.ToolCalls, res.Usage.Total(), res.Cost, res.Duration.Round(time.Millisecond))
	if res.Reason != "" {
		fmt.Fprintf(w, "reason=%s\n", res.Reason)
	}
	if len(res.Degraded) > 0 {
		fmt.Fprintf(w, "degraded=%s\n", strings.Join(res.Degraded, ","))
	}
}

func outcomeColor(o agent.Outcome) *color.Color {
	switch o {
	case agent.OutcomeCompleted:
		return color.New(color.FgGreen)
	case agent.OutcomeIncomplete, agent.OutcomeBlocked:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed, color.Bold)
	}
}
