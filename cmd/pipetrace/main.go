// Command pipetrace is the process-observability agent binary. `init` loads
// the configuration, daemonizes unless told otherwise, and runs the agent
// until it receives SIGTERM, SIGINT, or a terminate request on the control
// API. `info` and `terminate` are thin clients of that API.
//
// Exit codes: 0 on success, 1 on runtime errors, 2 on configuration errors.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pipetrace/agent/internal/agent"
	"github.com/pipetrace/agent/internal/config"
	"github.com/pipetrace/agent/internal/pipeline"
	"github.com/pipetrace/agent/internal/rules"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

// noDaemonEnv marks the re-executed child so it does not daemonize again.
const noDaemonEnv = "PIPETRACE_FOREGROUND"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath   string
		pipelineName string
		runID        string
		environment  string
		userOperator string
		pipelineType string
		noDaemonize  bool
		controlAddr  string
	)

	root := &cobra.Command{
		Use:           "pipetrace",
		Short:         "Process observability agent for bioinformatics pipelines",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Start the agent and begin observing a pipeline run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return &exitError{code: exitConfig, err: err}
			}

			if runID == "" {
				runID = uuid.NewString()
			}
			id := agent.RunIdentity{
				PipelineName: pipelineName,
				RunID:        runID,
				Environment:  environment,
				UserOperator: userOperator,
				PipelineType: pipelineType,
			}

			if !noDaemonize && os.Getenv(noDaemonEnv) == "" {
				return daemonize(cfg, cmd)
			}

			logger := newLogger(cfg.LogLevel)
			slog.SetDefault(logger)

			ag, err := agent.Build(cfg, id, logger)
			if err != nil {
				if isConfigError(err) {
					return &exitError{code: exitConfig, err: err}
				}
				return err
			}

			if err := writePidfile(cfg.WorkDir); err != nil {
				logger.Warn("cannot write pidfile", slog.Any("error", err))
			}
			defer removePidfile(cfg.WorkDir)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			if err := ag.Run(ctx); err != nil {
				return err
			}
			printSummary(cfg, id)
			return nil
		},
	}
	initCmd.Flags().StringVar(&configPath, "config", "/etc/pipetrace/pipetrace.yml", "path to the agent configuration file")
	initCmd.Flags().StringVar(&pipelineName, "pipeline-name", "", "pipeline to match this run against")
	initCmd.Flags().StringVar(&runID, "run-id", "", "run identifier (generated when omitted)")
	initCmd.Flags().StringVar(&environment, "environment", "", "environment label attached to the run")
	initCmd.Flags().StringVar(&userOperator, "user-operator", "", "operator label attached to the run")
	initCmd.Flags().StringVar(&pipelineType, "pipeline-type", "", "pipeline type label attached to the run")
	initCmd.Flags().BoolVar(&noDaemonize, "no-daemonize", false, "stay in the foreground")
	_ = initCmd.MarkFlagRequired("pipeline-name")

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Print the running agent's state",
		RunE: func(*cobra.Command, []string) error {
			return clientGet(controlAddr, "/api/v1/info", os.Stdout)
		},
	}
	infoCmd.Flags().StringVar(&controlAddr, "addr", "127.0.0.1:8639", "control API address")

	terminateCmd := &cobra.Command{
		Use:   "terminate",
		Short: "Ask the running agent to shut down",
		RunE: func(*cobra.Command, []string) error {
			return clientPost(controlAddr, "/api/v1/terminate")
		},
	}
	terminateCmd.Flags().StringVar(&controlAddr, "addr", "127.0.0.1:8639", "control API address")

	root.AddCommand(initCmd, infoCmd, terminateCmd)

	if err := root.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			fmt.Fprintf(os.Stderr, "pipetrace: %v\n", ee.err)
			return ee.code
		}
		fmt.Fprintf(os.Stderr, "pipetrace: %v\n", err)
		return exitRuntime
	}
	return exitOK
}

// exitError carries a specific process exit code up through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// isConfigError maps the load-time taxonomies onto the configuration exit
// code.
func isConfigError(err error) bool {
	return errors.Is(err, rules.ErrRuleConfig) || errors.Is(err, pipeline.ErrPipelineConfig)
}

// daemonize re-executes the current binary detached from the terminal, with
// the marker variable set so the child stays in the foreground of its own
// session.
func daemonize(cfg *config.Config, cmd *cobra.Command) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	child := exec.Command(exe, os.Args[1:]...)
	child.Env = append(os.Environ(), noDaemonEnv+"=1")
	child.Stdout = nil
	child.Stderr = nil
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := child.Start(); err != nil {
		return fmt.Errorf("daemonize: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "pipetrace agent started (pid %d, control %s)\n",
		child.Process.Pid, cfg.ControlAddr)
	return nil
}

func pidfilePath(workDir string) string {
	return filepath.Join(workDir, "pipetrace.pid")
}

func writePidfile(workDir string) error {
	if err := os.MkdirAll(workDir, 0o750); err != nil {
		return err
	}
	return os.WriteFile(pidfilePath(workDir), []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

func removePidfile(workDir string) {
	_ = os.Remove(pidfilePath(workDir))
}

// clientGet fetches a control API endpoint and pretty-prints the JSON body.
func clientGet(addr, path string, out *os.File) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + path)
	if err != nil {
		return fmt.Errorf("agent unreachable at %s (is it running?): %w", addr, err)
	}
	defer resp.Body.Close()

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("malformed response: %w", err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

// clientPost hits a control API endpoint, tolerating the connection dropping
// as the agent begins shutdown.
func clientPost(addr, path string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post("http://"+addr+path, "application/json", nil)
	if err != nil {
		return fmt.Errorf("agent unreachable at %s (is it running?): %w", addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("terminate rejected: %s", resp.Status)
	}
	fmt.Println("terminate requested")
	return nil
}

// printSummary writes the final line shown when the agent ran attached to a
// terminal.
func printSummary(cfg *config.Config, id agent.RunIdentity) {
	if fi, err := os.Stdout.Stat(); err != nil || fi.Mode()&os.ModeCharDevice == 0 {
		return
	}
	fmt.Printf("pipetrace run %s (%s) finished; events under %s\n",
		id.RunID, id.PipelineName, cfg.WorkDir)
}

// newLogger constructs a *slog.Logger that writes JSON-structured records to
// stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
