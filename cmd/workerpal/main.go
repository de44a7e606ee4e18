// Package main is the workerpal binary: a reference worker that heartbeats
// into the registry, claims jobs, executes them as child processes, streams
// their output as ordered log lines, and reports the terminal state.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/pushpals/pushpals/pkg/client"
)

var version = "dev"

type workerConfig struct {
	serverURL    string
	authToken    string
	workerID     string
	workDir      string
	pollInterval time.Duration
	capabilities []string
	logLevel     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &workerConfig{}

	root := &cobra.Command{
		Use:   "workerpal",
		Short: "PushPals reference worker",
		Long: `workerpal polls the PushPals server for jobs, runs each job's command
in a working directory, streams stdout/stderr back as sequence-numbered log
lines, and completes or fails the job with the child's exit status.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := newWorker(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return w.run(ctx)
		},
	}

	root.AddCommand(newOnceCmd(cfg))
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.serverURL, "server",
		envOrDefault("PUSHPALS_SERVER_URL", "http://localhost:8080"), "Server base URL")
	root.PersistentFlags().StringVar(&cfg.authToken, "token",
		os.Getenv("PUSHPALS_AUTH_TOKEN"), "Bearer token for the server")
	root.PersistentFlags().StringVar(&cfg.workerID, "worker-id",
		envOrDefault("PUSHPALS_WORKER_ID", defaultWorkerID()), "Stable worker identifier")
	root.PersistentFlags().StringVar(&cfg.workDir, "workdir",
		envOrDefault("PUSHPALS_WORKDIR", "."), "Working directory for job commands")
	root.PersistentFlags().DurationVar(&cfg.pollInterval, "poll",
		2*time.Second, "Claim poll interval when the queue is empty")
	root.PersistentFlags().StringSliceVar(&cfg.capabilities, "capability",
		splitEnvList("PUSHPALS_CAPABILITIES"), "Capability tag, repeatable")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level",
		envOrDefault("PUSHPALS_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

// newOnceCmd claims and runs a single job, then exits with the child's exit
// code: 0 success, 1 generic failure, 127 missing dependency.
func newOnceCmd(cfg *workerConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Claim and run a single job, exiting with its status",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := newWorker(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			code, err := w.runOnce(ctx)
			if err != nil {
				return err
			}
			if code != 0 {
				os.Exit(code)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("workerpal %s\n", version)
		},
	}
}

func buildLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: time.TimeOnly,
	}))
}

func newWorker(cfg *workerConfig) (*worker, error) {
	if cfg.workerID == "" {
		return nil, fmt.Errorf("worker id is required")
	}
	logger := buildLogger(cfg.logLevel)
	api := client.New(client.Config{
		BaseURL:   cfg.serverURL,
		AuthToken: cfg.authToken,
	}, logger)
	return &worker{
		api:    api,
		cfg:    cfg,
		logger: logger.With("worker_id", cfg.workerID),
	}, nil
}

// defaultWorkerID derives a stable-enough id from the hostname, with a
// random suffix to disambiguate multiple workers on one host.
func defaultWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}
	return hostname + "-" + uuid.NewString()[:8]
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func splitEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
