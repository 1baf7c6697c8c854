package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/bifrost-io/bifrost/internal/runner"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var redisURL string

	root := &cobra.Command{
		Use:   "bifrost-runner",
		Short: "Bifrost runner — executes one workflow from stdin",
		Long: `Bifrost runner reads a context document from stdin, executes the
workflow script in an isolated interpreter, and writes the result
document to stdout. It is spawned per execution by the worker's
subprocess pool and is not meant to be invoked by hand.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), redisURL)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&redisURL, "redis-url", envOrDefault("REDIS_URL", ""), "Redis connection URL for live log streaming (in-memory buffering when unset)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bifrost-runner %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, redisURL string) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Without Redis the harness still runs; logs buffer in memory and ride
	// back on the result document.
	var rdb *redis.Client
	if redisURL != "" {
		if opts, err := redis.ParseURL(redisURL); err == nil {
			rdb = redis.NewClient(opts)
			defer rdb.Close() //nolint:errcheck
		} else {
			fmt.Fprintf(os.Stderr, "bifrost-runner: bad redis url, logs will buffer in memory: %v\n", err)
		}
	}

	return runner.New(os.Stdin, os.Stdout, rdb).Run(ctx)
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
