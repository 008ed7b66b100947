package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/ralphd/internal/log"
	"github.com/zjrosen/ralphd/internal/orchestrator"
	"github.com/zjrosen/ralphd/internal/server"
	"github.com/zjrosen/ralphd/internal/tracing"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane daemon",
	Long: `Run the control plane: per-repository session managers, file watchers,
iterative loops, orphan sweeps, and the HTTP/WebSocket surface. Loops for
autonomous sessions that were active when the daemon last stopped are
resumed on startup.`,
	Args: exactArgs(0),
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	provider, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	orch, err := orchestrator.New(cfg, orchestrator.WithTracing(provider))
	if err != nil {
		return fmt.Errorf("building orchestrator: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("starting orchestrator: %w", err)
	}

	srv := server.New(cfg.Server, orch)
	fmt.Printf("ralphd listening on %s\n", cfg.Server.Addr)

	serveErr := srv.ListenAndServe(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	orch.Shutdown(shutdownCtx)
	if err := provider.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatOrch, "tracing shutdown failed", err)
	}

	if serveErr != nil {
		return fmt.Errorf("server error: %w", serveErr)
	}
	fmt.Println("daemon stopped")
	return nil
}
