package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/mailsync/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API, sync workers, scheduler and event dispatcher",
	RunE:  runServe,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run sync workers and the event dispatcher without the API",
	RunE:  runWorker,
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	verifier, err := a.verifier(ctx)
	if err != nil {
		return err
	}
	srv := api.NewServer(cfg.HTTP, a.store, a.manager, a.registry, verifier, a.signer, cfg.Auth.StateTTL)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		a.runWorkers(gctx)
		return nil
	})
	g.Go(func() error {
		a.scheduler.Run(gctx)
		return nil
	})

	log.Info().Str("mode", cfg.Mode).Strs("providers", a.registry.Names()).Msg("mailsync started")
	err = g.Wait()
	log.Info().Msg("mailsync stopped")
	return err
}

// runWorker runs workers only. Scheduling is left to the serve instances.
func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	log.Info().Str("mode", cfg.Mode).Int("workers", cfg.Sync.Workers).Msg("mailsync worker started")
	a.runWorkers(ctx)
	log.Info().Msg("mailsync worker stopped")
	return nil
}
