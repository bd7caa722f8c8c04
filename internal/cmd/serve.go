package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tomasbasham/cli-runtime/templates"

	"github.com/bosondata/prerender/internal/breaker"
	"github.com/bosondata/prerender/internal/cache"
	"github.com/bosondata/prerender/internal/cdp"
	"github.com/bosondata/prerender/internal/config"
	"github.com/bosondata/prerender/internal/operation"
	"github.com/bosondata/prerender/internal/server"
)

// ServeOptions defines the options for the `serve` command. Nearly
// everything it needs comes from the environment per config.Config;
// Port is the one knob exposed as a flag since it's the one operators
// reach for most often when running more than one instance on a host.
type ServeOptions struct {
	Port int
}

var (
	serveLong = templates.LongDesc(`Start the prerender HTTP server.`)

	serveExample = templates.Examples(`
		# Start on the default port
		prerender serve

		# Start on a custom port
		prerender serve --port 9090`)
)

func NewServeOptions() *ServeOptions {
	return &ServeOptions{Port: 3000}
}

func NewServeCommand(o *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Start the prerender HTTP server",
		Long:    serveLong,
		Example: serveExample,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.Run()
		},
	}

	cmd.Flags().IntVarP(&o.Port, "port", "p", o.Port, "Port to listen on")

	return cmd
}

func (o *ServeOptions) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.FromEnviron()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	c, err := buildCache(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build cache: %w", err)
	}

	debugger := cdp.NewDebugger(cfg.ChromeHost, cfg.ChromePort)
	pool := cdp.NewPool(debugger, cdp.PoolOptions{
		Size:          cfg.Concurrency,
		MaxIterations: cfg.Iterations,
		RenderTimeout: cfg.PrerenderTimeout,
	})
	if err := pool.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap browser pool: %w", err)
	}
	defer pool.Shutdown(context.Background())

	var breakerRegistry *breaker.Registry
	if cfg.EnableCircuitBreaker {
		breakerRegistry = breaker.NewRegistry(cfg.CircuitBreakerFailMax, cfg.CircuitBreakerResetTimeout)
	}

	store := operation.NewMemoryStore(1000)
	srv := server.New(cfg, pool, c, store, breakerRegistry)

	addr := fmt.Sprintf(":%d", o.Port)
	fmt.Printf("Starting prerender server on %s\n", addr)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(addr) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

func buildCache(ctx context.Context, cfg *config.Config) (cache.Cache, error) {
	switch cfg.CacheBackend {
	case "disk":
		return cache.NewDisk(cfg.CacheRootDir)
	case "s3":
		return cache.NewS3(ctx, cache.S3Options{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
	default:
		return cache.NewDummy(), nil
	}
}
