package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomasbasham/cli-runtime/iooption"
	"github.com/tomasbasham/cli-runtime/templates"

	"github.com/bosondata/prerender/internal/cdp"
	"github.com/bosondata/prerender/internal/config"
)

// RenderOptions defines the options for the `render` command: a
// one-shot render against a running Chrome instance, bypassing the
// HTTP server and cache entirely. Useful for smoke-testing a browser
// deployment.
type RenderOptions struct {
	outFile *os.File

	URL     string
	Format  string
	OutPath string

	iooption.IOStreams
}

var (
	renderLong = templates.LongDesc(``)

	renderExample = templates.Examples(``)
)

func NewRenderOptions(streams iooption.IOStreams) *RenderOptions {
	return &RenderOptions{
		IOStreams: streams,
	}
}

func NewRenderCommand(o *RenderOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:                   "render [URL]",
		DisableFlagsInUseLine: true,
		Short:                 "Render a single URL against a running Chrome instance",
		Long:                  renderLong,
		Example:               renderExample,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Complete(cmd, args); err != nil {
				return err
			}
			if err := o.Validate(); err != nil {
				return err
			}
			return o.Run()
		},
	}

	pflags := cmd.PersistentFlags()
	pflags.StringVarP(&o.Format, "format", "f", "html", "Output format: html, mhtml, pdf, png, or jpeg")
	pflags.StringVarP(&o.OutPath, "out", "o", "", "Output file (default: stdout)")

	return cmd
}

func (o *RenderOptions) Complete(cmd *cobra.Command, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("URL is required")
	}
	o.URL = args[0]
	return nil
}

func (o *RenderOptions) Validate() error {
	if len(o.URL) == 0 {
		return fmt.Errorf("URL is required")
	}
	switch cdp.Format(o.Format) {
	case cdp.FormatHTML, cdp.FormatMHTML, cdp.FormatPDF, cdp.FormatPNG, cdp.FormatJPEG:
	default:
		return fmt.Errorf("unknown format %q", o.Format)
	}

	if o.OutPath != "" {
		f, err := os.Create(o.OutPath)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		o.outFile = f
	}
	return nil
}

func (o *RenderOptions) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if o.outFile != nil {
		defer o.outFile.Close()
	}

	cfg, err := config.FromEnviron()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	debugger := cdp.NewDebugger(cfg.ChromeHost, cfg.ChromePort)
	pool := cdp.NewPool(debugger, cdp.PoolOptions{
		Size:          1,
		MaxIterations: cfg.Iterations,
		RenderTimeout: cfg.PrerenderTimeout,
	})
	if err := pool.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap browser pool: %w", err)
	}
	defer pool.Shutdown(context.Background())

	fmt.Fprintf(o.Out, "Rendering %s as %s...\n", o.URL, o.Format)
	start := time.Now()
	artifact, statusCode, err := pool.RenderWithRetry(ctx, o.URL, cdp.Format(o.Format))
	if err != nil {
		return fmt.Errorf("render failed: %w", err)
	}
	fmt.Fprintf(o.Out, "Render complete: status=%d elapsed=%s\n", statusCode, time.Since(start))

	out := o.Out
	if o.outFile != nil {
		out = o.outFile
	}
	_, err = out.Write(artifact)
	return err
}
