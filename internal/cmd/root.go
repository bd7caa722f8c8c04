package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	cliflag "github.com/tomasbasham/cli-runtime/flag"
	"github.com/tomasbasham/cli-runtime/iooption"
	"github.com/tomasbasham/cli-runtime/printer"
	"github.com/tomasbasham/cli-runtime/templates"
)

var (
	rootLong = templates.LongDesc(`
		prerender serves fully-rendered snapshots of JavaScript pages over
		HTTP by driving headless Chrome through the DevTools protocol.`)

	rootExamples = templates.Examples(``)

	// Injected at build time using ldflags.
	version = ""
	commit  = ""
)

// PrerenderOptions defines the options for the `prerender` command.
type PrerenderOptions struct {
	iooption.IOStreams
}

// NewPrerenderOptions provides an initialised PrerenderOptions instance.
func NewPrerenderOptions(streams iooption.IOStreams) *PrerenderOptions {
	return &PrerenderOptions{
		IOStreams: streams,
	}
}

// NewRootCommand creates the `prerender` command with default arguments.
func NewRootCommand() *cobra.Command {
	options := NewPrerenderOptions(iooption.IOStreams{
		In:     os.Stdin,
		Out:    os.Stdout,
		ErrOut: os.Stderr,
	})

	return NewRootCommandWithArgs(options)
}

// NewRootCommandWithArgs creates the `prerender` command and its nested
// children.
func NewRootCommandWithArgs(o *PrerenderOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:                   "prerender [command]",
		Version:               versionInfo(),
		DisableFlagsInUseLine: true,
		Short:                 "Headless-Chrome prerendering gateway",
		Long:                  rootLong,
		Example:               rootExamples,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}

	printerOpts := printer.WarningPrinterOptions{Color: true}
	printer := printer.NewWarningPrinter(o.ErrOut, printerOpts)
	cmd.SetGlobalNormalizationFunc(cliflag.WarnWordSepNormalizeFunc(printer))

	cmd.AddCommand(NewServeCommand(NewServeOptions()))
	cmd.AddCommand(NewRenderCommand(NewRenderOptions(o.IOStreams)))

	// The global normalisation function ensures that all flags specified
	// meet the desired format, changing users' input if necessary.
	cmd.SetGlobalNormalizationFunc(cliflag.WordSepNormalizeFunc())

	return cmd
}

func versionInfo() string {
	if version == "" {
		return ""
	}
	return fmt.Sprintf("%s (commit: %s)", version, commit)
}
