// Package main provides the corrforge command line: it normalizes the events
// of a correlation rules corpus, classifies and localizes every rule, and
// packages the result.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// globalFlags override the matching config file settings when set.
type globalFlags struct {
	configPath  string
	rulesDir    string
	taxonomyDir string
	logLevel    string
	strict      bool
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "corrforge",
		Short: "Prepare a Windows correlation rules corpus",
		Long: `CorrForge turns raw Windows event samples into normalized SIEM records,
classifies every correlation rule against MITRE ATT&CK, writes en/ru
localization files and packages the rules directory as a zip archive.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return a.loadConfig()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.configPath, "config", "", "path to config file (defaults apply when empty)")
	pf.StringVar(&a.flags.rulesDir, "rules-dir", "", "rules directory (overrides corpus.rules_dir)")
	pf.StringVar(&a.flags.taxonomyDir, "taxonomy-dir", "", "taxonomy directory (overrides corpus.taxonomy_dir)")
	pf.StringVar(&a.flags.logLevel, "log-level", "", "debug, info, warn or error (overrides logging.level)")
	pf.BoolVar(&a.flags.strict, "strict", false, "exit non-zero when any file or correlation fails")

	root.AddCommand(
		newNormalizeCmd(a),
		newClassifyCmd(a),
		newLocalizeCmd(a),
		newPackageCmd(a),
		newRunCmd(a),
		newFetchCmd(a),
		newTaxonomyCmd(a),
	)
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetVersionTemplate("CorrForge {{.Version}}\n")
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "corrforge: %v\n", err)
		stop()
		os.Exit(1)
	}
}
