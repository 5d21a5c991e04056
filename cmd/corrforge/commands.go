package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lvonguyen/corrforge/internal/pipeline"
	"github.com/lvonguyen/corrforge/internal/repository"
	"github.com/lvonguyen/corrforge/internal/taxonomy"
)

func newNormalizeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "normalize",
		Short: "Write norm_fields_<i>_<j>.json next to every events file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runPipeline(cmd.Context(), cmd.OutOrStdout(), "", (*pipeline.Pipeline).Normalize)
		},
	}
}

func newClassifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "classify",
		Short: "Write answers.json with the MITRE ATT&CK classification of every correlation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runPipeline(cmd.Context(), cmd.OutOrStdout(), "", (*pipeline.Pipeline).Classify)
		},
	}
}

func newLocalizeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "localize",
		Short: "Write i18n/i18n_<lang>.yaml for every correlation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runPipeline(cmd.Context(), cmd.OutOrStdout(), "", (*pipeline.Pipeline).Localize)
		},
	}
}

func newPackageCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "package",
		Short: "Zip the rules directory and check it is complete",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := a.packageOutput(output)
			return a.runPipeline(cmd.Context(), cmd.OutOrStdout(), out,
				func(p *pipeline.Pipeline, ctx context.Context) (*pipeline.Summary, error) {
					return p.Package(ctx, out)
				})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "archive path (overrides package.output)")
	return cmd
}

func newRunCmd(a *app) *cobra.Command {
	var (
		output    string
		noPackage bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Normalize, classify, localize and package in one pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := a.packageOutput(output)
			if noPackage {
				out = ""
			}
			return a.runPipeline(cmd.Context(), cmd.OutOrStdout(), out, (*pipeline.Pipeline).Run)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "archive path (overrides package.output)")
	cmd.Flags().BoolVar(&noPackage, "no-package", false, "skip the package stage")
	return cmd
}

func (a *app) packageOutput(flag string) string {
	if flag != "" {
		return flag
	}
	return a.cfg.Package.Output
}

func newFetchCmd(a *app) *cobra.Command {
	var status bool
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Clone or update the corpus checkout from corpus.remote_url",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tel, err := a.telemetry()
			if err != nil {
				return err
			}
			defer func() { _ = tel.Shutdown() }()

			fetcher, err := repository.NewFetcher(a.cfg.Corpus.Remote, tel.Logger())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if status {
				st, err := fetcher.Status(cmd.Context())
				if err != nil {
					return err
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}

			res, err := fetcher.CloneOrPull(cmd.Context())
			if err != nil {
				return err
			}
			action := "updated"
			if res.Cloned {
				action = "cloned"
			}
			fmt.Fprintf(out, "%s %s at %s (%s)\n", action, fetcher.Source().Dir, res.CommitHash, res.Duration.Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "print the checkout status instead of fetching")
	return cmd
}

func newTaxonomyCmd(a *app) *cobra.Command {
	var describe string
	cmd := &cobra.Command{
		Use:   "taxonomy",
		Short: "List the canonical fields of the taxonomy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tax, err := taxonomy.Load(a.cfg.Corpus.TaxonomyDir, a.cfg.Corpus.Languages...)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if describe == "" {
				for _, f := range tax.Fields() {
					fmt.Fprintln(out, f)
				}
				return nil
			}
			if !tax.Has(describe) {
				return fmt.Errorf("unknown field %q", describe)
			}
			for _, lang := range a.cfg.Corpus.Languages {
				desc, _ := tax.Describe(lang, describe)
				fmt.Fprintf(out, "%s: %s\n", lang, desc)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&describe, "describe", "", "print the localized descriptions of one field")
	return cmd
}

func printSummary(w io.Writer, s *pipeline.Summary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "run\t%s\n", s.RunID)
	fmt.Fprintf(tw, "normalized\t%d files, %d records\n", s.Normalized, s.Records)
	fmt.Fprintf(tw, "classified\t%d\n", s.Classified)
	fmt.Fprintf(tw, "localized\t%d\n", s.Localized)
	fmt.Fprintf(tw, "skipped\t%d\n", s.Skipped)
	if s.Archive != "" {
		fmt.Fprintf(tw, "archive\t%s (%d entries)\n", s.Archive, s.Packaged)
	}
	fmt.Fprintf(tw, "failures\t%d\n", len(s.Failures))
	fmt.Fprintf(tw, "duration\t%s\n", s.Duration.Round(time.Millisecond))
	tw.Flush()

	for _, f := range s.Failures {
		fmt.Fprintf(w, "  %s\n", f.Error())
	}
}
