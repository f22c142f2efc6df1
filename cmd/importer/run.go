package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/equipimport/internal/core"
)

type runOptions struct {
	mappingPath    string
	skipDuplicates bool
	strict         bool
}

func newRunCmd(g *globalOptions) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Import a file using a mapping written by preview",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mf, err := readMappingFile(opts.mappingPath)
			if err != nil {
				return withCode(exitUsage, err)
			}
			if cmd.Flags().Changed("skip-duplicates") {
				mf.SkipDuplicates = opts.skipDuplicates
			}

			ctx := cmd.Context()
			p, err := openPipeline(ctx, g)
			if err != nil {
				return err
			}
			defer p.Close()

			sess, err := p.upload(ctx, args[0])
			if err != nil {
				return err
			}

			result, err := p.svc.Execute(ctx, sess.Handle, core.Mapping(mf.Mapping),
				core.ImportOptions{SkipDuplicates: mf.SkipDuplicates})
			if err != nil {
				_ = p.svc.Cancel(ctx, sess.Handle)
				var problems core.MappingErrors
				if errors.As(err, &problems) {
					for _, pr := range problems {
						fmt.Fprintf(cmd.ErrOrStderr(), "mapping: %v\n", pr)
					}
					return withCode(exitUsage, userError(err))
				}
				return withCode(exitFailure, userError(err))
			}

			printResult(cmd, result)

			if opts.strict && len(result.Errors) > 0 {
				return withCode(exitRowsFailed, fmt.Errorf("%d of %d rows failed", len(result.Errors), result.TotalRows))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.mappingPath, "mapping", "m", "", "Mapping YAML written by preview (required)")
	cmd.Flags().BoolVar(&opts.skipDuplicates, "skip-duplicates", false, "Skip rows whose serial number already exists (overrides the mapping file)")
	cmd.Flags().BoolVar(&opts.strict, "strict", false, "Exit with status 3 if any row failed")
	_ = cmd.MarkFlagRequired("mapping")

	return cmd
}

func printResult(cmd *cobra.Command, r *core.ImportResult) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "run %s\n", r.RunID)
	fmt.Fprintf(w, "total: %d  imported: %d  skipped: %d  failed: %d  (%dms)\n",
		r.TotalRows, r.Imported, r.Skipped, len(r.Errors), r.DurationMS)
	for _, a := range r.AttributesCreated {
		fmt.Fprintf(w, "new attribute: %s\n", a)
	}
	for _, e := range r.Errors {
		fmt.Fprintf(w, "row %d: %s\n", e.Row, e.Message)
	}
}
