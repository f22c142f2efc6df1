package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/equipimport/internal/core"
)

func newPreviewCmd(g *globalOptions) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "preview <file>",
		Short: "Parse a file and write a suggested mapping as YAML",
		Long: "Parses the file, prints its first rows to stderr and writes the suggested\n" +
			"column mapping as YAML (to stdout, or --out). Edit the mapping and pass it\n" +
			"to 'importer run'. Nothing is written to the database.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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
			defer p.svc.Cancel(ctx, sess.Handle)

			printPreview(cmd, sess)

			mf := &mappingFile{
				File:       args[0],
				Confidence: sess.AdvisorConfidence,
				Notes:      sess.AdvisorNotes,
				Mapping:    sess.SuggestedMapping,
			}

			w := cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return withCode(exitUsage, err)
				}
				defer f.Close()
				w = f
			}
			return writeMappingFile(w, mf)
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "Write the mapping to this file instead of stdout")
	return cmd
}

// printPreview writes a short human summary to stderr so stdout stays valid YAML.
func printPreview(cmd *cobra.Command, sess core.Session) {
	w := cmd.ErrOrStderr()
	fmt.Fprintf(w, "%s: %s, %d rows, %d columns\n", sess.FileName, sess.Format, sess.TotalRows, len(sess.Headers))
	fmt.Fprintf(w, "columns: %s\n", strings.Join(sess.Headers, " | "))
	for i, row := range sess.PreviewRows {
		cells := make([]string, len(sess.Headers))
		for j, h := range sess.Headers {
			cells[j] = row[h]
		}
		fmt.Fprintf(w, "row %d: %s\n", i+1, strings.Join(cells, " | "))
	}
	for _, warning := range sess.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
	fmt.Fprintf(w, "suggested mapping confidence: %s\n", sess.AdvisorConfidence)
}
