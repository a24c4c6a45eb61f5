package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cdtdelta/m365ir/internal/importer"
	"github.com/cdtdelta/m365ir/internal/model"
)

var runHeaders = []string{"FILE", "SCHEMA", "METHOD", "STATUS", "IMPORTED", "SKIPPED", "OLDER", "FAILED", "ERROR"}

func runRows(runs []*model.ImportRun) [][]string {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		errText := r.ErrorCode
		if r.ErrorMessage != "" {
			errText = r.ErrorCode + ": " + truncate(r.ErrorMessage, 60)
		}
		rows = append(rows, []string{
			r.SourceFile,
			r.VariantName,
			r.DetectionMethod,
			string(r.Status),
			strconv.Itoa(r.Imported),
			strconv.Itoa(r.Skipped),
			strconv.Itoa(r.BelowCutoff),
			strconv.Itoa(r.Failed),
			errText,
		})
	}
	return rows
}

// parseSchemaFlag converts --schema into an override. Empty means detect.
func parseSchemaFlag(s string) (model.Variant, error) {
	if s == "" {
		return model.VariantUnknown, nil
	}
	return model.ParseVariant(s)
}

func newImportCmd(e *env) *cobra.Command {
	var (
		schemaName  string
		incremental bool
	)
	cmd := &cobra.Command{
		Use:   "import <file>...",
		Short: "Import sign-in log exports",
		Long: `Detect the layout of each export, normalize its rows and load them into
the case database. Rows already present are skipped, so re-importing a file is
safe. A file that cannot be read or recognized is reported and the remaining
files are still imported.`,
		Example: `  m365ir import InteractiveSignIns_2025-03-12.csv
  m365ir import --schema graph_non_interactive export.csv
  m365ir import --incremental exports/*.csv`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			override, err := parseSchemaFlag(schemaName)
			if err != nil {
				return err
			}
			a, err := e.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			runs, importErr := a.Import(cmd.Context(), args, importer.Options{Override: override, Incremental: incremental})

			p := e.printer(cmd)
			if err := p.Print(runs, runHeaders, runRows(runs)); err != nil {
				return err
			}

			var imported, skipped, older, failed, failedFiles int
			for _, r := range runs {
				imported += r.Imported
				skipped += r.Skipped
				older += r.BelowCutoff
				failed += r.Failed
				if r.Status == model.ImportFailed {
					failedFiles++
				}
			}
			summary := fmt.Sprintf("%d imported, %d skipped, %d failed rows from %d file(s)", imported, skipped, failed, len(runs))
			if older > 0 {
				summary += fmt.Sprintf(", %d older than the incremental cutoff", older)
			}
			if importErr != nil {
				p.Warn("%s", summary)
				return fmt.Errorf("%d of %d file(s) failed: %w", failedFiles, len(args), importErr)
			}
			if failed > 0 {
				p.Warn("%s", summary)
				return nil
			}
			p.Success("%s", summary)
			return nil
		},
	}
	cmd.Flags().StringVar(&schemaName, "schema", "", "force a layout instead of detecting it (see 'schemas list')")
	cmd.Flags().BoolVar(&incremental, "incremental", false, "skip rows older than the latest imported event of the same layout")
	return cmd
}
