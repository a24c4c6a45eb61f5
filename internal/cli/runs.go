package cli

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cdtdelta/m365ir/internal/app"
)

func newRunsCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect import history",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List import runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			headers := append([]string{"ID", "STARTED"}, runHeaders...)
			rows := make([][]string, 0, len(runs))
			for i, r := range runRows(runs) {
				rows = append(rows, append([]string{runs[i].ID, formatTime(runs[i].StartedAt)}, r...))
			}
			return e.printer(cmd).Print(runs, headers, rows)
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "number of runs to show")

	errorsCmd := &cobra.Command{
		Use:   "errors <runId>",
		Short: "List the rows an import run rejected",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			rowErrs, err := a.RowErrors(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(rowErrs))
			for _, re := range rowErrs {
				rows = append(rows, []string{strconv.Itoa(re.RowNumber), re.Message, truncate(re.Raw, 60)})
			}
			return e.printer(cmd).Print(rowErrs, []string{"ROW", "ERROR", "RAW"}, rows)
		},
	}

	cmd.AddCommand(list, errorsCmd)
	return cmd
}

func newSchemasCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schemas",
		Short: "Show the known export layouts",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List layouts in detection order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			schemas := app.Schemas()
			rows := make([][]string, 0, len(schemas))
			for _, s := range schemas {
				rows = append(rows, []string{s.Name, s.Description})
			}
			return e.printer(cmd).Print(schemas, []string{"NAME", "DESCRIPTION"}, rows)
		},
	}

	var schemaName string
	detect := &cobra.Command{
		Use:   "detect <file>",
		Short: "Report which layout a file would be imported as",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			override, err := parseSchemaFlag(schemaName)
			if err != nil {
				return err
			}
			res, err := app.Detect(args[0], override)
			if err != nil {
				return err
			}
			return e.printer(cmd).Print(res, []string{"FILE", "SCHEMA", "METHOD"},
				[][]string{{res.File, res.Schema, res.Method}})
		},
	}
	detect.Flags().StringVar(&schemaName, "schema", "", "check a forced layout instead of detecting one")

	cmd.AddCommand(list, detect)
	return cmd
}

func newInfoCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Summarize the case database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			info, err := a.Info(cmd.Context())
			if err != nil {
				return err
			}
			rows := [][]string{
				{"driver", info.Driver},
				{"signins", strconv.FormatInt(info.SignIns, 10)},
				{"version", info.Version},
			}
			if b := info.LastBuild; b != nil {
				rows = append(rows,
					[]string{"last build", b.ID},
					[]string{"last build state", b.State},
					[]string{"last build finished", formatTime(b.FinishedAt)},
				)
			}
			return e.printer(cmd).Print(info, []string{"KEY", "VALUE"}, rows)
		},
	}
}
