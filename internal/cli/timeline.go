package cli

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/cdtdelta/m365ir/internal/database"
	"github.com/cdtdelta/m365ir/internal/model"
	"github.com/cdtdelta/m365ir/internal/timeline"
	"github.com/cdtdelta/m365ir/internal/tln"
)

func newTimelineCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timeline",
		Short: "Build and query the attack timeline",
	}
	cmd.AddCommand(
		newTimelineBuildCmd(e),
		newTimelineQueryCmd(e),
		newTimelineAnnotateCmd(e),
		newTimelineExcludeCmd(e),
		newTimelineAnnotationsCmd(e),
		newTimelinePhasesCmd(e),
		newTimelineBuildsCmd(e),
		newTimelineExportCmd(e),
	)
	return cmd
}

var buildHeaders = []string{"ID", "MODE", "STATE", "SCANNED", "ADDED", "UPDATED", "SKIPPED", "WARNINGS", "PHASES", "STARTED"}

func buildRows(builds []*model.TimelineBuild) [][]string {
	rows := make([][]string, 0, len(builds))
	for _, b := range builds {
		rows = append(rows, []string{
			b.ID,
			b.Mode,
			b.State,
			strconv.Itoa(b.EventsScanned),
			strconv.Itoa(b.EventsAdded),
			strconv.Itoa(b.EventsUpdated),
			strconv.Itoa(b.EventsSkipped),
			strconv.Itoa(b.Warnings),
			strconv.Itoa(b.PhasesDetected),
			formatTime(b.StartedAt),
		})
	}
	return rows
}

func newTimelineBuildCmd(e *env) *cobra.Command {
	var incremental, force bool
	var homeCountries []string
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Classify imported sign-ins into timeline events",
		Long: `Extract timeline events from sign-ins imported since the last build,
classify them and recompute the attack phases.

The default is an incremental build. --force rescans every sign-in and
refreshes classification on existing events; exclusions and annotations are
kept.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(homeCountries) > 0 {
				e.cfg.Timeline.HomeCountries = homeCountries
			}
			a, err := e.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			b, buildErr := a.Build(cmd.Context(), !force)
			if b == nil {
				return buildErr
			}
			p := e.printer(cmd)
			if err := p.Print(b, buildHeaders, buildRows([]*model.TimelineBuild{b})); err != nil {
				return err
			}
			if buildErr != nil {
				return buildErr
			}
			if b.Warnings > 0 {
				p.Warn("%d sign-in(s) could not be classified and were stored as unclassified", b.Warnings)
			}
			p.Success("%s build: %d events added, %d updated, %d phases detected",
				b.Mode, b.EventsAdded, b.EventsUpdated, b.PhasesDetected)
			return nil
		},
	}
	cmd.Flags().BoolVar(&incremental, "incremental", false, "only process sign-ins imported since the last build (default)")
	cmd.Flags().BoolVar(&force, "force", false, "rebuild from every imported sign-in")
	cmd.Flags().StringSliceVar(&homeCountries, "home-country", nil, "home country code, repeatable (overrides timeline.home_countries)")
	cmd.MarkFlagsMutuallyExclusive("incremental", "force")
	return cmd
}

var eventHeaders = []string{"ID", "TIME", "SEVERITY", "PHASE", "ACTOR", "IP", "COUNTRY", "DESCRIPTION"}

func eventRows(events []*model.TimelineEvent) [][]string {
	rows := make([][]string, 0, len(events))
	for _, ev := range events {
		desc := truncate(ev.Description, 80)
		if ev.Excluded {
			desc = "[excluded] " + desc
		} else if ev.Routine {
			desc = "[routine] " + desc
		}
		rows = append(rows, []string{
			strconv.FormatInt(ev.ID, 10),
			formatTime(ev.Timestamp),
			ev.SeverityName,
			string(ev.Phase),
			ev.Actor,
			ev.IPAddress,
			ev.Country,
			desc,
		})
	}
	return rows
}

func newTimelineQueryCmd(e *env) *cobra.Command {
	var (
		f          timeline.Filter
		start, end string
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "List timeline events",
		Long: `List timeline events, in time order unless --sort says otherwise. Routine
and excluded events are hidden unless --all is given. --severity is a minimum,
so --severity alert also returns critical events. --any matches events that
satisfy at least one of --user, --phase and --severity.`,
		Example: `  m365ir timeline query --user alice@example.com
  m365ir timeline query --phase initial_access --severity alert
  m365ir timeline query --user bob --severity alert --any --sort severity --desc
  m365ir timeline query --start 2025-03-01 --end 2025-03-14T12:00:00Z -o json
  m365ir timeline query --where "country = 'RU' AND signin_type = 'interactive'"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := parseRange(&f, start, end); err != nil {
				return err
			}
			a, err := e.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			page, err := a.Query(cmd.Context(), f)
			if err != nil {
				return err
			}
			p := e.printer(cmd)
			if err := p.Print(page, eventHeaders, eventRows(page.Events)); err != nil {
				return err
			}
			p.Info("page %d: %d of %d event(s)", page.Page, len(page.Events), page.Total)
			return nil
		},
	}
	addFilterFlags(cmd.Flags(), &f, &start, &end)
	cmd.Flags().StringVar(&f.Sort, "sort", "ts", "column to order by, e.g. severity, actor, country")
	cmd.Flags().BoolVar(&f.Desc, "desc", false, "reverse the order")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "events per page")
	cmd.Flags().IntVar(&f.Page, "page", 1, "page number")
	return cmd
}

func addFilterFlags(fl *pflag.FlagSet, f *timeline.Filter, start, end *string) {
	fl.StringVar(&f.User, "user", "", "actor: exact UPN when it contains @, otherwise a substring")
	fl.StringVar(&f.Phase, "phase", "", "phase label, e.g. initial_access")
	fl.StringVar(&f.Severity, "severity", "", "minimum severity: info, warning, alert, critical")
	fl.StringVar(start, "start", "", "earliest event time (RFC 3339 or YYYY-MM-DD)")
	fl.StringVar(end, "end", "", "latest event time (RFC 3339 or YYYY-MM-DD)")
	fl.BoolVar(&f.Any, "any", false, "match any of --user, --phase and --severity instead of all")
	fl.BoolVar(&f.All, "all", false, "include routine and excluded events")
	fl.StringVar(&f.Where, "where", "", "raw SQL condition on the timeline view; cannot be combined with other filters")
}

func verifyExport(path string, format tln.Format, want int) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return tln.Verify(file, format, want)
}

func parseRange(f *timeline.Filter, start, end string) error {
	var err error
	if f.Start, err = parseTime(start); err != nil {
		return err
	}
	f.End, err = parseTime(end)
	return err
}

func newTimelineExportCmd(e *env) *cobra.Command {
	var (
		f          timeline.Filter
		start, end string
		formatName string
	)
	cmd := &cobra.Command{
		Use:   "export <out>",
		Short: "Write the timeline as TLN or L2TTLN",
		Long: `Write matching timeline events as a pipe-delimited TLN or L2TTLN file for
merging into a host super-timeline. Use "-" to write to stdout. A file is read
back after writing to check every event made it out intact. The filters are
those of 'timeline query'.`,
		Example: `  m365ir timeline export case.l2ttln
  m365ir timeline export --format tln --severity warning - | sort -n`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := tln.ParseFormat(formatName)
			if err != nil {
				return err
			}
			if err := parseRange(&f, start, end); err != nil {
				return err
			}
			a, err := e.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if args[0] == "-" {
				n, err := a.Export(cmd.Context(), f, cmd.OutOrStdout(), format)
				if err != nil {
					return err
				}
				e.printer(cmd).Success("exported %d event(s) as %s", n, format)
				return nil
			}

			file, err := os.Create(args[0])
			if err != nil {
				return err
			}
			n, err := a.Export(cmd.Context(), f, file, format)
			if cerr := file.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
			if err := verifyExport(args[0], format, n); err != nil {
				return err
			}
			e.printer(cmd).Success("exported %d event(s) as %s to %s", n, format, args[0])
			return nil
		},
	}
	addFilterFlags(cmd.Flags(), &f, &start, &end)
	cmd.Flags().StringVar(&formatName, "format", string(tln.FormatL2TTLN), "tln or l2ttln")
	return cmd
}

func newTimelineAnnotateCmd(e *env) *cobra.Command {
	var (
		typ, content, author string
		excludeFromReport    bool
	)
	cmd := &cobra.Command{
		Use:   "annotate <eventId>",
		Short: "Attach a note to a timeline event",
		Example: `  m365ir timeline annotate 42 --type finding --content "first foreign login"
  m365ir timeline annotate 42 --type ioc --content 203.0.113.7 --exclude-from-report`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			t, err := model.ParseAnnotationType(typ)
			if err != nil {
				return err
			}
			a, err := e.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			annID, err := a.Annotate(cmd.Context(), id, t, content, author, !excludeFromReport)
			if errors.Is(err, database.ErrNotFound) {
				return fmt.Errorf("timeline event %d not found", id)
			}
			if err != nil {
				return err
			}
			e.printer(cmd).Success("annotation %d added to event %d", annID, id)
			return nil
		},
	}
	cmd.Flags().StringVar(&typ, "type", string(model.AnnotationNote), "note, finding, ioc or false-positive")
	cmd.Flags().StringVar(&content, "content", "", "annotation text")
	cmd.Flags().StringVar(&author, "author", "", "analyst name")
	cmd.Flags().BoolVar(&excludeFromReport, "exclude-from-report", false, "keep the note out of the report")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func newTimelineExcludeCmd(e *env) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "exclude <eventId>",
		Short: "Hide a timeline event from the default view",
		Long: `Mark a timeline event and the sign-in it came from as excluded. Nothing is
deleted; 'timeline query --all' still lists it and later builds keep the flag.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			a, err := e.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			err = a.Exclude(cmd.Context(), id, reason)
			if errors.Is(err, database.ErrNotFound) {
				return fmt.Errorf("timeline event %d not found", id)
			}
			if err != nil {
				return err
			}
			e.printer(cmd).Success("event %d excluded", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the event is excluded")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

var annotationHeaders = []string{"ID", "EVENT", "TYPE", "AUTHOR", "REPORT", "CREATED", "CONTENT"}

var reportHeaders = []string{"ANNOTATION", "EVENT", "TIME", "ACTOR", "IP", "COUNTRY", "TYPE", "CONTENT"}

func newTimelineAnnotationsCmd(e *env) *cobra.Command {
	var report bool
	cmd := &cobra.Command{
		Use:   "annotations [eventId]",
		Short: "List the notes on an event, or every note marked for the report",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if report == (len(args) == 1) {
				return errors.New("give either an event id or --report")
			}
			a, err := e.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			p := e.printer(cmd)

			if report {
				notes, err := a.ReportAnnotations(cmd.Context())
				if err != nil {
					return err
				}
				return p.Print(notes, reportHeaders, reportRows(notes))
			}

			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			notes, err := a.Annotations(cmd.Context(), id)
			if errors.Is(err, database.ErrNotFound) {
				return fmt.Errorf("timeline event %d not found", id)
			}
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(notes))
			for _, n := range notes {
				rows = append(rows, []string{
					strconv.FormatInt(n.ID, 10),
					strconv.FormatInt(n.EventID, 10),
					string(n.Type),
					n.Author,
					strconv.FormatBool(n.IncludeInReport),
					formatTime(n.CreatedAt),
					n.Content,
				})
			}
			return p.Print(notes, annotationHeaders, rows)
		},
	}
	cmd.Flags().BoolVar(&report, "report", false, "list every note marked for inclusion in the report")
	return cmd
}

func reportRows(notes []*database.ReportAnnotation) [][]string {
	rows := make([][]string, 0, len(notes))
	for _, n := range notes {
		rows = append(rows, []string{
			strconv.FormatInt(n.AnnotationID, 10),
			strconv.FormatInt(n.EventID, 10),
			formatTime(n.Timestamp),
			n.Actor,
			n.IPAddress,
			n.Country,
			string(n.Type),
			n.Content,
		})
	}
	return rows
}

var phaseHeaders = []string{"PHASE", "START", "END", "EVENTS", "CONFIDENCE"}

func newTimelinePhasesCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "phases",
		Short: "Show the attack phases from the latest build",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			phases, err := a.Phases(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(phases))
			for _, ph := range phases {
				rows = append(rows, []string{
					string(ph.Phase),
					formatTime(ph.Start),
					formatTime(ph.End),
					strconv.Itoa(ph.EventCount),
					string(ph.Confidence),
				})
			}
			return e.printer(cmd).Print(phases, phaseHeaders, rows)
		},
	}
}

func newTimelineBuildsCmd(e *env) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "builds",
		Short: "Show timeline build history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			builds, err := a.Builds(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return e.printer(cmd).Print(builds, buildHeaders, buildRows(builds))
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of builds to show")
	return cmd
}
