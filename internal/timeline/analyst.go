package timeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cdtdelta/m365ir/internal/database"
	"github.com/cdtdelta/m365ir/internal/model"
	"github.com/cdtdelta/m365ir/internal/query"
)

// Annotate attaches a note to an event and returns the annotation id.
// database.ErrNotFound is returned if the event does not exist. Content is
// stored as given.
func (b *Builder) Annotate(ctx context.Context, eventID int64, typ model.AnnotationType, content, author string, includeInReport bool) (int64, error) {
	if _, err := model.ParseAnnotationType(string(typ)); err != nil {
		return 0, err
	}
	a := &model.TimelineAnnotation{
		EventID:         eventID,
		Type:            typ,
		Content:         content,
		Author:          author,
		IncludeInReport: includeInReport,
		CreatedAt:       b.now(),
	}
	if err := b.store.AddAnnotation(ctx, a); err != nil {
		return 0, err
	}
	return a.ID, nil
}

// Exclude hides an event, and the sign-in it came from, from the default view.
// Nothing is deleted and later builds keep the flag.
func (b *Builder) Exclude(ctx context.Context, eventID int64, reason string) error {
	return b.store.ExcludeEvent(ctx, eventID, reason)
}

// Annotations lists an event's annotations in creation order.
func (b *Builder) Annotations(ctx context.Context, eventID int64) ([]*model.TimelineAnnotation, error) {
	if _, err := b.store.GetTimelineEvent(ctx, eventID); err != nil {
		return nil, err
	}
	return b.store.ListAnnotations(ctx, eventID)
}

// ReportAnnotations lists every annotation marked for inclusion in a report,
// joined with its sign-in.
func (b *Builder) ReportAnnotations(ctx context.Context) ([]*database.ReportAnnotation, error) {
	return b.store.ReportAnnotations(ctx)
}

// Phases returns the phases computed by the most recent build.
func (b *Builder) Phases(ctx context.Context) ([]*model.TimelinePhase, error) {
	return b.store.ListPhases(ctx)
}

// Builds returns recent build history, newest first.
func (b *Builder) Builds(ctx context.Context, limit int) ([]*model.TimelineBuild, error) {
	return b.store.ListBuilds(ctx, limit)
}

// Filter selects timeline events. Zero values do not filter.
type Filter struct {
	// User matches the actor case-insensitively. A value containing "@" must
	// match exactly; anything else matches as a substring.
	User string

	Phase string

	// Severity is a minimum: ALERT returns ALERT and CRITICAL events.
	Severity string

	Start time.Time
	End   time.Time

	// Any matches events satisfying at least one of User, Phase and
	// Severity instead of all of them. The time range always applies.
	Any bool

	// Sort is a timeline column to order by, "ts" when empty. Desc reverses it.
	Sort string
	Desc bool

	// All includes routine and excluded events.
	All bool

	// Where is a raw SQL condition over the timeline view. It cannot be
	// combined with the other filters.
	Where string

	Limit int
	Page  int
}

// Page is one page of query results.
type Page struct {
	Events []*model.TimelineEvent `json:"events" yaml:"events"`
	Total  int64                  `json:"total" yaml:"total"`
	Page   int                    `json:"page" yaml:"page"`
}

// Query runs f against the timeline view, ordered by time unless f.Sort says
// otherwise.
func (b *Builder) Query(ctx context.Context, f Filter) (*Page, error) {
	d := b.store.Dialect()

	var sqlText, countText string
	var args, countArgs []any
	page := f.Page
	if page < 1 {
		page = 1
	}
	sortField := f.Sort
	if sortField == "" {
		sortField = "ts"
	}

	if f.Where != "" {
		if f.User != "" || f.Phase != "" || f.Severity != "" || f.Any || !f.Start.IsZero() || !f.End.IsZero() {
			return nil, errors.New("a raw where clause cannot be combined with other filters")
		}
		rq := query.NewRaw(f.Limit, f.Where)
		rq.IncludeHidden(f.All)
		rq.SetPage(page)
		if err := rq.OrderBy(sortField, f.Desc); err != nil {
			return nil, err
		}
		sqlText, args = rq.Build(d)
		countText, countArgs = rq.BuildCount(d)
	} else {
		q := query.New(f.Limit)
		q.IncludeHidden(f.All)
		q.SetPage(page)
		if err := q.OrderBy(sortField, f.Desc); err != nil {
			return nil, err
		}

		var match []*query.Predicate
		if f.User != "" {
			op := query.Contains
			if strings.Contains(f.User, "@") {
				op = query.EqualFold
			}
			match = append(match, query.Simple("actor", op, f.User))
		}
		if f.Phase != "" {
			p, err := model.ParsePhase(f.Phase)
			if err != nil {
				return nil, err
			}
			match = append(match, query.Simple("phase", query.Equal, string(p)))
		}
		if f.Severity != "" {
			sev, err := model.ParseSeverity(f.Severity)
			if err != nil {
				return nil, err
			}
			match = append(match, query.Simple("severity", query.GreaterOrEqual, int(sev)))
		}
		logic := query.AND
		if f.Any {
			logic = query.OR
		}
		q.AddPredicate(query.Combine(match, logic))

		if !f.Start.IsZero() && !f.End.IsZero() && f.End.Before(f.Start) {
			return nil, fmt.Errorf("end %s is before start %s", f.End.Format(time.RFC3339), f.Start.Format(time.RFC3339))
		}
		q.AddPredicate(query.TimeRange(f.Start, f.End))

		sqlText, args = q.Build(d)
		countText, countArgs = q.BuildCount(d)
	}

	events, err := b.store.ExecuteTimelineQuery(ctx, sqlText, args)
	if err != nil {
		return nil, err
	}
	total, err := b.store.ExecuteCountQuery(ctx, countText, countArgs)
	if err != nil {
		return nil, err
	}
	return &Page{Events: events, Total: total, Page: page}, nil
}
