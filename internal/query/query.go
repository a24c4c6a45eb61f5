// Package query builds parameterized SELECT statements over the timeline view.
package query

import (
	"fmt"
	"strings"
	"time"

	"github.com/cdtdelta/m365ir/internal/model"
)

// View is the relation every query selects from.
const View = "v_timeline"

// Logic determines how multiple predicates are combined.
type Logic int

const (
	AND Logic = iota
	OR
)

// Operator represents a SQL comparison operator.
type Operator string

const (
	Equal          Operator = "="
	GreaterOrEqual Operator = ">="

	// Contains is a case-insensitive substring match on both backends.
	Contains Operator = "CONTAINS"

	// EqualFold is a case-insensitive equality match.
	EqualFold Operator = "EQUALFOLD"
)

// validOperators is the set of allowed operators for validation.
var validOperators = map[Operator]bool{
	Equal: true, GreaterOrEqual: true, Contains: true, EqualFold: true,
}

// Predicate represents a single filter condition or a composite of conditions.
// Predicates use parameterized values to prevent SQL injection.
type Predicate struct {
	kind  predicateKind
	field string
	op    Operator
	value any
	start time.Time
	end   time.Time
	left  *Predicate
	right *Predicate
	logic Logic
}

type predicateKind int

const (
	predNone predicateKind = iota
	predSimple
	predTime
	predComposite
)

// Simple creates a predicate that compares a field to a value.
// Returns nil if the field name is invalid or the operator is unrecognized.
func Simple(field string, op Operator, value any) *Predicate {
	if !isValidField(field) || !validOperators[op] {
		return nil
	}
	return &Predicate{
		kind:  predSimple,
		field: field,
		op:    op,
		value: value,
	}
}

// TimeRange filters events between start and end, both inclusive. A zero
// bound leaves that side open; two zero bounds give a nil predicate.
func TimeRange(start, end time.Time) *Predicate {
	if start.IsZero() && end.IsZero() {
		return nil
	}
	return &Predicate{
		kind:  predTime,
		start: start,
		end:   end,
	}
}

// Combine joins multiple predicates with the given logic (AND or OR).
// Returns nil for an empty slice. Returns the single predicate if only one is given.
// Nil predicates in the slice are skipped.
func Combine(preds []*Predicate, logic Logic) *Predicate {
	filtered := make([]*Predicate, 0, len(preds))
	for _, p := range preds {
		if p != nil {
			filtered = append(filtered, p)
		}
	}

	if len(filtered) == 0 {
		return nil
	}
	if len(filtered) == 1 {
		return filtered[0]
	}

	result := &Predicate{
		kind:  predComposite,
		left:  filtered[0],
		right: filtered[1],
		logic: logic,
	}
	for i := 2; i < len(filtered); i++ {
		result = &Predicate{
			kind:  predComposite,
			left:  result,
			right: filtered[i],
			logic: logic,
		}
	}
	return result
}

// WhereClause returns the SQL WHERE fragment and its parameter values.
// For example: "(actor = ?)", []any{"alice@example.com"}
func (p *Predicate) WhereClause(d Dialect) (string, []any) {
	var args []any
	sql := p.build(d, &args)
	if sql == "" {
		return "", nil
	}
	return sql, args
}

// build renders the predicate, appending to args so placeholder numbers run
// across the whole tree.
func (p *Predicate) build(d Dialect, args *[]any) string {
	if p == nil {
		return ""
	}
	next := func(v any) string {
		*args = append(*args, v)
		return d.Placeholder(len(*args))
	}

	switch p.kind {
	case predSimple:
		switch p.op {
		case Contains:
			return fmt.Sprintf("(LOWER(%s) LIKE %s)", p.field,
				next("%"+strings.ToLower(fmt.Sprint(p.value))+"%"))
		case EqualFold:
			return fmt.Sprintf("(LOWER(%s) = %s)", p.field, next(strings.ToLower(fmt.Sprint(p.value))))
		}
		return fmt.Sprintf("(%s %s %s)", p.field, p.op, next(p.value))

	case predTime:
		switch {
		case p.end.IsZero():
			return fmt.Sprintf("(ts >= %s)", next(d.TimeArg(p.start)))
		case p.start.IsZero():
			return fmt.Sprintf("(ts <= %s)", next(d.TimeArg(p.end)))
		}
		lo := next(d.TimeArg(p.start))
		hi := next(d.TimeArg(p.end))
		return fmt.Sprintf("(ts BETWEEN %s AND %s)", lo, hi)

	case predComposite:
		leftSQL := p.left.build(d, args)
		rightSQL := p.right.build(d, args)

		if leftSQL == "" {
			return rightSQL
		}
		if rightSQL == "" {
			return leftSQL
		}

		logicStr := "AND"
		if p.logic == OR {
			logicStr = "OR"
		}
		return fmt.Sprintf("(%s %s %s)", leftSQL, logicStr, rightSQL)
	}
	return ""
}

// Query builds a full SELECT statement from predicates, ordering, and pagination.
// Unless IncludeHidden is set, excluded and routine events are filtered out.
type Query struct {
	predicates    []*Predicate
	orderBy       string
	descending    bool
	includeHidden bool
	pageSize      int
	page          int
}

// New creates a new Query with the given page size, ordered by time.
// Pass 0 for no pagination.
func New(pageSize int) *Query {
	return &Query{
		orderBy:  "ts",
		pageSize: pageSize,
		page:     1,
	}
}

// AddPredicate appends a predicate to the query. Nil predicates are ignored.
func (q *Query) AddPredicate(p *Predicate) {
	if p != nil {
		q.predicates = append(q.predicates, p)
	}
}

// IncludeHidden controls whether excluded and routine events are returned.
func (q *Query) IncludeHidden(include bool) {
	q.includeHidden = include
}

// OrderBy sets the column to sort results by; id breaks ties.
// Returns an error if the field name is not valid.
func (q *Query) OrderBy(field string, descending bool) error {
	if !isValidField(field) {
		return fmt.Errorf("invalid order by field: %s", field)
	}
	q.orderBy = field
	q.descending = descending
	return nil
}

// SetPage sets the current page number (1-based).
func (q *Query) SetPage(page int) {
	if page >= 1 {
		q.page = page
	}
}

// where renders the WHERE clause including the visibility filter.
func (q *Query) where(d Dialect) (string, []any) {
	var parts []string
	sql, args := Combine(q.predicates, AND).WhereClause(d)
	if sql != "" {
		parts = append(parts, sql)
	}
	if !q.includeHidden {
		parts = append(parts, "(excluded = 0 AND routine = 0)")
	}
	if len(parts) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(parts, " AND "), args
}

func (q *Query) orderAndPage() string {
	dir := ""
	if q.descending {
		dir = " DESC"
	}
	sql := " ORDER BY " + q.orderBy + dir
	if q.orderBy != "id" {
		sql += ", id" + dir
	}
	if q.pageSize > 0 {
		offset := q.pageSize * (q.page - 1)
		sql += fmt.Sprintf(" LIMIT %d OFFSET %d", q.pageSize, offset)
	}
	return sql
}

// Build generates the full SQL SELECT statement and its parameter values.
// Columns are selected in model.TimelineColumns order.
func (q *Query) Build(d Dialect) (string, []any) {
	where, args := q.where(d)
	sql := "SELECT " + strings.Join(model.TimelineColumns, ", ") + " FROM " + View + where
	return sql + q.orderAndPage(), args
}

// BuildCount generates a COUNT query using the same predicates.
func (q *Query) BuildCount(d Dialect) (string, []any) {
	where, args := q.where(d)
	return "SELECT COUNT(id) FROM " + View + where, args
}

// RawQuery wraps an analyst-supplied SQL WHERE clause for direct execution
// against the timeline view.
type RawQuery struct {
	Query
	rawWhere string
}

// NewRaw creates a query from a raw WHERE clause string.
// The raw clause is used as-is, so the caller is responsible for safety.
// Visibility filtering, ordering and pagination still apply on top of it.
func NewRaw(pageSize int, whereClause string) *RawQuery {
	return &RawQuery{
		Query:    *New(pageSize),
		rawWhere: whereClause,
	}
}

// Build generates the SQL using the raw WHERE clause plus ordering and pagination.
func (rq *RawQuery) Build(d Dialect) (string, []any) {
	sql := "SELECT " + strings.Join(model.TimelineColumns, ", ") + " FROM " + View
	sql += rq.rawWhereClause()
	return sql + rq.orderAndPage(), nil
}

// BuildCount generates a COUNT query over the raw WHERE clause.
func (rq *RawQuery) BuildCount(d Dialect) (string, []any) {
	return "SELECT COUNT(id) FROM " + View + rq.rawWhereClause(), nil
}

func (rq *RawQuery) rawWhereClause() string {
	var parts []string
	if rq.rawWhere != "" {
		parts = append(parts, "("+rq.rawWhere+")")
	}
	if !rq.includeHidden {
		parts = append(parts, "(excluded = 0 AND routine = 0)")
	}
	if len(parts) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(parts, " AND ")
}

// isValidField checks a field name against the filterable timeline columns.
func isValidField(name string) bool {
	for _, f := range model.TimelineFields {
		if f == name {
			return true
		}
	}
	return false
}
