package query

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

// sqliteDialect mimics SQLite placeholders and text timestamps.
type sqliteDialect struct{}

func (sqliteDialect) Placeholder(int) string { return "?" }
func (sqliteDialect) TimeArg(t time.Time) any {
	return t.UTC().Format("2006-01-02T15:04:05.000000Z")
}

var testDialect Dialect = sqliteDialect{}

// numberedDialect mimics PostgreSQL placeholders.
type numberedDialect struct{}

func (numberedDialect) Placeholder(i int) string { return fmt.Sprintf("$%d", i) }
func (numberedDialect) TimeArg(t time.Time) any { return t }

func TestSimplePredicate(t *testing.T) {
	p := Simple("actor", Equal, "alice@contoso.com")
	if p == nil {
		t.Fatal("expected non-nil predicate")
	}

	sql, args := p.WhereClause(testDialect)
	if sql != "(actor = ?)" {
		t.Errorf("expected '(actor = ?)', got '%s'", sql)
	}
	if len(args) != 1 || args[0] != "alice@contoso.com" {
		t.Errorf("expected args ['alice@contoso.com'], got %v", args)
	}
}

func TestSimplePredicateInvalidField(t *testing.T) {
	p := Simple("DROP TABLE", Equal, "oops")
	if p != nil {
		t.Error("expected nil for invalid field name")
	}
}

func TestSimplePredicateInvalidOperator(t *testing.T) {
	p := Simple("actor", "HACK", "value")
	if p != nil {
		t.Error("expected nil for invalid operator")
	}
}

func TestContainsPredicateLowercases(t *testing.T) {
	p := Simple("actor", Contains, "ALICE")
	sql, args := p.WhereClause(testDialect)

	if sql != "(LOWER(actor) LIKE ?)" {
		t.Errorf("unexpected SQL: %s", sql)
	}
	if len(args) != 1 || args[0] != "%alice%" {
		t.Errorf("expected args ['%%alice%%'], got %v", args)
	}
}

func TestEqualFoldPredicate(t *testing.T) {
	sql, args := Simple("actor", EqualFold, "Alice@Example.com").WhereClause(testDialect)
	if sql != "(LOWER(actor) = ?)" {
		t.Errorf("unexpected SQL: %s", sql)
	}
	if len(args) != 1 || args[0] != "alice@example.com" {
		t.Errorf("expected lowercased arg, got %v", args)
	}
}

func TestTimeRange(t *testing.T) {
	start := time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 3, 13, 0, 0, 0, 0, time.UTC)

	sql, args := TimeRange(start, end).WhereClause(testDialect)
	if sql != "(ts BETWEEN ? AND ?)" {
		t.Errorf("unexpected SQL: %s", sql)
	}
	if len(args) != 2 || args[0] != "2025-03-12T00:00:00.000000Z" || args[1] != "2025-03-13T00:00:00.000000Z" {
		t.Errorf("unexpected args: %v", args)
	}
}

func TestTimeRangeOpenBounds(t *testing.T) {
	ts := time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC)

	sql, _ := TimeRange(ts, time.Time{}).WhereClause(testDialect)
	if sql != "(ts >= ?)" {
		t.Errorf("expected open end, got %s", sql)
	}
	sql, _ = TimeRange(time.Time{}, ts).WhereClause(testDialect)
	if sql != "(ts <= ?)" {
		t.Errorf("expected open start, got %s", sql)
	}
	if TimeRange(time.Time{}, time.Time{}) != nil {
		t.Error("expected nil for two open bounds")
	}
}

func TestCombineAND(t *testing.T) {
	p1 := Simple("actor", Equal, "alice@contoso.com")
	p2 := Simple("severity", Equal, "high")
	combined := Combine([]*Predicate{p1, p2}, AND)

	sql, args := combined.WhereClause(testDialect)
	expected := "((actor = ?) AND (severity = ?))"
	if sql != expected {
		t.Errorf("expected '%s', got '%s'", expected, sql)
	}
	if len(args) != 2 {
		t.Errorf("expected 2 args, got %d", len(args))
	}
}

func TestCombineOR(t *testing.T) {
	p1 := Simple("severity", Equal, "high")
	p2 := Simple("severity", Equal, "critical")
	combined := Combine([]*Predicate{p1, p2}, OR)

	sql, _ := combined.WhereClause(testDialect)
	expected := "((severity = ?) OR (severity = ?))"
	if sql != expected {
		t.Errorf("expected '%s', got '%s'", expected, sql)
	}
}

func TestCombineThree(t *testing.T) {
	p1 := Simple("actor", Equal, "a")
	p2 := Simple("action", Equal, "b")
	p3 := Simple("country", Equal, "c")
	combined := Combine([]*Predicate{p1, p2, p3}, AND)

	sql, args := combined.WhereClause(testDialect)
	expected := "(((actor = ?) AND (action = ?)) AND (country = ?))"
	if sql != expected {
		t.Errorf("expected '%s', got '%s'", expected, sql)
	}
	if len(args) != 3 {
		t.Errorf("expected 3 args, got %d", len(args))
	}
}

func TestCombineSkipsNil(t *testing.T) {
	p1 := Simple("actor", Equal, "a")
	combined := Combine([]*Predicate{nil, p1, nil}, AND)

	sql, _ := combined.WhereClause(testDialect)
	if sql != "(actor = ?)" {
		t.Errorf("expected single predicate, got '%s'", sql)
	}
}

func TestCombineEmpty(t *testing.T) {
	if Combine(nil, AND) != nil {
		t.Error("expected nil for empty combine")
	}
	if Combine([]*Predicate{nil, nil}, AND) != nil {
		t.Error("expected nil for all-nil combine")
	}
}

func TestNumberedPlaceholders(t *testing.T) {
	start := time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC)
	combined := Combine([]*Predicate{
		Simple("actor", Equal, "alice@contoso.com"),
		TimeRange(start, start.Add(time.Hour)),
		Simple("country", Equal, "AU"),
	}, AND)

	sql, args := combined.WhereClause(numberedDialect{})
	expected := "(((actor = $1) AND (ts BETWEEN $2 AND $3)) AND (country = $4))"
	if sql != expected {
		t.Errorf("expected '%s', got '%s'", expected, sql)
	}
	if len(args) != 4 {
		t.Fatalf("expected 4 args, got %d", len(args))
	}
	if _, ok := args[1].(time.Time); !ok {
		t.Errorf("expected time.Time arg from dialect, got %T", args[1])
	}
}

func TestQueryBuildDefaults(t *testing.T) {
	q := New(100)
	sql, args := q.Build(testDialect)

	if !strings.HasPrefix(sql, "SELECT id, ts, actor,") {
		t.Errorf("unexpected select list: %s", sql)
	}
	if !strings.Contains(sql, "FROM v_timeline WHERE (excluded = 0 AND routine = 0)") {
		t.Errorf("expected visibility filter, got: %s", sql)
	}
	if !strings.Contains(sql, "ORDER BY ts, id") {
		t.Errorf("expected default ordering, got: %s", sql)
	}
	if !strings.Contains(sql, "LIMIT 100 OFFSET 0") {
		t.Errorf("expected LIMIT 100 OFFSET 0, got: %s", sql)
	}
	if len(args) != 0 {
		t.Errorf("expected no args, got %v", args)
	}
}

func TestQueryIncludeHidden(t *testing.T) {
	q := New(0)
	q.IncludeHidden(true)
	sql, _ := q.Build(testDialect)

	if strings.Contains(sql, "WHERE") {
		t.Errorf("expected no WHERE clause, got: %s", sql)
	}
	if strings.Contains(sql, "LIMIT") {
		t.Errorf("expected no LIMIT with page size 0, got: %s", sql)
	}
}

func TestQueryWithPredicates(t *testing.T) {
	q := New(50)
	q.AddPredicate(Simple("actor", Equal, "alice@contoso.com"))
	if err := q.OrderBy("severity", true); err != nil {
		t.Fatal(err)
	}
	q.SetPage(3)

	sql, args := q.Build(testDialect)
	if !strings.Contains(sql, "WHERE (actor = ?) AND (excluded = 0 AND routine = 0)") {
		t.Errorf("unexpected WHERE: %s", sql)
	}
	if !strings.Contains(sql, "ORDER BY severity DESC, id DESC") {
		t.Errorf("expected descending order, got: %s", sql)
	}
	if !strings.Contains(sql, "LIMIT 50 OFFSET 100") {
		t.Errorf("expected page 3 offset, got: %s", sql)
	}
	if len(args) != 1 {
		t.Errorf("expected 1 arg, got %d", len(args))
	}
}

func TestQueryOrLogic(t *testing.T) {
	q := New(0)
	q.AddPredicate(Combine([]*Predicate{
		Simple("severity", Equal, "high"),
		Simple("severity", Equal, "critical"),
	}, OR))
	q.AddPredicate(Simple("country", Equal, "AU"))

	sql, _ := q.Build(testDialect)
	if !strings.Contains(sql, "WHERE (((severity = ?) OR (severity = ?)) AND (country = ?)) AND (excluded = 0") {
		t.Errorf("OR group must be bracketed before the visibility filter: %s", sql)
	}
}

func TestQueryBuildCount(t *testing.T) {
	q := New(100)
	q.AddPredicate(Simple("country", Equal, "AU"))

	sql, args := q.BuildCount(testDialect)
	if !strings.HasPrefix(sql, "SELECT COUNT(id) FROM v_timeline WHERE") {
		t.Errorf("unexpected count SQL: %s", sql)
	}
	if strings.Contains(sql, "LIMIT") || strings.Contains(sql, "ORDER BY") {
		t.Errorf("count query should not page or order: %s", sql)
	}
	if len(args) != 1 {
		t.Errorf("expected 1 arg, got %d", len(args))
	}
}

func TestOrderByValidation(t *testing.T) {
	q := New(10)
	if err := q.OrderBy("1; DROP TABLE signin_logs", false); err == nil {
		t.Error("expected error for invalid order by field")
	}
	if err := q.OrderBy("", false); err == nil {
		t.Error("expected error for empty order by field")
	}
	sql, _ := q.Build(testDialect)
	if !strings.Contains(sql, "ORDER BY ts, id") {
		t.Errorf("expected rejected fields to keep the default order, got: %s", sql)
	}
}

func TestSetPageIgnoresInvalid(t *testing.T) {
	q := New(10)
	q.SetPage(0)
	if sql, _ := q.Build(testDialect); !strings.HasSuffix(sql, "LIMIT 10 OFFSET 0") {
		t.Errorf("expected first page, got: %s", sql)
	}
}

func TestRawQuery(t *testing.T) {
	rq := NewRaw(25, "actor = 'alice@contoso.com' OR country = 'AU'")
	sql, args := rq.Build(testDialect)

	if !strings.Contains(sql, "WHERE (actor = 'alice@contoso.com' OR country = 'AU') AND (excluded = 0 AND routine = 0)") {
		t.Errorf("unexpected raw SQL: %s", sql)
	}
	if !strings.Contains(sql, "LIMIT 25 OFFSET 0") {
		t.Errorf("expected pagination, got: %s", sql)
	}
	if args != nil {
		t.Errorf("raw query should carry no args, got %v", args)
	}

	if err := rq.OrderBy("country", true); err != nil {
		t.Fatal(err)
	}
	if sql, _ = rq.Build(testDialect); !strings.Contains(sql, "ORDER BY country DESC, id DESC") {
		t.Errorf("expected raw query ordering, got: %s", sql)
	}

	all := NewRaw(0, "")
	all.IncludeHidden(true)
	sql, _ = all.BuildCount(testDialect)
	if sql != "SELECT COUNT(id) FROM v_timeline" {
		t.Errorf("unexpected raw count SQL: %s", sql)
	}
}
