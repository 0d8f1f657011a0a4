package realtime

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Filter is a column predicate in the realtime filter format: column=operator.value
// Examples:
//   - created_by=eq.user123
//   - priority=gt.5
//   - status=in.(queued,running)
type Filter struct {
	Column   string
	Operator string
	Value    string
}

var filterRegex = regexp.MustCompile(`^(\w+)=(eq|neq|gt|gte|lt|lte|like|ilike|is|in)\.(.+)$`)

// ParseFilter parses a filter expression. An empty expression yields a nil
// filter, which matches every row.
func ParseFilter(expr string) (*Filter, error) {
	if expr == "" {
		return nil, nil
	}

	m := filterRegex.FindStringSubmatch(expr)
	if len(m) != 4 {
		return nil, fmt.Errorf("invalid filter format: %s (expected: column=operator.value)", expr)
	}

	return &Filter{Column: m[1], Operator: m[2], Value: m[3]}, nil
}

// Matches reports whether the row satisfies the predicate.
// A nil filter matches everything; a missing column never matches.
func (f *Filter) Matches(row map[string]interface{}) bool {
	if f == nil {
		return true
	}

	value, ok := row[f.Column]
	if !ok {
		return false
	}

	switch f.Operator {
	case "eq":
		return fmt.Sprint(value) == f.Value
	case "neq":
		return fmt.Sprint(value) != f.Value
	case "gt":
		return compareValue(value, f.Value) > 0
	case "gte":
		return compareValue(value, f.Value) >= 0
	case "lt":
		return compareValue(value, f.Value) < 0
	case "lte":
		return compareValue(value, f.Value) <= 0
	case "is":
		return matchesIs(value, f.Value)
	case "in":
		return matchesIn(value, f.Value)
	case "like":
		return matchesLike(value, f.Value, false)
	case "ilike":
		return matchesLike(value, f.Value, true)
	default:
		return false
	}
}

// String returns the filter in wire format
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.Column + "=" + f.Operator + "." + f.Value
}

func matchesIs(value interface{}, want string) bool {
	switch strings.ToLower(want) {
	case "null":
		return value == nil
	case "true", "false":
		if b, ok := value.(bool); ok {
			return strconv.FormatBool(b) == strings.ToLower(want)
		}
		return fmt.Sprint(value) == strings.ToLower(want)
	default:
		return false
	}
}

// matchesIn checks list membership; the list is written (a,b,c)
func matchesIn(value interface{}, list string) bool {
	list = strings.Trim(list, "()")
	if list == "" {
		return false
	}

	s := fmt.Sprint(value)
	for _, item := range strings.Split(list, ",") {
		if strings.TrimSpace(item) == s {
			return true
		}
	}
	return false
}

// matchesLike treats * as the wildcard, as the realtime filter syntax does
func matchesLike(value interface{}, pattern string, caseInsensitive bool) bool {
	s := fmt.Sprint(value)
	if caseInsensitive {
		s = strings.ToLower(s)
		pattern = strings.ToLower(pattern)
	}

	expr := "^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*") + "$"
	matched, err := regexp.MatchString(expr, s)
	return err == nil && matched
}

// compareValue returns -1, 0 or 1. Numeric comparison is used when the
// filter value is a number; otherwise values compare as strings.
func compareValue(value interface{}, want string) int {
	wantNum, err := strconv.ParseFloat(want, 64)
	if err != nil {
		return strings.Compare(fmt.Sprint(value), want)
	}

	var got float64
	switch v := value.(type) {
	case float64:
		got = v
	case float32:
		got = float64(v)
	case int:
		got = float64(v)
	case int32:
		got = float64(v)
	case int64:
		got = float64(v)
	case string:
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
		got = n
	default:
		return 0
	}

	switch {
	case got < wantNum:
		return -1
	case got > wantNum:
		return 1
	default:
		return 0
	}
}

// PostgresChangeFilter selects CDC notifications by schema, table and an
// optional column predicate. An empty or "*" table matches any table.
// Event kind is not part of the filter; callbacks are keyed by event.
type PostgresChangeFilter struct {
	Schema string
	Table  string
	Filter string
}

// ChangeMatcher is a compiled PostgresChangeFilter
type ChangeMatcher struct {
	schema    string
	table     string
	predicate *Filter
}

// Compile parses the column predicate once so matching is allocation free
func (f PostgresChangeFilter) Compile() (*ChangeMatcher, error) {
	predicate, err := ParseFilter(f.Filter)
	if err != nil {
		return nil, err
	}
	return &ChangeMatcher{
		schema:    f.Schema,
		table:     f.Table,
		predicate: predicate,
	}, nil
}

// Matches compiles the filter and checks the change. An invalid predicate
// never matches.
func (f PostgresChangeFilter) Matches(change *PostgresChangeData) bool {
	m, err := f.Compile()
	if err != nil {
		return false
	}
	return m.Matches(change)
}

// Matches reports whether the change belongs to the filtered schema and
// table and satisfies the column predicate. Deletes are checked against the
// old record since they carry no new one.
func (m *ChangeMatcher) Matches(change *PostgresChangeData) bool {
	if change == nil {
		return false
	}
	if change.Schema != m.schema {
		return false
	}
	if !isWildcardTable(m.table) && change.Table != m.table {
		return false
	}
	if m.predicate == nil {
		return true
	}

	row := change.Record
	if change.Type == PostgresChangesDelete || len(row) == 0 {
		row = change.OldRecord
	}
	return m.predicate.Matches(row)
}

func isWildcardTable(table string) bool {
	return table == "" || table == "*"
}
