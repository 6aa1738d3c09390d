package executor

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	whereKeyword = regexp.MustCompile(`(?i)\bWHERE\b`)
	tailKeyword  = regexp.MustCompile(`(?i)\b(?:RETURNING|ORDER\s+BY|LIMIT)\b`)
	namedParam   = regexp.MustCompile(`:([A-Za-z_][A-Za-z0-9_]*)`)
)

// scopeClause is appended to every eviction stub.
const scopeClause = "locationId = :locationId AND createdOn < :cutoff"

// BuildQuery appends the location filter and the creation cutoff to a
// query stub. A filter already present in the stub is parenthesized so
// that OR conditions cannot escape the scope.
//
//	DELETE FROM orders WHERE status = 'done' OR status = 'void'
//
// becomes
//
//	DELETE FROM orders WHERE (status = 'done' OR status = 'void') AND locationId = :locationId AND createdOn < :cutoff
//
// Trailing RETURNING, ORDER BY and LIMIT clauses stay after the filter.
func BuildQuery(stub string) string {
	stub = strings.TrimRight(strings.TrimSpace(stub), "; \t\n")

	if i := tailStart(stub); i >= 0 {
		tail := strings.TrimSpace(stub[i:])
		return BuildQuery(stub[:i]) + " " + tail
	}

	loc := whereKeyword.FindStringIndex(stub)
	if loc == nil {
		return stub + " WHERE " + scopeClause
	}

	head := strings.TrimRight(stub[:loc[0]], " \t\n")
	cond := strings.TrimSpace(stub[loc[1]:])
	if cond == "" {
		return head + " WHERE " + scopeClause
	}
	return fmt.Sprintf("%s WHERE (%s) AND %s", head, cond, scopeClause)
}

// tailStart returns the offset of the first trailing clause keyword outside
// a string literal, or -1.
func tailStart(stub string) int {
	for _, m := range tailKeyword.FindAllStringIndex(stub, -1) {
		if strings.Count(stub[:m[0]], "'")%2 == 0 {
			return m[0]
		}
	}
	return -1
}

// RenderQuery substitutes named arguments with SQL literals. The result is
// only used for the audit log, never executed.
func RenderQuery(query string, args map[string]any) string {
	return namedParam.ReplaceAllStringFunc(query, func(m string) string {
		v, ok := args[m[1:]]
		if !ok {
			return m
		}
		return literal(v)
	})
}

func literal(v any) string {
	switch x := v.(type) {
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'"
	case time.Time:
		return strconv.FormatInt(x.UnixMilli(), 10)
	case time.Duration:
		return strconv.FormatInt(x.Milliseconds(), 10)
	case nil:
		return "NULL"
	default:
		return fmt.Sprint(x)
	}
}
