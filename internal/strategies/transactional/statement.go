package transactional

import (
	"context"
	"database/sql"
	"regexp"
	"strings"

	"github.com/xwb1989/sqlparser"

	"github.com/tributary-ai/query-router/internal/types"
)

// execer is satisfied by both *sql.Conn and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

var returningClause = regexp.MustCompile(`(?i)\breturning\b`)

// returnsRows decides between QueryContext and ExecContext
func returnsRows(query string) bool {
	switch sqlparser.Preview(query) {
	case sqlparser.StmtSelect, sqlparser.StmtShow:
		return true
	case sqlparser.StmtInsert, sqlparser.StmtReplace, sqlparser.StmtUpdate, sqlparser.StmtDelete:
		return returningClause.MatchString(query)
	}

	first := strings.ToLower(strings.TrimSpace(query))
	if i := strings.IndexFunc(first, func(r rune) bool { return r == ' ' || r == '\n' || r == '\t' || r == '(' }); i > 0 {
		first = first[:i]
	}
	switch first {
	case "with", "values", "explain":
		return true
	case "pragma":
		// PRAGMA name = value is a setter, PRAGMA name(arg) and PRAGMA name read
		return !strings.Contains(query, "=")
	}
	return returningClause.MatchString(query)
}

func runStatement(ctx context.Context, db execer, query string, args []interface{}) (*types.ExecutionResult, error) {
	if returnsRows(query) {
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		return scanRows(rows)
	}

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		affected = 0
	}
	return &types.ExecutionResult{Success: true, RowCount: affected}, nil
}

func scanRows(rows *sql.Rows) (*types.ExecutionResult, error) {
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := &types.ExecutionResult{Success: true, Columns: columns, Rows: [][]interface{}{}}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		out.Rows = append(out.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out.RowCount = int64(len(out.Rows))
	return out, nil
}
