package pool

import (
	"context"
	"fmt"
	"strings"

	coreerrors "tenantgate/internal/core/errors"

	"github.com/jackc/pgx/v5"
)

// TableRef is a schema-qualified table name, always quoted on render
type TableRef struct {
	id pgx.Identifier
}

// Table builds a table reference; an empty schema relies on search_path
func Table(schema, name string) TableRef {
	if schema == "" {
		return TableRef{id: pgx.Identifier{name}}
	}
	return TableRef{id: pgx.Identifier{schema, name}}
}

// SQL renders the quoted name
func (t TableRef) SQL() string {
	return t.id.Sanitize()
}

// Op comparison operator
type Op string

const (
	OpEq    Op = "="
	OpNe    Op = "<>"
	OpLt    Op = "<"
	OpLte   Op = "<="
	OpGt    Op = ">"
	OpGte   Op = ">="
	OpLike  Op = "LIKE"
	OpILike Op = "ILIKE"
)

var validOps = map[Op]bool{
	OpEq: true, OpNe: true, OpLt: true, OpLte: true,
	OpGt: true, OpGte: true, OpLike: true, OpILike: true,
}

type condition struct {
	column string
	op     Op
	value  any
}

type ordering struct {
	column string
	desc   bool
}

// SelectQuery builds SELECT statements. Identifiers are quoted and values
// are always bound as $n parameters.
type SelectQuery struct {
	table   TableRef
	columns []string
	count   bool
	where   []condition
	orderBy []ordering
	limit   int
	offset  int
}

// Select starts a query; no columns means all columns
func Select(table TableRef, columns ...string) *SelectQuery {
	return &SelectQuery{table: table, columns: columns}
}

// Count starts a SELECT count(*) query
func Count(table TableRef) *SelectQuery {
	return &SelectQuery{table: table, count: true}
}

func (q *SelectQuery) Where(column string, op Op, value any) *SelectQuery {
	q.where = append(q.where, condition{column: column, op: op, value: value})
	return q
}

func (q *SelectQuery) OrderBy(column string, desc bool) *SelectQuery {
	q.orderBy = append(q.orderBy, ordering{column: column, desc: desc})
	return q
}

func (q *SelectQuery) Limit(n int) *SelectQuery {
	q.limit = n
	return q
}

func (q *SelectQuery) Offset(n int) *SelectQuery {
	q.offset = n
	return q
}

// Build renders the statement and its arguments
func (q *SelectQuery) Build() (string, []any, error) {
	var b strings.Builder
	b.WriteString("SELECT ")
	switch {
	case q.count:
		b.WriteString("count(*)")
	case len(q.columns) == 0:
		b.WriteString("*")
	default:
		for i, c := range q.columns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(pgx.Identifier{c}.Sanitize())
		}
	}
	b.WriteString(" FROM ")
	b.WriteString(q.table.SQL())

	args := make([]any, 0, len(q.where)+2)
	for i, c := range q.where {
		if !validOps[c.op] {
			return "", nil, coreerrors.Newf(coreerrors.CodeInvalidParam, "unsupported operator %q", c.op)
		}
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		args = append(args, c.value)
		fmt.Fprintf(&b, "%s %s $%d", pgx.Identifier{c.column}.Sanitize(), c.op, len(args))
	}

	for i, o := range q.orderBy {
		if i == 0 {
			b.WriteString(" ORDER BY ")
		} else {
			b.WriteString(", ")
		}
		b.WriteString(pgx.Identifier{o.column}.Sanitize())
		if o.desc {
			b.WriteString(" DESC")
		}
	}

	if q.limit > 0 {
		args = append(args, q.limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	if q.offset > 0 {
		args = append(args, q.offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}
	return b.String(), args, nil
}

// Query runs the statement on conn
func (q *SelectQuery) Query(ctx context.Context, conn *Conn) (pgx.Rows, error) {
	sql, args, err := q.Build()
	if err != nil {
		return nil, err
	}
	return conn.Query(ctx, sql, args...)
}

// Scalar runs a single-value query such as Count
func (q *SelectQuery) Scalar(ctx context.Context, conn *Conn, dest any) error {
	sql, args, err := q.Build()
	if err != nil {
		return err
	}
	return conn.QueryRow(ctx, sql, args...).Scan(dest)
}
