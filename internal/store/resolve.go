package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/space-swarm/space/internal/errs"
)

// TableSpec registers one table's resolver adapter: its name, id column,
// and optional alternate key (handle/name) used by Resolve for agents and
// projects. A small per-table adapter, no reflection.
type TableSpec struct {
	Table  string
	IDCol  string
	AltKey string // "" if the table has no alternate key
}

// Resolve accepts a full uuid, an 8+-hex prefix, or (when AltKey is set) an
// exact alternate-key match, and returns the full id of the unique match.
// It fails with errs.AmbiguousReference when a prefix matches more than one
// row and none matches exactly.
func (s *Store) Resolve(spec TableSpec, ref string) (string, error) {
	if ref == "" {
		return "", errs.Validationf("empty reference")
	}

	// Exact id match first (covers both full uuid and the rare exact
	// 8-hex-prefix-that-happens-to-be-the-whole-id case).
	var id string
	exactQuery := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", spec.IDCol, spec.Table, spec.IDCol)
	if err := s.db.QueryRow(exactQuery, ref).Scan(&id); err == nil {
		return id, nil
	} else if err != sql.ErrNoRows {
		return "", fmt.Errorf("resolve %s by id: %w", spec.Table, err)
	}

	// Alternate key exact match (handle/name).
	if spec.AltKey != "" {
		altQuery := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", spec.IDCol, spec.Table, spec.AltKey)
		if err := s.db.QueryRow(altQuery, ref).Scan(&id); err == nil {
			return id, nil
		} else if err != sql.ErrNoRows {
			return "", fmt.Errorf("resolve %s by %s: %w", spec.Table, spec.AltKey, err)
		}
	}

	// Prefix match.
	prefixQuery := fmt.Sprintf("SELECT %s FROM %s WHERE %s LIKE ? ORDER BY %s LIMIT 10", spec.IDCol, spec.Table, spec.IDCol, spec.IDCol)
	rows, err := s.db.Query(prefixQuery, ref+"%")
	if err != nil {
		return "", fmt.Errorf("resolve %s by prefix: %w", spec.Table, err)
	}
	defer rows.Close()

	var matches []string
	for rows.Next() {
		var candidate string
		if err := rows.Scan(&candidate); err != nil {
			return "", fmt.Errorf("scan %s prefix match: %w", spec.Table, err)
		}
		matches = append(matches, candidate)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	switch len(matches) {
	case 0:
		return "", errs.NotFoundf("no %s matches %q", spec.Table, ref)
	case 1:
		return matches[0], nil
	default:
		return "", errs.NewAmbiguous(ref, len(matches), matches)
	}
}

// Q starts a query-builder chain against table.
func (s *Store) Q(table string) *QueryBuilder {
	return &QueryBuilder{store: s, table: table}
}

// QueryBuilder offers mechanical filter composition over a single table.
type QueryBuilder struct {
	store   *Store
	table   string
	wheres  []string
	args    []interface{}
	orderBy string
	limitN  int
}

// Where adds "col op ?" with the given value.
func (q *QueryBuilder) Where(expr string, arg interface{}) *QueryBuilder {
	q.wheres = append(q.wheres, expr)
	q.args = append(q.args, arg)
	return q
}

// WhereRaw adds a clause with no placeholder, e.g. "deleted_at IS NULL".
func (q *QueryBuilder) WhereRaw(expr string) *QueryBuilder {
	q.wheres = append(q.wheres, expr)
	return q
}

// WhereIf adds the clause only when value is non-nil, a no-op for optional
// filters left unset.
func (q *QueryBuilder) WhereIf(expr string, value interface{}) *QueryBuilder {
	if value == nil {
		return q
	}
	return q.Where(expr, value)
}

// WhereIn adds "col IN (?, ?, ...)" for the given values.
func (q *QueryBuilder) WhereIn(col string, values []string) *QueryBuilder {
	if len(values) == 0 {
		return q
	}
	placeholders := make([]string, len(values))
	for i, v := range values {
		placeholders[i] = "?"
		q.args = append(q.args, v)
	}
	q.wheres = append(q.wheres, fmt.Sprintf("%s IN (%s)", col, strings.Join(placeholders, ", ")))
	return q
}

// NotDeleted excludes soft-deleted rows unless includeDeleted is true.
func (q *QueryBuilder) NotDeleted(includeDeleted bool) *QueryBuilder {
	if !includeDeleted {
		q.wheres = append(q.wheres, "deleted_at IS NULL")
	}
	return q
}

// NotArchived excludes archived rows unless includeArchived is true.
func (q *QueryBuilder) NotArchived(includeArchived bool) *QueryBuilder {
	if !includeArchived {
		q.wheres = append(q.wheres, "archived_at IS NULL")
	}
	return q
}

// Order sets the ORDER BY clause verbatim (caller-controlled, never
// user-supplied).
func (q *QueryBuilder) Order(clause string) *QueryBuilder {
	q.orderBy = clause
	return q
}

// Limit caps the result count.
func (q *QueryBuilder) Limit(n int) *QueryBuilder {
	q.limitN = n
	return q
}

// Build renders the SELECT statement and argument list for columns.
func (q *QueryBuilder) Build(columns string) (string, []interface{}) {
	query := fmt.Sprintf("SELECT %s FROM %s", columns, q.table)
	if len(q.wheres) > 0 {
		query += " WHERE " + strings.Join(q.wheres, " AND ")
	}
	if q.orderBy != "" {
		query += " ORDER BY " + q.orderBy
	}
	if q.limitN > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.limitN)
	}
	return query, q.args
}

// Fetch runs the built query and hands each *sql.Rows cursor to scan.
func (q *QueryBuilder) Fetch(columns string, scan func(*sql.Rows) error) error {
	query, args := q.Build(columns)
	rows, err := q.store.db.Query(query, args...)
	if err != nil {
		return fmt.Errorf("query %s: %w", q.table, err)
	}
	defer rows.Close()

	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}
