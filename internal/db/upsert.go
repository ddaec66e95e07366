package db

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Upsert is a single-row INSERT ... ON CONFLICT statement.
type Upsert struct {
	// Table may be schema-qualified ("public.search_results").
	Table   string
	Columns []string
	// Key is the unique constraint the conflict is detected on.
	Key []string
	// Update lists the columns rewritten on conflict. Nil means every
	// column outside Key; an empty non-nil slice means DO NOTHING.
	Update []string
	// Newer, when set, names a column that must not go backwards for a
	// conflicting row to be overwritten. Older writes are dropped.
	Newer string
}

// SQL renders the statement with one positional parameter per column.
func (u Upsert) SQL() (string, error) {
	switch {
	case len(u.Columns) == 0:
		return "", eris.New("db: upsert: no columns specified")
	case len(u.Key) == 0:
		return "", eris.New("db: upsert: no conflict keys specified")
	case u.Newer != "" && !slices.Contains(u.Columns, u.Newer):
		return "", eris.Errorf("db: upsert: newer column %q is not inserted", u.Newer)
	}

	var b strings.Builder
	table := quoteTable(u.Table)
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (", table, quoteAll(u.Columns))
	for i := range u.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", i+1)
	}
	fmt.Fprintf(&b, ") ON CONFLICT (%s) ", quoteAll(u.Key))

	update := u.updateColumns()
	if len(update) == 0 {
		b.WriteString("DO NOTHING")
		return b.String(), nil
	}

	b.WriteString("DO UPDATE SET ")
	for i, col := range update {
		if i > 0 {
			b.WriteString(", ")
		}
		id := quote(col)
		fmt.Fprintf(&b, "%s = EXCLUDED.%s", id, id)
	}
	if u.Newer != "" {
		id := quote(u.Newer)
		fmt.Fprintf(&b, " WHERE %s.%s <= EXCLUDED.%s", table, id, id)
	}
	return b.String(), nil
}

func (u Upsert) updateColumns() []string {
	if u.Update != nil {
		return u.Update
	}
	var cols []string
	for _, c := range u.Columns {
		if !slices.Contains(u.Key, c) {
			cols = append(cols, c)
		}
	}
	return cols
}

// Exec writes one row. values line up with Columns. It reports whether a
// row was inserted or updated.
func (u Upsert) Exec(ctx context.Context, pool Pool, values ...any) (bool, error) {
	if len(values) != len(u.Columns) {
		return false, eris.Errorf("db: upsert %s: %d values for %d columns", u.Table, len(values), len(u.Columns))
	}
	query, err := u.SQL()
	if err != nil {
		return false, err
	}
	tag, err := pool.Exec(ctx, query, values...)
	if err != nil {
		return false, eris.Wrapf(err, "db: upsert %s", u.Table)
	}
	return tag.RowsAffected() > 0, nil
}

func quoteTable(table string) string {
	return pgx.Identifier(strings.SplitN(table, ".", 2)).Sanitize()
}

func quote(col string) string {
	return pgx.Identifier{col}.Sanitize()
}

func quoteAll(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quote(c)
	}
	return strings.Join(quoted, ", ")
}
