// Package table stores workflow rows in one physical table per workflow.
//
// Every table carries an internal row number column that fixes the row
// order. Data columns map one to one onto workflow columns.
package table

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"ontask/pkg/dataframe"
	"ontask/pkg/db/dialect"
	"ontask/pkg/formula"
)

// RowColumn is the internal ordering column.
const RowColumn = "__ontask_row"

// maxParams bounds the placeholders of one INSERT statement.
const maxParams = 900

type Column struct {
	Name string
	Type dataframe.Type
}

// ColumnsOf lists the columns of a frame.
func ColumnsOf(f *dataframe.Frame) []Column {
	out := make([]Column, 0, f.NCols())
	for _, s := range f.Columns() {
		out = append(out, Column{Name: s.Name, Type: s.Type})
	}
	return out
}

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithDB returns a store bound to db, typically a transaction.
func (s *Store) WithDB(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Dialect() dialect.Dialect { return dialect.Of(s.db) }

func (s *Store) q(name string) string { return s.Dialect().Quote(name) }

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	if s == nil || s.db == nil {
		return gorm.ErrInvalidDB
	}
	return s.db.WithContext(ctx).Exec(query, args...).Error
}

func (s *Store) Exists(ctx context.Context, table string) bool {
	if s == nil || s.db == nil {
		return false
	}
	return s.db.WithContext(ctx).Migrator().HasTable(table)
}

func (s *Store) createSQL(table string, cols []Column) string {
	d := s.Dialect()
	defs := []string{d.Quote(RowColumn) + " BIGINT NOT NULL"}
	for _, c := range cols {
		defs = append(defs, d.Quote(c.Name)+" "+d.ColumnType(string(c.Type)))
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", d.Quote(table), strings.Join(defs, ", "))
}

func (s *Store) Create(ctx context.Context, table string, cols []Column) error {
	return s.exec(ctx, s.createSQL(table, cols))
}

func (s *Store) Drop(ctx context.Context, table string) error {
	return s.exec(ctx, "DROP TABLE IF EXISTS "+s.q(table))
}

func (s *Store) insert(ctx context.Context, table string, f *dataframe.Frame) error {
	if f.NRows() == 0 {
		return nil
	}
	names := []string{s.q(RowColumn)}
	for _, c := range f.Columns() {
		names = append(names, s.q(c.Name))
	}
	width := len(names)
	batch := maxParams / width
	if batch < 1 {
		batch = 1
	}
	tuple := "(" + strings.TrimSuffix(strings.Repeat("?, ", width), ", ") + ")"
	prefix := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", s.q(table), strings.Join(names, ", "))

	cols := f.Columns()
	for start := 0; start < f.NRows(); start += batch {
		end := start + batch
		if end > f.NRows() {
			end = f.NRows()
		}
		tuples := make([]string, 0, end-start)
		args := make([]any, 0, (end-start)*width)
		for i := start; i < end; i++ {
			tuples = append(tuples, tuple)
			args = append(args, int64(i+1))
			for _, c := range cols {
				args = append(args, c.Values[i])
			}
		}
		if err := s.exec(ctx, prefix+strings.Join(tuples, ", "), args...); err != nil {
			return err
		}
	}
	return nil
}

// Replace rewrites table with the contents of f. The rows are written into
// a staging table first and swapped in with renames, so readers see either
// the old or the new table. A failure leaves the live table untouched.
func (s *Store) Replace(ctx context.Context, table string, f *dataframe.Frame) error {
	if s == nil || s.db == nil {
		return gorm.ErrInvalidDB
	}
	staging := table + "_staging"
	retired := table + "_retired"
	cols := ColumnsOf(f)
	start := time.Now()

	if s.Dialect() == dialect.MySQL {
		// DDL is not transactional on MySQL. RENAME TABLE with several pairs is atomic.
		if err := s.Drop(ctx, staging); err != nil {
			return err
		}
		if err := s.Create(ctx, staging, cols); err != nil {
			return err
		}
		if err := s.insert(ctx, staging, f); err != nil {
			_ = s.Drop(ctx, staging)
			return err
		}
		swap := fmt.Sprintf("RENAME TABLE %s TO %s", s.q(staging), s.q(table))
		if s.Exists(ctx, table) {
			swap = fmt.Sprintf("RENAME TABLE %s TO %s, %s TO %s", s.q(table), s.q(retired), s.q(staging), s.q(table))
		}
		if err := s.exec(ctx, swap); err != nil {
			_ = s.Drop(ctx, staging)
			return err
		}
		return s.Drop(ctx, retired)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ts := s.WithDB(tx)
		if err := ts.Drop(ctx, staging); err != nil {
			return err
		}
		if err := ts.Create(ctx, staging, cols); err != nil {
			return err
		}
		if err := ts.insert(ctx, staging, f); err != nil {
			return err
		}
		if err := ts.Drop(ctx, table); err != nil {
			return err
		}
		return ts.exec(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", ts.q(staging), ts.q(table)))
	})
	if err != nil {
		return err
	}
	zap.L().Debug("[Table] replaced", zap.String("table", table),
		zap.Int("rows", f.NRows()), zap.Int("cols", f.NCols()), zap.Duration("took", time.Since(start)))
	return nil
}

// Clone copies src into a new table dst.
func (s *Store) Clone(ctx context.Context, src, dst string, cols []Column) error {
	f, err := s.Load(ctx, src, cols, formula.SQL{})
	if err != nil {
		return err
	}
	return s.Replace(ctx, dst, f)
}

func (s *Store) where(where formula.SQL) string {
	if where.Empty() {
		return ""
	}
	return " WHERE " + where.Clause
}

// Load reads the rows matching where, in row order.
func (s *Store) Load(ctx context.Context, table string, cols []Column, where formula.SQL) (*dataframe.Frame, error) {
	if s == nil || s.db == nil {
		return nil, gorm.ErrInvalidDB
	}
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = s.q(c.Name)
	}
	series := make([]*dataframe.Series, len(cols))
	for i, c := range cols {
		series[i] = dataframe.NewSeries(c.Name, c.Type)
	}
	if len(cols) == 0 {
		return dataframe.New()
	}

	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s",
		strings.Join(names, ", "), s.q(table), s.where(where), s.q(RowColumn))
	rows, err := s.db.WithContext(ctx).Raw(query, where.Args...).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if err := scanInto(rows, cols, series); err != nil {
		return nil, err
	}
	return dataframe.New(series...)
}

func scanInto(rows *sql.Rows, cols []Column, series []*dataframe.Series) error {
	raw := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		for i, c := range cols {
			v, err := dataframe.Coerce(raw[i], c.Type, time.UTC)
			if err != nil {
				return fmt.Errorf("column %q: %w", c.Name, err)
			}
			series[i].Values = append(series[i].Values, v)
		}
	}
	return rows.Err()
}

// Count returns the number of rows matching where.
func (s *Store) Count(ctx context.Context, table string, where formula.SQL) (int64, error) {
	if s == nil || s.db == nil {
		return 0, gorm.ErrInvalidDB
	}
	var n int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s%s", s.q(table), s.where(where))
	if err := s.db.WithContext(ctx).Raw(query, where.Args...).Row().Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// AddColumn appends a column, filling it with initial when it is not nil.
func (s *Store) AddColumn(ctx context.Context, table string, col Column, initial any) error {
	d := s.Dialect()
	if err := s.exec(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
		d.Quote(table), d.Quote(col.Name), d.ColumnType(string(col.Type)))); err != nil {
		return err
	}
	if initial == nil {
		return nil
	}
	return s.exec(ctx, fmt.Sprintf("UPDATE %s SET %s = ?", d.Quote(table), d.Quote(col.Name)), initial)
}

func (s *Store) DropColumn(ctx context.Context, table, name string) error {
	return s.exec(ctx, fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", s.q(table), s.q(name)))
}

func (s *Store) RenameColumn(ctx context.Context, table, oldName, newName string) error {
	return s.exec(ctx, fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s", s.q(table), s.q(oldName), s.q(newName)))
}

// UpdateRow sets values on the row whose keyCol equals keyVal.
func (s *Store) UpdateRow(ctx context.Context, table, keyCol string, keyVal any, values map[string]any, order []string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, gorm.ErrInvalidDB
	}
	if len(order) == 0 {
		return 0, nil
	}
	sets := make([]string, 0, len(order))
	args := make([]any, 0, len(order)+1)
	for _, name := range order {
		sets = append(sets, s.q(name)+" = ?")
		args = append(args, values[name])
	}
	args = append(args, keyVal)
	res := s.db.WithContext(ctx).Exec(fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
		s.q(table), strings.Join(sets, ", "), s.q(keyCol)), args...)
	return res.RowsAffected, res.Error
}

// Increment adds one to col on the rows where matchCol equals matchVal.
func (s *Store) Increment(ctx context.Context, table, col, matchCol string, matchVal any) (int64, error) {
	if s == nil || s.db == nil {
		return 0, gorm.ErrInvalidDB
	}
	res := s.db.WithContext(ctx).Exec(fmt.Sprintf("UPDATE %s SET %s = COALESCE(%s, 0) + 1 WHERE %s = ?",
		s.q(table), s.q(col), s.q(col), s.q(matchCol)), matchVal)
	return res.RowsAffected, res.Error
}

// Distinct returns the distinct non-null values of a column, ordered.
func (s *Store) Distinct(ctx context.Context, table string, col Column) ([]any, error) {
	if s == nil || s.db == nil {
		return nil, gorm.ErrInvalidDB
	}
	q := s.q(col.Name)
	rows, err := s.db.WithContext(ctx).Raw(fmt.Sprintf("SELECT DISTINCT %s FROM %s WHERE %s IS NOT NULL ORDER BY %s",
		q, s.q(table), q, q)).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	series := []*dataframe.Series{dataframe.NewSeries(col.Name, col.Type)}
	if err := scanInto(rows, []Column{col}, series); err != nil {
		return nil, err
	}
	return series[0].Values, nil
}
