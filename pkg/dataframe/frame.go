// Package dataframe is the in-memory table every source is read into before
// it is merged into a workflow. Cells hold nil, string, int64, float64, bool
// or a UTC time.Time.
package dataframe

import (
	"fmt"
	"strings"
)

type Type string

const (
	String   Type = "string"
	Integer  Type = "integer"
	Double   Type = "double"
	Boolean  Type = "boolean"
	Datetime Type = "datetime"
)

// Types lists the data types in the order they are offered to users.
var Types = []Type{String, Integer, Double, Boolean, Datetime}

func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case String, Integer, Double, Boolean, Datetime:
		return t, nil
	}
	return "", fmt.Errorf("unknown data type %q", s)
}

func (t Type) Numeric() bool {
	return t == Integer || t == Double
}

type Series struct {
	Name   string
	Type   Type
	Values []any
}

func NewSeries(name string, t Type, values ...any) *Series {
	return &Series{Name: name, Type: t, Values: values}
}

func (s *Series) Len() int { return len(s.Values) }

func (s *Series) Clone() *Series {
	values := make([]any, len(s.Values))
	copy(values, s.Values)
	return &Series{Name: s.Name, Type: s.Type, Values: values}
}

// NonNull returns the values that are not nil, in order.
func (s *Series) NonNull() []any {
	out := make([]any, 0, len(s.Values))
	for _, v := range s.Values {
		if v != nil {
			out = append(out, v)
		}
	}
	return out
}

// IsUnique reports whether the series can act as a key: no nulls and all
// values distinct.
func (s *Series) IsUnique() bool {
	if len(s.Values) == 0 {
		return false
	}
	seen := make(map[string]struct{}, len(s.Values))
	for _, v := range s.Values {
		if v == nil {
			return false
		}
		k := KeyOf(v)
		if _, ok := seen[k]; ok {
			return false
		}
		seen[k] = struct{}{}
	}
	return true
}

// Distinct returns the distinct non-null values in first-seen order.
func (s *Series) Distinct() []any {
	seen := map[string]struct{}{}
	out := []any{}
	for _, v := range s.Values {
		if v == nil {
			continue
		}
		k := KeyOf(v)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, v)
	}
	return out
}

type Frame struct {
	columns []*Series
	index   map[string]int
	nrows   int
}

// New builds a frame from series of equal length with distinct names.
func New(columns ...*Series) (*Frame, error) {
	f := &Frame{index: map[string]int{}}
	for _, c := range columns {
		if err := f.Add(c); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Empty returns a frame with no columns and no rows.
func Empty() *Frame {
	return &Frame{index: map[string]int{}}
}

func (f *Frame) NRows() int { return f.nrows }

func (f *Frame) NCols() int { return len(f.columns) }

func (f *Frame) IsEmpty() bool { return f == nil || len(f.columns) == 0 }

func (f *Frame) Names() []string {
	names := make([]string, len(f.columns))
	for i, c := range f.columns {
		names[i] = c.Name
	}
	return names
}

func (f *Frame) Columns() []*Series { return f.columns }

func (f *Frame) Has(name string) bool {
	_, ok := f.index[name]
	return ok
}

func (f *Frame) Column(name string) *Series {
	if i, ok := f.index[name]; ok {
		return f.columns[i]
	}
	return nil
}

func (f *Frame) Add(s *Series) error {
	if s == nil {
		return fmt.Errorf("nil series")
	}
	if _, ok := f.index[s.Name]; ok {
		return fmt.Errorf("duplicate column %q", s.Name)
	}
	if len(f.columns) > 0 && s.Len() != f.nrows {
		return fmt.Errorf("column %q has %d values, frame has %d rows", s.Name, s.Len(), f.nrows)
	}
	if len(f.columns) == 0 {
		f.nrows = s.Len()
	}
	f.index[s.Name] = len(f.columns)
	f.columns = append(f.columns, s)
	return nil
}

func (f *Frame) Drop(name string) {
	i, ok := f.index[name]
	if !ok {
		return
	}
	f.columns = append(f.columns[:i], f.columns[i+1:]...)
	f.reindex()
	if len(f.columns) == 0 {
		f.nrows = 0
	}
}

func (f *Frame) Rename(oldName, newName string) error {
	i, ok := f.index[oldName]
	if !ok {
		return fmt.Errorf("unknown column %q", oldName)
	}
	if oldName == newName {
		return nil
	}
	if _, clash := f.index[newName]; clash {
		return fmt.Errorf("duplicate column %q", newName)
	}
	f.columns[i].Name = newName
	f.reindex()
	return nil
}

// Select returns a frame sharing the named series, in the given order.
func (f *Frame) Select(names ...string) (*Frame, error) {
	out := Empty()
	for _, n := range names {
		c := f.Column(n)
		if c == nil {
			return nil, fmt.Errorf("unknown column %q", n)
		}
		if err := out.Add(c); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (f *Frame) Row(i int) map[string]any {
	row := make(map[string]any, len(f.columns))
	for _, c := range f.columns {
		row[c.Name] = c.Values[i]
	}
	return row
}

func (f *Frame) Rows() []map[string]any {
	rows := make([]map[string]any, f.nrows)
	for i := range rows {
		rows[i] = f.Row(i)
	}
	return rows
}

// Take returns a deep copy holding only the rows at the given positions.
func (f *Frame) Take(positions []int) *Frame {
	out := Empty()
	for _, c := range f.columns {
		values := make([]any, len(positions))
		for j, p := range positions {
			values[j] = c.Values[p]
		}
		_ = out.Add(&Series{Name: c.Name, Type: c.Type, Values: values})
	}
	if len(f.columns) == 0 {
		out.nrows = 0
	}
	return out
}

func (f *Frame) Clone() *Frame {
	out := Empty()
	for _, c := range f.columns {
		_ = out.Add(c.Clone())
	}
	return out
}

// Types returns column name to type.
func (f *Frame) Types() map[string]Type {
	out := make(map[string]Type, len(f.columns))
	for _, c := range f.columns {
		out[c.Name] = c.Type
	}
	return out
}

// Lookup maps each non-null value of the named column to its row position.
func (f *Frame) Lookup(name string) map[string]int {
	c := f.Column(name)
	if c == nil {
		return nil
	}
	out := make(map[string]int, len(c.Values))
	for i, v := range c.Values {
		if v == nil {
			continue
		}
		out[KeyOf(v)] = i
	}
	return out
}

func (f *Frame) reindex() {
	f.index = make(map[string]int, len(f.columns))
	for i, c := range f.columns {
		f.index[c.Name] = i
	}
}
