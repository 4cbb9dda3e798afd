package dataframe

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// FromRecords builds a string frame from a header and data rows as read from
// CSV or a spreadsheet. Empty cells become null. Short rows are padded.
func FromRecords(header []string, records [][]string) (*Frame, error) {
	names := make([]string, len(header))
	for i, h := range header {
		names[i] = strings.TrimSpace(h)
		if err := ValidColumnName(names[i]); err != nil {
			return nil, err
		}
	}
	columns := make([]*Series, len(names))
	for i, n := range names {
		columns[i] = &Series{Name: n, Type: String, Values: make([]any, 0, len(records))}
	}
	for r, rec := range records {
		if len(rec) > len(names) {
			for _, extra := range rec[len(names):] {
				if strings.TrimSpace(extra) != "" {
					return nil, fmt.Errorf("row %d has %d fields, header has %d", r+1, len(rec), len(names))
				}
			}
		}
		for i := range names {
			var v any
			if i < len(rec) && rec[i] != "" {
				v = rec[i]
			}
			columns[i].Values = append(columns[i].Values, v)
		}
	}
	return New(columns...)
}

// ValidColumnName checks that a name can be used as a column, a formula
// field and a template variable.
func ValidColumnName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("column name must not be empty")
	}
	if name != strings.TrimSpace(name) {
		return fmt.Errorf("column name %q has leading or trailing spaces", name)
	}
	if len(name) > 63 {
		return fmt.Errorf("column name %q is longer than 63 characters", name)
	}
	if strings.HasPrefix(name, "__") {
		return fmt.Errorf("column name %q must not start with __", name)
	}
	for _, r := range name {
		if strings.ContainsRune("\"'`{}%\\?", r) || unicode.IsControl(r) {
			return fmt.Errorf("column name %q contains the character %q", name, r)
		}
	}
	return nil
}

// Normalize applies the post-processing every source goes through: string
// columns are trimmed and then typed as boolean, integer, double or datetime
// when every non-null value converts; typed columns are brought into the
// canonical cell representation. Datetimes end up in UTC.
func Normalize(f *Frame, loc *time.Location) (*Frame, error) {
	if loc == nil {
		loc = time.UTC
	}
	for _, c := range f.columns {
		if c.Type == String || c.Type == "" {
			inferSeries(c, loc)
			continue
		}
		for i, v := range c.Values {
			cv, err := Coerce(v, c.Type, loc)
			if err != nil {
				return nil, fmt.Errorf("column %q row %d: %w", c.Name, i+1, err)
			}
			c.Values[i] = cv
		}
	}
	return f, nil
}

func inferSeries(c *Series, loc *time.Location) {
	c.Type = String
	nonNull := 0
	for i, v := range c.Values {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			s = Format(v, loc)
		}
		s = strings.TrimSpace(s)
		c.Values[i] = s
		nonNull++
	}
	if nonNull == 0 {
		return
	}

	if converted, ok := convertAll(c.Values, func(s string) (any, bool) {
		b, ok := ParseBool(s)
		return b, ok
	}); ok {
		c.Type, c.Values = Boolean, converted
		return
	}
	if converted, ok := convertAll(c.Values, func(s string) (any, bool) {
		n, err := strconv.ParseInt(s, 10, 64)
		return n, err == nil
	}); ok {
		c.Type, c.Values = Integer, converted
		return
	}
	if converted, ok := convertAll(c.Values, func(s string) (any, bool) {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, false
		}
		return f, true
	}); ok {
		c.Type, c.Values = Double, converted
		return
	}
	if converted, ok := convertAll(c.Values, func(s string) (any, bool) {
		return ParseDatetime(s, loc)
	}); ok {
		c.Type, c.Values = Datetime, converted
	}
}

// convertAll is all-or-nothing: either every non-null value converts or the
// input is returned untouched.
func convertAll(values []any, conv func(string) (any, bool)) ([]any, bool) {
	out := make([]any, len(values))
	for i, v := range values {
		if v == nil {
			continue
		}
		s := v.(string)
		if s == "" {
			return nil, false
		}
		cv, ok := conv(s)
		if !ok {
			return nil, false
		}
		out[i] = cv
	}
	return out, true
}

// KeyColumns lists the names of the columns that qualify as keys.
func KeyColumns(f *Frame) []string {
	var keys []string
	for _, c := range f.columns {
		if c.IsUnique() {
			keys = append(keys, c.Name)
		}
	}
	return keys
}
