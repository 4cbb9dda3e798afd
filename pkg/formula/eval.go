package formula

import (
	"strings"

	"ontask/pkg/dataframe"
)

// Eval evaluates a compiled formula over a row. A nil expression is true.
// A null cell satisfies only is_null and is_empty.
func Eval(e Expr, row map[string]any) bool {
	switch x := e.(type) {
	case nil:
		return true
	case And:
		for _, p := range x {
			if !Eval(p, row) {
				return false
			}
		}
		return true
	case Or:
		for _, p := range x {
			if Eval(p, row) {
				return true
			}
		}
		return false
	case Not:
		return !Eval(x.X, row)
	case Cmp:
		return evalCmp(x, row[x.Field])
	}
	return false
}

func evalCmp(c Cmp, v any) bool {
	switch c.Op {
	case IsNull:
		return v == nil
	case IsNotNull:
		return v != nil
	case IsEmpty:
		if v == nil {
			return true
		}
		s, ok := v.(string)
		return ok && s == ""
	case IsNotEmpty:
		if v == nil {
			return false
		}
		s, ok := v.(string)
		return !ok || s != ""
	}
	if v == nil {
		return false
	}
	if c.Type == dataframe.Double {
		if f, ok := dataframe.ToFloat(v); ok {
			v = f
		}
	}

	switch c.Op {
	case BeginsWith, NotBeginsWith, Contains, NotContains, EndsWith, NotEndsWith:
		s, ok := v.(string)
		if !ok {
			return false
		}
		pat, _ := c.Value.(string)
		var hit bool
		switch c.Op {
		case BeginsWith, NotBeginsWith:
			hit = strings.HasPrefix(s, pat)
		case Contains, NotContains:
			hit = strings.Contains(s, pat)
		default:
			hit = strings.HasSuffix(s, pat)
		}
		if c.Op == NotBeginsWith || c.Op == NotContains || c.Op == NotEndsWith {
			return !hit
		}
		return hit
	case Between, NotBetween:
		lo, okLo := dataframe.Compare(v, c.Value)
		hi, okHi := dataframe.Compare(v, c.Upper)
		if !okLo || !okHi {
			return false
		}
		in := lo >= 0 && hi <= 0
		if c.Op == NotBetween {
			return !in
		}
		return in
	}

	cmp, ok := dataframe.Compare(v, c.Value)
	if !ok {
		return false
	}
	switch c.Op {
	case Equal:
		return cmp == 0
	case NotEqual:
		return cmp != 0
	case Less:
		return cmp < 0
	case LessOrEqual:
		return cmp <= 0
	case Greater:
		return cmp > 0
	case GreaterOrEqual:
		return cmp >= 0
	}
	return false
}

// Select returns the positions of the frame rows that satisfy e.
func Select(e Expr, f *dataframe.Frame) []int {
	var out []int
	for i := 0; i < f.NRows(); i++ {
		if Eval(e, f.Row(i)) {
			out = append(out, i)
		}
	}
	return out
}
