package formula

import (
	"strings"

	"ontask/pkg/db/dialect"
)

// SQL is a WHERE fragment with its positional arguments.
type SQL struct {
	Clause string
	Args   []any
}

func (s SQL) Empty() bool { return s.Clause == "" }

// And joins two fragments. An empty fragment is neutral.
func (s SQL) And(o SQL) SQL {
	switch {
	case s.Empty():
		return o
	case o.Empty():
		return s
	}
	return SQL{
		Clause: "(" + s.Clause + ") AND (" + o.Clause + ")",
		Args:   append(append([]any{}, s.Args...), o.Args...),
	}
}

// ToSQL renders e as a WHERE fragment. Every comparison is guarded with
// IS NOT NULL so each rule is either true or false, which keeps NOT in line
// with Eval. A nil expression renders as an empty fragment.
func ToSQL(e Expr, d dialect.Dialect) SQL {
	if e == nil {
		return SQL{}
	}
	b := &sqlBuilder{d: d}
	b.expr(e)
	return SQL{Clause: b.sb.String(), Args: b.args}
}

type sqlBuilder struct {
	d    dialect.Dialect
	sb   strings.Builder
	args []any
}

func (b *sqlBuilder) expr(e Expr) {
	switch x := e.(type) {
	case And:
		b.group(x, " AND ", "1 = 1")
	case Or:
		b.group(x, " OR ", "1 = 0")
	case Not:
		if grouped(x.X) {
			b.sb.WriteString("NOT ")
			b.expr(x.X)
			return
		}
		b.sb.WriteString("NOT (")
		b.expr(x.X)
		b.sb.WriteString(")")
	case Cmp:
		b.cmp(x)
	}
}

// grouped reports whether e is written with its own parentheses.
func grouped(e Expr) bool {
	switch x := e.(type) {
	case And:
		return len(x) > 0
	case Or:
		return len(x) > 0
	}
	return false
}

func (b *sqlBuilder) group(parts []Expr, sep, empty string) {
	if len(parts) == 0 {
		b.sb.WriteString(empty)
		return
	}
	b.sb.WriteString("(")
	for i, p := range parts {
		if i > 0 {
			b.sb.WriteString(sep)
		}
		b.expr(p)
	}
	b.sb.WriteString(")")
}

func (b *sqlBuilder) cmp(c Cmp) {
	col := b.d.Quote(c.Field)
	w := &b.sb
	switch c.Op {
	case IsNull:
		w.WriteString(col + " IS NULL")
		return
	case IsNotNull:
		w.WriteString(col + " IS NOT NULL")
		return
	case IsEmpty:
		w.WriteString("(" + col + " IS NULL OR " + col + " = '')")
		return
	case IsNotEmpty:
		w.WriteString("(" + col + " IS NOT NULL AND " + col + " <> '')")
		return
	}

	w.WriteString("(" + col + " IS NOT NULL AND ")
	lhs := col
	if b.d == dialect.MySQL && c.Type == "string" {
		lhs = "BINARY " + col
	}
	switch c.Op {
	case Equal:
		w.WriteString(lhs + " = ?")
		b.args = append(b.args, c.Value)
	case NotEqual:
		w.WriteString(lhs + " <> ?")
		b.args = append(b.args, c.Value)
	case Less:
		w.WriteString(col + " < ?")
		b.args = append(b.args, c.Value)
	case LessOrEqual:
		w.WriteString(col + " <= ?")
		b.args = append(b.args, c.Value)
	case Greater:
		w.WriteString(col + " > ?")
		b.args = append(b.args, c.Value)
	case GreaterOrEqual:
		w.WriteString(col + " >= ?")
		b.args = append(b.args, c.Value)
	case Between:
		w.WriteString(col + " BETWEEN ? AND ?")
		b.args = append(b.args, c.Value, c.Upper)
	case NotBetween:
		w.WriteString(col + " NOT BETWEEN ? AND ?")
		b.args = append(b.args, c.Value, c.Upper)
	case BeginsWith, NotBeginsWith, Contains, NotContains, EndsWith, NotEndsWith:
		pat := dialect.EscapeLike(c.Value.(string))
		switch c.Op {
		case BeginsWith, NotBeginsWith:
			pat += "%"
		case Contains, NotContains:
			pat = "%" + pat + "%"
		default:
			pat = "%" + pat
		}
		not := c.Op == NotBeginsWith || c.Op == NotContains || c.Op == NotEndsWith
		w.WriteString(col + " " + b.d.Like(not) + " ? " + b.d.Escape())
		b.args = append(b.args, pat)
	default:
		w.WriteString("1 = 0")
	}
	w.WriteString(")")
}
