// Package formula implements the rule tree used by filters and conditions.
//
// A Node is the stored JSON form. Compile validates it against a column
// schema and produces an Expr, which is evaluated either over a row (Eval)
// or rendered as a parameterized WHERE clause (ToSQL).
package formula

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ontask/pkg/dataframe"
	"ontask/pkg/errutil"
)

type Operator string

const (
	Equal          Operator = "equal"
	NotEqual       Operator = "not_equal"
	Less           Operator = "less"
	LessOrEqual    Operator = "less_or_equal"
	Greater        Operator = "greater"
	GreaterOrEqual Operator = "greater_or_equal"
	BeginsWith     Operator = "begins_with"
	NotBeginsWith  Operator = "not_begins_with"
	Contains       Operator = "contains"
	NotContains    Operator = "not_contains"
	EndsWith       Operator = "ends_with"
	NotEndsWith    Operator = "not_ends_with"
	IsEmpty        Operator = "is_empty"
	IsNotEmpty     Operator = "is_not_empty"
	IsNull         Operator = "is_null"
	IsNotNull      Operator = "is_not_null"
	Between        Operator = "between"
	NotBetween     Operator = "not_between"
)

const (
	AND = "AND"
	OR  = "OR"
)

// Node is either a group (Condition is set) or a rule.
type Node struct {
	Condition string  `json:"condition,omitempty"`
	Not       bool    `json:"not,omitempty"`
	Rules     []*Node `json:"rules,omitempty"`
	Valid     *bool   `json:"valid,omitempty"`

	ID       string   `json:"id,omitempty"`
	Field    string   `json:"field,omitempty"`
	Type     string   `json:"type,omitempty"`
	Input    string   `json:"input,omitempty"`
	Operator Operator `json:"operator,omitempty"`
	Value    any      `json:"value,omitempty"`
}

func (n *Node) IsGroup() bool { return n != nil && n.Condition != "" }

// Parse decodes a stored formula. Empty input yields nil.
func Parse(data []byte) (*Node, error) {
	if len(strings.TrimSpace(string(data))) == 0 || string(data) == "null" {
		return nil, nil
	}
	var n Node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, errutil.New(errutil.StatusFormulaParse, "formula is not valid JSON", errutil.WithErr(err))
	}
	if len(n.Rules) == 0 && n.Condition == "" && n.Field == "" {
		return nil, nil
	}
	return &n, nil
}

func (n *Node) Marshal() ([]byte, error) {
	if n == nil {
		return []byte("null"), nil
	}
	return json.Marshal(n)
}

// Clone returns a deep copy.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.Rules != nil {
		c.Rules = make([]*Node, len(n.Rules))
		for i, r := range n.Rules {
			c.Rules[i] = r.Clone()
		}
	}
	if vals, ok := n.Value.([]any); ok {
		c.Value = append([]any{}, vals...)
	}
	return &c
}

// Group builds a group node.
func Group(condition string, rules ...*Node) *Node {
	return &Node{Condition: condition, Rules: rules}
}

// Rule builds a rule node.
func Rule(field string, t dataframe.Type, op Operator, value any) *Node {
	return &Node{ID: field, Field: field, Type: string(t), Input: inputFor(t), Operator: op, Value: value}
}

func inputFor(t dataframe.Type) string {
	switch t {
	case dataframe.Boolean:
		return "radio"
	case dataframe.Integer, dataframe.Double:
		return "number"
	case dataframe.Datetime:
		return "datetime"
	default:
		return "text"
	}
}

// Expr is the compiled form.
type Expr interface{ expr() }

type And []Expr

type Or []Expr

type Not struct{ X Expr }

type Cmp struct {
	Field string
	Type  dataframe.Type
	Op    Operator
	Value any
	Upper any
}

func (And) expr() {}
func (Or) expr()  {}
func (Not) expr() {}
func (Cmp) expr() {}

// Schema maps column names to data types.
type Schema map[string]dataframe.Type

// Compile validates n against schema and coerces rule values into the
// column types. A nil node compiles to nil, which matches every row.
func Compile(n *Node, schema Schema, loc *time.Location) (Expr, error) {
	if n == nil {
		return nil, nil
	}
	if n.IsGroup() {
		var parts []Expr
		for _, r := range n.Rules {
			if r == nil {
				return nil, errutil.New(errutil.StatusFormulaParse, "empty rule")
			}
			e, err := Compile(r, schema, loc)
			if err != nil {
				return nil, err
			}
			parts = append(parts, e)
		}
		var e Expr
		switch strings.ToUpper(n.Condition) {
		case AND:
			e = And(parts)
		case OR:
			e = Or(parts)
		default:
			return nil, errutil.Newf(errutil.StatusFormulaParse, "unknown combinator %q", n.Condition)
		}
		if n.Not {
			e = Not{X: e}
		}
		return e, nil
	}
	if len(n.Rules) > 0 {
		return nil, errutil.New(errutil.StatusFormulaParse, "group without a condition")
	}
	return compileRule(n, schema, loc)
}

func compileRule(n *Node, schema Schema, loc *time.Location) (Expr, error) {
	field := n.Field
	if field == "" {
		field = n.ID
	}
	if field == "" {
		return nil, errutil.New(errutil.StatusFormulaParse, "rule without a field")
	}
	if n.Operator == "" {
		return nil, errutil.Newf(errutil.StatusFormulaParse, "rule on %q has no operator", field)
	}
	t, ok := schema[field]
	if !ok {
		return nil, errutil.Newf(errutil.StatusFormulaUnknownColumn, "unknown column %q", field)
	}
	if n.Type != "" && dataframe.Type(n.Type) != t {
		return nil, errutil.Newf(errutil.StatusFormulaType, "rule on %q declares type %s, column is %s", field, n.Type, t)
	}
	if !Allowed(t, n.Operator) {
		return nil, errutil.Newf(errutil.StatusFormulaType, "operator %s is not available for %s column %q", n.Operator, t, field)
	}

	c := Cmp{Field: field, Type: t, Op: n.Operator}
	switch n.Operator {
	case IsNull, IsNotNull, IsEmpty, IsNotEmpty:
		return c, nil
	case Between, NotBetween:
		bounds, ok := n.Value.([]any)
		if !ok || len(bounds) != 2 {
			return nil, errutil.Newf(errutil.StatusFormulaType, "%s on %q needs two values", n.Operator, field)
		}
		lo, err := ruleValue(bounds[0], t, field, loc)
		if err != nil {
			return nil, err
		}
		hi, err := ruleValue(bounds[1], t, field, loc)
		if err != nil {
			return nil, err
		}
		c.Value, c.Upper = lo, hi
		return c, nil
	}
	v, err := ruleValue(n.Value, t, field, loc)
	if err != nil {
		return nil, err
	}
	c.Value = v
	return c, nil
}

func ruleValue(v any, t dataframe.Type, field string, loc *time.Location) (any, error) {
	if list, ok := v.([]any); ok && len(list) == 1 {
		v = list[0]
	}
	if v == nil {
		return nil, errutil.Newf(errutil.StatusFormulaType, "rule on %q has no value", field)
	}
	cv, err := dataframe.Coerce(v, t, loc)
	if err != nil {
		return nil, errutil.New(errutil.StatusFormulaType, fmt.Sprintf("value for %q is not a valid %s", field, t), errutil.WithErr(err))
	}
	if cv == nil && t != dataframe.String {
		return nil, errutil.Newf(errutil.StatusFormulaType, "rule on %q has no value", field)
	}
	if cv == nil {
		cv = ""
	}
	return cv, nil
}

// Validate compiles n and discards the result.
func Validate(n *Node, schema Schema, loc *time.Location) error {
	_, err := Compile(n, schema, loc)
	return err
}
