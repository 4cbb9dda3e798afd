package formula

import "ontask/pkg/dataframe"

var operators = map[dataframe.Type][]Operator{
	dataframe.String: {
		Equal, NotEqual,
		BeginsWith, NotBeginsWith, Contains, NotContains, EndsWith, NotEndsWith,
		IsEmpty, IsNotEmpty, IsNull, IsNotNull,
	},
	dataframe.Integer: {
		Equal, NotEqual, Less, LessOrEqual, Greater, GreaterOrEqual,
		Between, NotBetween, IsNull, IsNotNull,
	},
	dataframe.Double: {
		Equal, NotEqual, Less, LessOrEqual, Greater, GreaterOrEqual,
		Between, NotBetween, IsNull, IsNotNull,
	},
	dataframe.Boolean: {Equal, NotEqual, IsNull, IsNotNull},
	dataframe.Datetime: {
		Equal, NotEqual, Less, LessOrEqual, Greater, GreaterOrEqual,
		Between, NotBetween, IsNull, IsNotNull,
	},
}

// Operators returns the operators offered for a data type.
func Operators(t dataframe.Type) []Operator {
	return append([]Operator(nil), operators[t]...)
}

func Allowed(t dataframe.Type, op Operator) bool {
	for _, o := range operators[t] {
		if o == op {
			return true
		}
	}
	return false
}

// OperatorsUsed collects, per field, the operators a formula applies.
func OperatorsUsed(n *Node) map[string][]Operator {
	out := map[string][]Operator{}
	walk(n, func(r *Node) {
		f := r.Field
		if f == "" {
			f = r.ID
		}
		out[f] = append(out[f], r.Operator)
	})
	return out
}

// CompatibleWith reports whether every rule on field would still be valid
// if the column had type t.
func CompatibleWith(n *Node, field string, t dataframe.Type) bool {
	for _, op := range OperatorsUsed(n)[field] {
		if !Allowed(t, op) {
			return false
		}
	}
	return true
}
