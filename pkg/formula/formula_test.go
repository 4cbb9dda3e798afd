package formula

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ontask/pkg/dataframe"
	"ontask/pkg/db/dialect"
	"ontask/pkg/errutil"
)

var testSchema = Schema{
	"name":       dataframe.String,
	"age":        dataframe.Integer,
	"score":      dataframe.Double,
	"registered": dataframe.Boolean,
	"when":       dataframe.Datetime,
}

func compile(t *testing.T, n *Node) Expr {
	t.Helper()
	e, err := Compile(n, testSchema, time.UTC)
	require.NoError(t, err)
	return e
}

func TestParse_RoundTrip(t *testing.T) {
	raw := `{"condition":"AND","not":false,"rules":[
		{"id":"age","field":"age","type":"integer","input":"number","operator":"greater_or_equal","value":"18"},
		{"condition":"OR","rules":[
			{"id":"name","field":"name","type":"string","operator":"begins_with","value":"A"},
			{"id":"score","field":"score","type":"double","operator":"between","value":[1,2.5]}
		]}
	]}`
	n, err := Parse([]byte(raw))
	require.NoError(t, err)
	require.True(t, n.IsGroup())
	require.Len(t, n.Rules, 2)
	require.True(t, n.Rules[1].IsGroup())

	out, err := n.Marshal()
	require.NoError(t, err)
	again, err := Parse(out)
	require.NoError(t, err)
	require.Equal(t, n, again)

	empty, err := Parse([]byte(`{}`))
	require.NoError(t, err)
	require.Nil(t, empty)
}

func TestEval_Operators(t *testing.T) {
	row := map[string]any{
		"name":       "Ann_Lee",
		"age":        int64(20),
		"score":      1.5,
		"registered": true,
		"when":       time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	cases := []struct {
		rule *Node
		want bool
	}{
		{Rule("age", dataframe.Integer, GreaterOrEqual, 18), true},
		{Rule("age", dataframe.Integer, Less, "20"), false},
		{Rule("age", dataframe.Integer, Between, []any{10, 20}), true},
		{Rule("age", dataframe.Integer, NotBetween, []any{10, 20}), false},
		{Rule("score", dataframe.Double, Greater, 1), true},
		{Rule("name", dataframe.String, BeginsWith, "Ann"), true},
		{Rule("name", dataframe.String, BeginsWith, "ann"), false},
		{Rule("name", dataframe.String, Contains, "_"), true},
		{Rule("name", dataframe.String, NotEndsWith, "Lee"), false},
		{Rule("name", dataframe.String, IsNotEmpty, nil), true},
		{Rule("registered", dataframe.Boolean, Equal, "true"), true},
		{Rule("registered", dataframe.Boolean, NotEqual, true), false},
		{Rule("when", dataframe.Datetime, Greater, "2024-02-29T00:00:00Z"), true},
		{Rule("when", dataframe.Datetime, Between, []any{"2024-03-01", "2024-03-02"}), true},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Eval(compile(t, tc.rule), row), "%s %s %v", tc.rule.Field, tc.rule.Operator, tc.rule.Value)
	}
}

func TestEval_Nulls(t *testing.T) {
	row := map[string]any{"name": nil, "age": nil}

	require.True(t, Eval(compile(t, Rule("name", dataframe.String, IsNull, nil)), row))
	require.True(t, Eval(compile(t, Rule("name", dataframe.String, IsEmpty, nil)), row))
	require.False(t, Eval(compile(t, Rule("name", dataframe.String, IsNotEmpty, nil)), row))
	require.False(t, Eval(compile(t, Rule("name", dataframe.String, NotEqual, "x")), row))
	require.False(t, Eval(compile(t, Rule("name", dataframe.String, NotContains, "x")), row))
	require.False(t, Eval(compile(t, Rule("age", dataframe.Integer, NotBetween, []any{1, 2})), row))

	negated := Group(AND, Rule("age", dataframe.Integer, Equal, 3))
	negated.Not = true
	require.True(t, Eval(compile(t, negated), row))
}

func TestEval_ShortCircuitAndEmptyGroups(t *testing.T) {
	row := map[string]any{"age": int64(5)}
	require.True(t, Eval(compile(t, Group(AND)), row))
	require.False(t, Eval(compile(t, Group(OR)), row))
	require.True(t, Eval(nil, row))
	or := Group(OR, Rule("age", dataframe.Integer, Equal, 5), Rule("age", dataframe.Integer, Equal, 6))
	require.True(t, Eval(compile(t, or), row))
}

func TestCompile_Errors(t *testing.T) {
	_, err := Compile(Rule("missing", dataframe.String, Equal, "x"), testSchema, time.UTC)
	require.True(t, errutil.Is(err, errutil.StatusFormulaUnknownColumn))

	_, err = Compile(Rule("age", dataframe.Integer, Contains, "1"), testSchema, time.UTC)
	require.True(t, errutil.Is(err, errutil.StatusFormulaType))

	_, err = Compile(Rule("age", dataframe.Integer, Equal, "abc"), testSchema, time.UTC)
	require.True(t, errutil.Is(err, errutil.StatusFormulaType))

	_, err = Compile(&Node{Field: "age", Type: "string", Operator: Equal, Value: "1"}, testSchema, time.UTC)
	require.True(t, errutil.Is(err, errutil.StatusFormulaType))

	_, err = Compile(&Node{Condition: "XOR", Rules: []*Node{}}, testSchema, time.UTC)
	require.True(t, errutil.Is(err, errutil.StatusFormulaParse))

	_, err = Compile(&Node{Field: "age"}, testSchema, time.UTC)
	require.True(t, errutil.Is(err, errutil.StatusFormulaParse))

	_, err = Parse([]byte(`{"condition":`))
	require.True(t, errutil.Is(err, errutil.StatusFormulaParse))
}

func TestToSQL(t *testing.T) {
	n := Group(AND,
		Rule("age", dataframe.Integer, GreaterOrEqual, 18),
		Rule("name", dataframe.String, Contains, "50%_off"),
	)
	n.Not = true
	sql := ToSQL(compile(t, n), dialect.Postgres)
	require.Equal(t,
		`NOT (("age" IS NOT NULL AND "age" >= ?) AND ("name" IS NOT NULL AND "name" LIKE ? ESCAPE '\'))`,
		sql.Clause)
	require.Equal(t, []any{int64(18), `%50\%\_off%`}, sql.Args)

	my := ToSQL(compile(t, Rule("name", dataframe.String, Equal, "a`b")), dialect.MySQL)
	require.Equal(t, "(`name` IS NOT NULL AND BINARY `name` = ?)", my.Clause)

	between := ToSQL(compile(t, Rule("score", dataframe.Double, Between, []any{1, 2})), dialect.SQLite)
	require.Equal(t, `("score" IS NOT NULL AND "score" BETWEEN ? AND ?)`, between.Clause)
	require.Equal(t, []any{1.0, 2.0}, between.Args)

	require.True(t, ToSQL(nil, dialect.SQLite).Empty())
	joined := SQL{Clause: "a = ?", Args: []any{1}}.And(SQL{Clause: "b = ?", Args: []any{2}})
	require.Equal(t, "(a = ?) AND (b = ?)", joined.Clause)
	require.Equal(t, []any{1, 2}, joined.Args)
}

func TestRenameVariable(t *testing.T) {
	n := Group(OR,
		Rule("registered", dataframe.Boolean, Equal, true),
		Group(AND, Rule("registered", dataframe.Boolean, IsNotNull, nil), Rule("age", dataframe.Integer, Less, 3)),
	)
	renamed := RenameVariable(n, "registered", "enrolled")

	require.False(t, HasVariable(renamed, "registered"))
	require.True(t, HasVariable(renamed, "enrolled"))
	require.True(t, HasVariable(n, "registered"), "original is untouched")
	require.Equal(t, []string{"enrolled", "age"}, Variables(renamed))
}

func TestCompatibleWith(t *testing.T) {
	n := Group(AND, Rule("age", dataframe.Integer, Greater, 3))
	require.True(t, CompatibleWith(n, "age", dataframe.Double))
	require.False(t, CompatibleWith(n, "age", dataframe.Boolean))
	require.True(t, CompatibleWith(n, "other", dataframe.Boolean))
}

func TestNodeJSONValueShapes(t *testing.T) {
	var n Node
	require.NoError(t, json.Unmarshal([]byte(`{"field":"age","operator":"between","value":["1","3"]}`), &n))
	e := compile(t, &n)
	require.Equal(t, Cmp{Field: "age", Type: dataframe.Integer, Op: Between, Value: int64(1), Upper: int64(3)}, e)
}
