package formula

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"ontask/pkg/dataframe"
	"ontask/pkg/db/dialect"
)

var equivStrings = []any{nil, "", "a", "A", "ab", "Ab_", "a%b", `x\y`, "_", "ba", "abc"}

func randomCell(r *rand.Rand, t dataframe.Type) any {
	if r.Intn(6) == 0 {
		return nil
	}
	switch t {
	case dataframe.String:
		return equivStrings[1+r.Intn(len(equivStrings)-1)]
	case dataframe.Integer:
		return int64(r.Intn(7) - 3)
	case dataframe.Double:
		return float64(r.Intn(9)-4) / 2
	case dataframe.Boolean:
		return r.Intn(2) == 0
	default:
		return time.Date(2024, 1, 1+r.Intn(5), r.Intn(3), 0, 0, 0, time.UTC)
	}
}

func randomValue(r *rand.Rand, t dataframe.Type) any {
	v := randomCell(r, t)
	for v == nil {
		v = randomCell(r, t)
	}
	if tm, ok := v.(time.Time); ok {
		return tm.Format(time.RFC3339)
	}
	return v
}

var equivFields = []string{"name", "age", "score", "registered", "when"}

func randomNode(r *rand.Rand, depth int) *Node {
	if depth == 0 || r.Intn(3) == 0 {
		field := equivFields[r.Intn(len(equivFields))]
		t := testSchema[field]
		ops := Operators(t)
		op := ops[r.Intn(len(ops))]
		var value any
		switch op {
		case IsNull, IsNotNull, IsEmpty, IsNotEmpty:
		case Between, NotBetween:
			value = []any{randomValue(r, t), randomValue(r, t)}
		default:
			value = randomValue(r, t)
		}
		return Rule(field, t, op, value)
	}
	cond := AND
	if r.Intn(2) == 0 {
		cond = OR
	}
	g := Group(cond)
	g.Not = r.Intn(3) == 0
	for i := r.Intn(4); i > 0; i-- {
		g.Rules = append(g.Rules, randomNode(r, depth-1))
	}
	return g
}

func TestEvalAndSQLAgree(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:formula_equivalence?mode=memory&cache=shared&_cslike=true"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	d := dialect.Of(db)
	require.NoError(t, db.Exec(fmt.Sprintf(
		"CREATE TABLE rows_under_test (rid INTEGER, %s %s, %s %s, %s %s, %s %s, %s %s)",
		d.Quote("name"), d.ColumnType("string"),
		d.Quote("age"), d.ColumnType("integer"),
		d.Quote("score"), d.ColumnType("double"),
		d.Quote("registered"), d.ColumnType("boolean"),
		d.Quote("when"), d.ColumnType("datetime"),
	)).Error)

	r := rand.New(rand.NewSource(7))
	var rows []map[string]any
	for i := 0; i < 60; i++ {
		row := map[string]any{}
		for _, f := range equivFields {
			row[f] = randomCell(r, testSchema[f])
		}
		rows = append(rows, row)
		require.NoError(t, db.Exec(
			`INSERT INTO rows_under_test (rid, "name", "age", "score", "registered", "when") VALUES (?, ?, ?, ?, ?, ?)`,
			i, row["name"], row["age"], row["score"], row["registered"], row["when"],
		).Error)
	}

	for iter := 0; iter < 400; iter++ {
		n := randomNode(r, 3)
		e, err := Compile(n, testSchema, time.UTC)
		require.NoError(t, err)

		want := []int{}
		for i, row := range rows {
			if Eval(e, row) {
				want = append(want, i)
			}
		}

		sql := ToSQL(e, d)
		query := "SELECT rid FROM rows_under_test"
		if !sql.Empty() {
			query += " WHERE " + sql.Clause
		}
		got := []int{}
		res, err := db.Raw(query, sql.Args...).Rows()
		require.NoError(t, err, sql.Clause)
		for res.Next() {
			var id int
			require.NoError(t, res.Scan(&id))
			got = append(got, id)
		}
		require.NoError(t, res.Close())
		sort.Ints(got)

		raw, _ := n.Marshal()
		require.Equal(t, want, got, "formula %s\nsql %s %v", raw, sql.Clause, sql.Args)
	}
}
