package dataframe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ontask/pkg/errutil"
)

func mustFrame(t *testing.T, cols ...*Series) *Frame {
	t.Helper()
	f, err := New(cols...)
	require.NoError(t, err)
	return f
}

func TestNormalize_InfersTypes(t *testing.T) {
	header := []string{"sid", "name", "email", "age", "registered", "when", "score"}
	records := [][]string{
		{"1", " Ann ", "ann@example.com", "20", "True", "2024-01-02 10:00:00", "1.5"},
		{"2", "Bo", "bo@example.com", "15", "false", "2024-01-03T11:30:00+02:00", "2"},
		{"3", "Cy", "cy@example.com", "30", "", "2024-01-04", ""},
	}
	f, err := FromRecords(header, records)
	require.NoError(t, err)

	loc, err := time.LoadLocation("Australia/Adelaide")
	require.NoError(t, err)
	f, err = Normalize(f, loc)
	require.NoError(t, err)

	require.Equal(t, 3, f.NRows())
	require.Equal(t, 7, f.NCols())
	types := f.Types()
	require.Equal(t, Integer, types["sid"])
	require.Equal(t, String, types["name"])
	require.Equal(t, Integer, types["age"])
	require.Equal(t, Boolean, types["registered"])
	require.Equal(t, Datetime, types["when"])
	require.Equal(t, Double, types["score"])

	require.Equal(t, "Ann", f.Column("name").Values[0])
	require.Nil(t, f.Column("registered").Values[2])

	when := f.Column("when").Values
	require.Equal(t, time.UTC, when[0].(time.Time).Location())
	require.Equal(t, time.Date(2024, 1, 2, 10, 0, 0, 0, loc).UTC(), when[0])
	require.Equal(t, time.Date(2024, 1, 3, 9, 30, 0, 0, time.UTC), when[1])

	require.ElementsMatch(t, []string{"sid", "name", "email", "age", "when"}, KeyColumns(f))
}

func TestNormalize_DatetimeIsAllOrNothing(t *testing.T) {
	f, err := FromRecords([]string{"k", "d"}, [][]string{{"1", "2024-01-01"}, {"2", "not a date"}})
	require.NoError(t, err)
	f, err = Normalize(f, time.UTC)
	require.NoError(t, err)
	require.Equal(t, String, f.Column("d").Type)
	require.Equal(t, "2024-01-01", f.Column("d").Values[0])
}

func TestNormalize_BooleansAreNotDatetimes(t *testing.T) {
	f, err := FromRecords([]string{"k", "b"}, [][]string{{"1", "true"}, {"2", ""}, {"3", "FALSE"}})
	require.NoError(t, err)
	f, err = Normalize(f, time.UTC)
	require.NoError(t, err)
	require.Equal(t, Boolean, f.Column("b").Type)
	require.Equal(t, []any{true, nil, false}, f.Column("b").Values)
}

func TestFromRecords_RejectsBadNames(t *testing.T) {
	_, err := FromRecords([]string{"ok", "{{bad}}"}, nil)
	require.Error(t, err)
	_, err = FromRecords([]string{"a", "a"}, [][]string{{"1", "2"}})
	require.Error(t, err)
}

func TestIsUnique(t *testing.T) {
	require.True(t, NewSeries("a", Integer, int64(1), int64(2)).IsUnique())
	require.False(t, NewSeries("a", Integer, int64(1), nil).IsUnique())
	require.False(t, NewSeries("a", String, "x", "x").IsUnique())
	require.False(t, NewSeries("a", String).IsUnique())
}

func TestMerge_OuterPreservesKeys(t *testing.T) {
	dst := mustFrame(t,
		NewSeries("sid", Integer, int64(1), int64(2)),
		NewSeries("email", String, "a", "b"),
	)
	src := mustFrame(t,
		NewSeries("sid", Integer, int64(2), int64(3)),
		NewSeries("other", String, "x", "y"),
	)

	out, err := Merge(dst, src, MergeOptions{How: Outer, DstKey: "sid", SrcKey: "sid"})
	require.NoError(t, err)

	require.Equal(t, []string{"sid", "email", "other"}, out.Names())
	require.Equal(t, []any{int64(1), int64(2), int64(3)}, out.Column("sid").Values)
	require.Equal(t, []any{"a", "b", nil}, out.Column("email").Values)
	require.Equal(t, []any{nil, "x", "y"}, out.Column("other").Values)
	require.True(t, out.Column("sid").IsUnique())
}

func TestMerge_Policies(t *testing.T) {
	dst := mustFrame(t,
		NewSeries("sid", Integer, int64(1), int64(2), int64(3)),
		NewSeries("grade", Double, 1.0, 2.0, 3.0),
	)
	src := mustFrame(t,
		NewSeries("id", Integer, int64(3), int64(4), int64(2)),
		NewSeries("grade", Double, 30.0, 40.0, nil),
	)

	cases := []struct {
		how    How
		keys   []any
		grades []any
	}{
		{Left, []any{int64(1), int64(2), int64(3)}, []any{1.0, 2.0, 30.0}},
		{Inner, []any{int64(2), int64(3)}, []any{2.0, 30.0}},
		{Outer, []any{int64(1), int64(2), int64(3), int64(4)}, []any{1.0, 2.0, 30.0, 40.0}},
		{Right, []any{int64(2), int64(3), int64(4)}, []any{2.0, 30.0, 40.0}},
	}
	for _, tc := range cases {
		t.Run(string(tc.how), func(t *testing.T) {
			out, err := Merge(dst, src, MergeOptions{How: tc.how, DstKey: "sid", SrcKey: "id"})
			require.NoError(t, err)
			require.Equal(t, tc.keys, out.Column("sid").Values)
			require.Equal(t, tc.grades, out.Column("grade").Values)
		})
	}
}

func TestMerge_SourceKeyJoinsAsColumn(t *testing.T) {
	dst := mustFrame(t, NewSeries("sid", Integer, int64(1), int64(2)))
	src := mustFrame(t,
		NewSeries("id", Integer, int64(2), int64(5)),
		NewSeries("x", String, "b", "e"),
	)
	out, err := Merge(dst, src, MergeOptions{How: Right, DstKey: "sid", SrcKey: "id"})
	require.NoError(t, err)
	require.Equal(t, []string{"sid", "id", "x"}, out.Names())
	require.Equal(t, []any{int64(2), int64(5)}, out.Column("sid").Values)
	require.Equal(t, []any{int64(2), int64(5)}, out.Column("id").Values)
}

func TestMerge_SourceKeyKeepsDestinationColumn(t *testing.T) {
	dst := mustFrame(t,
		NewSeries("sid", Integer, int64(1), int64(2)),
		NewSeries("alt", Integer, int64(10), int64(20)),
	)
	src := mustFrame(t,
		NewSeries("alt", Integer, int64(1), int64(2)),
		NewSeries("score", Integer, int64(5), int64(6)),
	)
	out, err := Merge(dst, src, MergeOptions{How: Left, DstKey: "sid", SrcKey: "alt"})
	require.NoError(t, err)
	require.Equal(t, []string{"sid", "alt", "score"}, out.Names())
	require.Equal(t, []any{int64(10), int64(20)}, out.Column("alt").Values)
	require.Equal(t, []any{int64(5), int64(6)}, out.Column("score").Values)
}

func TestMerge_BadParams(t *testing.T) {
	dst := mustFrame(t, NewSeries("sid", Integer, int64(1), int64(1)))
	src := mustFrame(t, NewSeries("sid", Integer, int64(1)))

	_, err := Merge(dst, src, MergeOptions{How: "cross", DstKey: "sid", SrcKey: "sid"})
	require.True(t, errutil.Is(err, errutil.StatusMergeBadParams))

	_, err = Merge(dst, src, MergeOptions{How: Outer, DstKey: "sid", SrcKey: "sid"})
	require.True(t, errutil.Is(err, errutil.StatusMergeBadParams))

	_, err = Merge(src, src, MergeOptions{How: Outer, DstKey: "sid", SrcKey: "missing"})
	require.True(t, errutil.Is(err, errutil.StatusMergeBadParams))
}

func TestMerge_Empty(t *testing.T) {
	dst := mustFrame(t, NewSeries("sid", Integer, int64(1)))
	src := mustFrame(t, NewSeries("sid", Integer, int64(2)))
	_, err := Merge(dst, src, MergeOptions{How: Inner, DstKey: "sid", SrcKey: "sid"})
	require.True(t, errutil.Is(err, errutil.StatusMergeEmpty))
}

func TestCoerce(t *testing.T) {
	v, err := Coerce("12", Integer, nil)
	require.NoError(t, err)
	require.Equal(t, int64(12), v)

	v, err = Coerce([]byte("1"), Boolean, nil)
	require.NoError(t, err)
	require.Equal(t, true, v)

	_, err = Coerce("abc", Double, nil)
	require.Error(t, err)

	v, err = Coerce("2024-05-01T00:00:00Z", Datetime, nil)
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), v)
}

func TestFormat(t *testing.T) {
	require.Equal(t, "True", Format(true, nil))
	require.Equal(t, "", Format(nil, nil))
	require.Equal(t, "2.5", Format(2.5, nil))
	adelaide, err := time.LoadLocation("Australia/Adelaide")
	require.NoError(t, err)
	require.Equal(t, "2024-01-01 10:30:00+10:30", Format(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), adelaide))
}
