package template

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ontask/pkg/errutil"
)

func TestRender_ConditionsAndVariables(t *testing.T) {
	tpl, err := Parse("Hi {{name}}{% if Adult %} (adult){% endif %}")
	require.NoError(t, err)
	require.Equal(t, []string{"Adult"}, tpl.Conditions())
	require.Equal(t, []string{"name"}, tpl.Variables())

	out, err := tpl.Render(Context{
		Values:     map[string]any{"name": "Ann"},
		Conditions: map[string]bool{"Adult": true},
	})
	require.NoError(t, err)
	require.Equal(t, "Hi Ann (adult)", out)

	out, err = tpl.Render(Context{
		Values:     map[string]any{"name": "Bo"},
		Conditions: map[string]bool{"Adult": false},
	})
	require.NoError(t, err)
	require.Equal(t, "Hi Bo", out)
}

func TestRender_ElseAndNesting(t *testing.T) {
	tpl, err := Parse(`{% if a %}A{% if b %}B{% else %}!B{% endif %}{% else %}none{% endif %}`)
	require.NoError(t, err)

	cases := []struct {
		a, b bool
		want string
	}{
		{true, true, "AB"},
		{true, false, "A!B"},
		{false, true, "none"},
	}
	for _, tc := range cases {
		out, err := tpl.Render(Context{Conditions: map[string]bool{"a": tc.a, "b": tc.b}})
		require.NoError(t, err)
		require.Equal(t, tc.want, out)
	}
}

func TestRender_Formatting(t *testing.T) {
	adelaide, err := time.LoadLocation("Australia/Adelaide")
	require.NoError(t, err)

	tpl, err := Parse("{{ ok }}|{{ when }}|{{ missing }}|{{ course }}|{{ name }}|{{ scores }}")
	require.NoError(t, err)
	out, err := tpl.Render(Context{
		Values: map[string]any{
			"ok":     true,
			"when":   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			"name":   "<b>",
			"scores": []any{int64(1), 2.5, nil},
			"course": nil,
		},
		Attributes: map[string]string{"course": "attr", "missing": "from attributes"},
		Location:   adelaide,
	})
	require.NoError(t, err)
	require.Equal(t, "True|2024-01-01 10:30:00+10:30|from attributes||&lt;b&gt;|1, 2.5, ", out)
}

func TestRender_JSONEscaping(t *testing.T) {
	tpl, err := Parse(`{"msg": "{{ msg }}"}`)
	require.NoError(t, err)
	out, err := tpl.Render(Context{Values: map[string]any{"msg": "say \"hi\"\n"}, Escape: JSONString})
	require.NoError(t, err)
	require.Equal(t, `{"msg": "say \"hi\"\n"}`, out)
}

func TestParse_Errors(t *testing.T) {
	for _, src := range []string{
		"{% if a %}never closed",
		"{% endif %}",
		"{% else %}",
		"{% if a %}{% else %}{% else %}{% endif %}",
		"{% for x in y %}{% endfor %}",
		"{% if %}{% endif %}",
		"{{ }}",
	} {
		_, err := Parse(src)
		require.True(t, errutil.Is(err, errutil.StatusTemplateParse), src)
	}

	tpl, err := Parse("{% if Known %}x{% endif %}{% if Other %}y{% endif %}")
	require.NoError(t, err)
	require.NoError(t, tpl.Check([]string{"Known", "Other"}))
	require.True(t, errutil.Is(tpl.Check([]string{"Known"}), errutil.StatusTemplateParse))

	_, err = tpl.Render(Context{Conditions: map[string]bool{"Known": true}})
	require.True(t, errutil.Is(err, errutil.StatusTemplateParse))
}

func TestRename(t *testing.T) {
	src := "{{registered}} and {{ registered }} but not {{ registered_at }}"
	out := RenameVariable(src, "registered", "enrolled")
	require.Equal(t, "{{ enrolled }} and {{ enrolled }} but not {{ registered_at }}", out)
	require.False(t, HasVariable(out, "registered"))
	require.True(t, HasVariable(out, "registered_at"))

	cond := RenameCondition(`{% if Reg %}a{% endif %}{% if "Reg" %}b{% endif %}{% if Regular %}{% endif %}`, "Reg", "Enrolled")
	require.Equal(t, `{% if Enrolled %}a{% endif %}{% if Enrolled %}b{% endif %}{% if Regular %}{% endif %}`, cond)
}

func TestCache(t *testing.T) {
	c, err := NewCache(2)
	require.NoError(t, err)
	a, err := c.Parse("{{ x }}")
	require.NoError(t, err)
	b, err := c.Parse("{{ x }}")
	require.NoError(t, err)
	require.Same(t, a, b)

	_, err = c.Parse("{% if %}")
	require.Error(t, err)
}
