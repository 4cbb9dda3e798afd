package template

import (
	"encoding/json"
	"html"
	"strings"
	"time"

	"ontask/pkg/dataframe"
)

// Escaper transforms a substituted value before it is written.
type Escaper func(string) string

func HTML(s string) string { return html.EscapeString(s) }

// JSONString escapes s for placement inside a JSON string literal.
func JSONString(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}

func Raw(s string) string { return s }

// Context is the data one render sees. Values shadow Attributes. A value
// that is a []any is written as a comma separated list, which is how report
// templates see a column.
type Context struct {
	Values     map[string]any
	Attributes map[string]string
	Conditions map[string]bool
	Location   *time.Location
	Escape     Escaper
}

// Render expands the if blocks first and substitutes the variables second.
func (t *Template) Render(c Context) (string, error) {
	var flat []node
	if err := expand(t.nodes, c.Conditions, &flat); err != nil {
		return "", err
	}
	esc := c.Escape
	if esc == nil {
		esc = HTML
	}
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}

	var sb strings.Builder
	for _, n := range flat {
		switch x := n.(type) {
		case textNode:
			sb.WriteString(string(x))
		case varNode:
			sb.WriteString(esc(lookup(c, string(x), loc)))
		}
	}
	return sb.String(), nil
}

func expand(nodes []node, conds map[string]bool, out *[]node) error {
	for _, n := range nodes {
		in, ok := n.(*ifNode)
		if !ok {
			*out = append(*out, n)
			continue
		}
		v, known := conds[in.cond]
		if !known {
			return parseError("unknown condition %q", in.cond)
		}
		branch := in.els
		if v {
			branch = in.then
		}
		if err := expand(branch, conds, out); err != nil {
			return err
		}
	}
	return nil
}

func lookup(c Context, name string, loc *time.Location) string {
	if v, ok := c.Values[name]; ok {
		if list, ok := v.([]any); ok {
			parts := make([]string, len(list))
			for i, e := range list {
				parts[i] = dataframe.Format(e, loc)
			}
			return strings.Join(parts, ", ")
		}
		return dataframe.Format(v, loc)
	}
	if v, ok := c.Attributes[name]; ok {
		return v
	}
	return ""
}
