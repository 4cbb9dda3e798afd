// Package template implements the action template language: {{ name }}
// substitutions and {% if condition %}...{% else %}...{% endif %} blocks.
// Nothing else is recognised.
package template

import (
	"fmt"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru"

	"ontask/pkg/errutil"
)

type node interface{ isNode() }

type textNode string

type varNode string

type ifNode struct {
	cond string
	then []node
	els  []node
}

func (textNode) isNode() {}
func (varNode) isNode()  {}
func (*ifNode) isNode()  {}

type Template struct {
	source string
	nodes  []node
}

var tagPattern = regexp.MustCompile(`\{\{-?\s*(.*?)\s*-?\}\}|\{%-?\s*(.*?)\s*-?%\}`)

func parseError(format string, args ...any) error {
	return errutil.New(errutil.StatusTemplateParse, fmt.Sprintf(format, args...))
}

// Parse builds a template. It fails on unterminated or unbalanced blocks and
// on any tag other than if, else and endif.
func Parse(source string) (*Template, error) {
	type frame struct {
		n      *ifNode
		inElse bool
	}
	root := []node{}
	var stack []frame

	appendNode := func(n node) {
		if len(stack) == 0 {
			root = append(root, n)
			return
		}
		top := &stack[len(stack)-1]
		if top.inElse {
			top.n.els = append(top.n.els, n)
		} else {
			top.n.then = append(top.n.then, n)
		}
	}

	pos := 0
	for _, m := range tagPattern.FindAllStringSubmatchIndex(source, -1) {
		if m[0] > pos {
			appendNode(textNode(source[pos:m[0]]))
		}
		pos = m[1]

		if m[2] >= 0 {
			name := strings.TrimSpace(source[m[2]:m[3]])
			if name == "" {
				return nil, parseError("empty variable at offset %d", m[0])
			}
			appendNode(varNode(name))
			continue
		}

		fields := strings.Fields(source[m[4]:m[5]])
		if len(fields) == 0 {
			return nil, parseError("empty tag at offset %d", m[0])
		}
		switch fields[0] {
		case "if":
			if len(fields) < 2 {
				return nil, parseError("if without a condition at offset %d", m[0])
			}
			cond := strings.Trim(strings.Join(fields[1:], " "), `"'`)
			n := &ifNode{cond: cond}
			appendNode(n)
			stack = append(stack, frame{n: n})
		case "else":
			if len(stack) == 0 || stack[len(stack)-1].inElse {
				return nil, parseError("unexpected else at offset %d", m[0])
			}
			stack[len(stack)-1].inElse = true
		case "endif":
			if len(stack) == 0 {
				return nil, parseError("unexpected endif at offset %d", m[0])
			}
			stack = stack[:len(stack)-1]
		default:
			return nil, parseError("unsupported tag %q at offset %d", fields[0], m[0])
		}
	}
	if len(stack) > 0 {
		return nil, parseError("unterminated if %q", stack[len(stack)-1].n.cond)
	}
	if pos < len(source) {
		root = append(root, textNode(source[pos:]))
	}
	return &Template{source: source, nodes: root}, nil
}

func (t *Template) Source() string { return t.source }

// Conditions lists the condition names referenced by if blocks.
func (t *Template) Conditions() []string {
	var out []string
	seen := map[string]bool{}
	var visit func([]node)
	visit = func(nodes []node) {
		for _, n := range nodes {
			if in, ok := n.(*ifNode); ok {
				if !seen[in.cond] {
					seen[in.cond] = true
					out = append(out, in.cond)
				}
				visit(in.then)
				visit(in.els)
			}
		}
	}
	visit(t.nodes)
	return out
}

// Variables lists the substituted names, including those inside blocks.
func (t *Template) Variables() []string {
	var out []string
	seen := map[string]bool{}
	var visit func([]node)
	visit = func(nodes []node) {
		for _, n := range nodes {
			switch x := n.(type) {
			case varNode:
				if !seen[string(x)] {
					seen[string(x)] = true
					out = append(out, string(x))
				}
			case *ifNode:
				visit(x.then)
				visit(x.els)
			}
		}
	}
	visit(t.nodes)
	return out
}

// Check verifies that every referenced condition exists.
func (t *Template) Check(conditions []string) error {
	known := make(map[string]bool, len(conditions))
	for _, c := range conditions {
		known[c] = true
	}
	for _, c := range t.Conditions() {
		if !known[c] {
			return parseError("unknown condition %q", c)
		}
	}
	return nil
}

// ValidName reports whether name can appear inside a tag.
func ValidName(name string) error {
	if strings.TrimSpace(name) == "" {
		return parseError("name is empty")
	}
	if name != strings.TrimSpace(name) || strings.ContainsAny(name, "{}%\"'") {
		return parseError("name %q cannot be used inside a template tag", name)
	}
	return nil
}

// RenameVariable rewrites {{ oldName }} into {{ newName }}.
func RenameVariable(source, oldName, newName string) string {
	re := regexp.MustCompile(`\{\{-?\s*` + regexp.QuoteMeta(oldName) + `\s*-?\}\}`)
	return re.ReplaceAllLiteralString(source, "{{ "+newName+" }}")
}

// RenameCondition rewrites {% if oldName %} into {% if newName %}.
func RenameCondition(source, oldName, newName string) string {
	re := regexp.MustCompile(`\{%-?\s*if\s+["']?` + regexp.QuoteMeta(oldName) + `["']?\s*-?%\}`)
	return re.ReplaceAllLiteralString(source, "{% if "+newName+" %}")
}

// HasVariable reports whether source substitutes name.
func HasVariable(source, name string) bool {
	re := regexp.MustCompile(`\{\{-?\s*` + regexp.QuoteMeta(name) + `\s*-?\}\}`)
	return re.MatchString(source)
}

// Cache keeps parsed templates keyed by source.
type Cache struct {
	lru *lru.Cache
}

func NewCache(size int) (*Cache, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: c}, nil
}

func (c *Cache) Parse(source string) (*Template, error) {
	if c == nil || c.lru == nil {
		return Parse(source)
	}
	if v, ok := c.lru.Get(source); ok {
		return v.(*Template), nil
	}
	t, err := Parse(source)
	if err != nil {
		return nil, err
	}
	c.lru.Add(source, t)
	return t, nil
}
