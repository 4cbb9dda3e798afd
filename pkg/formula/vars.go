package formula

import "ontask/pkg/dataframe"

func walk(n *Node, fn func(rule *Node)) {
	if n == nil {
		return
	}
	if n.IsGroup() || len(n.Rules) > 0 {
		for _, r := range n.Rules {
			walk(r, fn)
		}
		return
	}
	fn(n)
}

// HasVariable reports whether any rule references name.
func HasVariable(n *Node, name string) bool {
	found := false
	walk(n, func(r *Node) {
		if r.Field == name || r.ID == name {
			found = true
		}
	})
	return found
}

// RenameVariable returns a copy of n with every rule on oldName moved to newName.
func RenameVariable(n *Node, oldName, newName string) *Node {
	c := n.Clone()
	walk(c, func(r *Node) {
		if r.Field == oldName {
			r.Field = newName
		}
		if r.ID == oldName {
			r.ID = newName
		}
	})
	return c
}

// Variables lists the distinct fields referenced by n in first-seen order.
func Variables(n *Node) []string {
	seen := map[string]bool{}
	var out []string
	walk(n, func(r *Node) {
		f := r.Field
		if f == "" {
			f = r.ID
		}
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	})
	return out
}

// Retype returns a copy of n with every rule on field declaring type t.
func Retype(n *Node, field string, t dataframe.Type) *Node {
	c := n.Clone()
	walk(c, func(r *Node) {
		if r.Field == field || (r.Field == "" && r.ID == field) {
			r.Type = string(t)
			r.Input = inputFor(t)
		}
	})
	return c
}
