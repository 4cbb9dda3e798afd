package dataframe

import "ontask/pkg/errutil"

type How string

const (
	Inner How = "inner"
	Outer How = "outer"
	Left  How = "left"
	Right How = "right"
)

func (h How) Valid() bool {
	switch h {
	case Inner, Outer, Left, Right:
		return true
	}
	return false
}

type MergeOptions struct {
	How    How
	DstKey string
	SrcKey string
}

// Merge combines dst and src joining dst[DstKey] with src[SrcKey].
//
// Columns only present in src are joined in. Columns present in both frames
// are updated in place with the non-null src values. Row order is dst order
// restricted by the join policy, followed (outer, right) by the src rows
// that have no match in dst, in src order. For those rows the dst key takes
// the src key value.
func Merge(dst, src *Frame, opt MergeOptions) (*Frame, error) {
	if !opt.How.Valid() {
		return nil, errutil.Newf(errutil.StatusMergeBadParams, "invalid merge method %q", opt.How)
	}
	dk := dst.Column(opt.DstKey)
	if dk == nil {
		return nil, errutil.Newf(errutil.StatusMergeBadParams, "destination key %q does not exist", opt.DstKey)
	}
	sk := src.Column(opt.SrcKey)
	if sk == nil {
		return nil, errutil.Newf(errutil.StatusMergeBadParams, "source key %q does not exist", opt.SrcKey)
	}
	if !dk.IsUnique() {
		return nil, errutil.Newf(errutil.StatusMergeBadParams, "destination column %q is not a key", opt.DstKey)
	}
	if !sk.IsUnique() {
		return nil, errutil.Newf(errutil.StatusMergeBadParams, "source column %q is not unique", opt.SrcKey)
	}

	srcRows := src.Lookup(opt.SrcKey)
	dstRows := dst.Lookup(opt.DstKey)

	// Pairs of (dst row, src row); -1 marks an absent side.
	type pair struct{ d, s int }
	var pairs []pair
	for i, v := range dk.Values {
		j, matched := srcRows[KeyOf(v)]
		switch {
		case matched:
			pairs = append(pairs, pair{i, j})
		case opt.How == Left || opt.How == Outer:
			pairs = append(pairs, pair{i, -1})
		}
	}
	if opt.How == Outer || opt.How == Right {
		for j, v := range sk.Values {
			if _, ok := dstRows[KeyOf(v)]; !ok {
				pairs = append(pairs, pair{-1, j})
			}
		}
	}

	out := Empty()
	for _, dc := range dst.Columns() {
		sc := src.Column(dc.Name)
		switch dc.Name {
		case opt.DstKey:
			sc = sk
		case opt.SrcKey:
			// the src key only joins; dst keeps its own column of that name
			sc = nil
		}
		t := dc.Type
		if sc != nil && sc.Type != dc.Type {
			var err error
			if t, err = unify(dc, sc); err != nil {
				return nil, err
			}
		}
		values := make([]any, len(pairs))
		for i, p := range pairs {
			var v any
			if p.d >= 0 {
				v = dc.Values[p.d]
			}
			if sc != nil && p.s >= 0 && sc.Values[p.s] != nil {
				v = sc.Values[p.s]
			}
			cv, err := Coerce(v, t, nil)
			if err != nil {
				return nil, errutil.Newf(errutil.StatusDataInvalid, "column %q: %v", dc.Name, err)
			}
			values[i] = cv
		}
		if err := out.Add(&Series{Name: dc.Name, Type: t, Values: values}); err != nil {
			return nil, err
		}
	}
	for _, sc := range src.Columns() {
		if dst.Has(sc.Name) || (sc.Name == opt.SrcKey && opt.SrcKey == opt.DstKey) {
			continue
		}
		values := make([]any, len(pairs))
		for i, p := range pairs {
			if p.s >= 0 {
				values[i] = sc.Values[p.s]
			}
		}
		if err := out.Add(&Series{Name: sc.Name, Type: sc.Type, Values: values}); err != nil {
			return nil, err
		}
	}

	if out.NRows() == 0 {
		return nil, errutil.New(errutil.StatusMergeEmpty, "merge produced an empty table")
	}
	if len(KeyColumns(out)) == 0 {
		return nil, errutil.New(errutil.StatusMergeNoKey, "merge result has no key column")
	}
	return out, nil
}

// unify picks the type of a column present on both sides of a merge.
func unify(dst, src *Series) (Type, error) {
	if dst.Type.Numeric() && src.Type.Numeric() {
		return Double, nil
	}
	for _, v := range src.Values {
		if _, err := Coerce(v, dst.Type, nil); err != nil {
			return "", errutil.Newf(errutil.StatusDataInvalid,
				"column %q is %s in the workflow but %s in the new data", dst.Name, dst.Type, src.Type)
		}
	}
	return dst.Type, nil
}
