package storage

import (
	"context"
	"encoding/csv"
	"io"

	"ontask/pkg/dataframe"
	"ontask/pkg/errutil"
)

// CSVSource reads RFC 4180 text with a header row.
type CSVSource struct {
	Reader     io.Reader
	Delimiter  rune
	SkipTop    int
	SkipBottom int
}

func (s CSVSource) Load(ctx context.Context) (*dataframe.Frame, error) {
	r := csv.NewReader(s.Reader)
	r.FieldsPerRecord = -1
	if s.Delimiter != 0 {
		r.Comma = s.Delimiter
	}
	records, err := r.ReadAll()
	if err != nil {
		return nil, errutil.DataInvalid("the file is not valid CSV", err)
	}
	if len(records) == 0 {
		return nil, errutil.DataInvalid("the file is empty", nil)
	}
	return fromRecords(records, s.SkipTop, s.SkipBottom)
}
