package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"ontask/pkg/dataframe"
	"ontask/pkg/errutil"
)

// ExcelSource reads one sheet of a workbook. The first row is the header.
type ExcelSource struct {
	Reader  io.Reader
	Sheet   string
	SkipTop int
}

func (s ExcelSource) Load(ctx context.Context) (*dataframe.Frame, error) {
	if s.Sheet == "" {
		return nil, errutil.DataInvalid("a sheet name is required", nil)
	}
	wb, err := excelize.OpenReader(s.Reader)
	if err != nil {
		return nil, errutil.DataInvalid("the file is not a valid workbook", err)
	}
	defer wb.Close()

	found := false
	for _, name := range wb.GetSheetList() {
		if name == s.Sheet {
			found = true
			break
		}
	}
	if !found {
		return nil, errutil.DataInvalid(fmt.Sprintf("the workbook has no sheet %q", s.Sheet), nil)
	}
	rows, err := wb.GetRows(s.Sheet)
	if err != nil {
		return nil, errutil.DataInvalid("failed to read the sheet", err)
	}
	if len(rows) == 0 {
		return nil, errutil.DataInvalid("the sheet is empty", nil)
	}
	return fromRecords(rows, s.SkipTop, 0)
}
