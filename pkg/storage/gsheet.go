package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"regexp"

	"github.com/go-resty/resty/v2"

	"ontask/pkg/dataframe"
	"ontask/pkg/errutil"
)

var sheetPath = regexp.MustCompile(`^/spreadsheets/d/([A-Za-z0-9_-]+)(/.*)?$`)

// GoogleSheetExportURL turns a sheet URL in edit or export form into its CSV export URL.
func GoogleSheetExportURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host != "docs.google.com" {
		return "", errutil.DataInvalid("not a Google Sheets URL", err)
	}
	m := sheetPath.FindStringSubmatch(u.Path)
	if m == nil {
		return "", errutil.DataInvalid("not a Google Sheets URL", nil)
	}
	gid := u.Query().Get("gid")
	if gid == "" {
		if frag, err := url.ParseQuery(u.Fragment); err == nil {
			gid = frag.Get("gid")
		}
	}
	if gid == "" {
		gid = "0"
	}
	return fmt.Sprintf("https://docs.google.com/spreadsheets/d/%s/export?format=csv&gid=%s", m[1], url.QueryEscape(gid)), nil
}

type GoogleSheetSource struct {
	URL        string
	Client     *resty.Client
	SkipTop    int
	SkipBottom int
}

func (s GoogleSheetSource) Load(ctx context.Context) (*dataframe.Frame, error) {
	export, err := GoogleSheetExportURL(s.URL)
	if err != nil {
		return nil, err
	}
	c := s.Client
	if c == nil {
		c = resty.New()
	}
	resp, err := c.R().SetContext(ctx).Get(export)
	if err != nil {
		return nil, errutil.DataInvalid("failed to download the sheet", err)
	}
	if resp.IsError() {
		return nil, errutil.DataInvalid(fmt.Sprintf("downloading the sheet returned %d", resp.StatusCode()), nil)
	}
	return CSVSource{Reader: bytes.NewReader(resp.Body()), SkipTop: s.SkipTop, SkipBottom: s.SkipBottom}.Load(ctx)
}
