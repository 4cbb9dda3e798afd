// Package storage reads tabular data from files, spreadsheets, object
// stores, databases and Canvas into frames.
package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"ontask/pkg/config"
	"ontask/pkg/dataframe"
	"ontask/pkg/errutil"
)

// Source produces a frame. Cells may be raw strings; Read normalizes them.
type Source interface {
	Load(ctx context.Context) (*dataframe.Frame, error)
}

// Read loads src and applies type inference in loc.
func Read(ctx context.Context, src Source, loc *time.Location) (*dataframe.Frame, error) {
	f, err := src.Load(ctx)
	if err != nil {
		if errutil.Code(err) != errutil.StatusInternal {
			return nil, err
		}
		return nil, errutil.DataInvalid("failed to read the data", err)
	}
	if f.NCols() == 0 {
		return nil, errutil.DataInvalid("the data has no columns", nil)
	}
	out, err := dataframe.Normalize(f, loc)
	if err != nil {
		return nil, errutil.DataInvalid("failed to infer column types", err)
	}
	return out, nil
}

// fromRecords turns header-first records into a frame after skipping lines.
func fromRecords(records [][]string, skipTop, skipBottom int) (*dataframe.Frame, error) {
	if skipTop < 0 || skipBottom < 0 {
		return nil, errutil.DataInvalid("the number of lines to skip must be zero or positive", nil)
	}
	if skipTop+skipBottom >= len(records) {
		return nil, errutil.DataInvalid("there is no data left after skipping lines", nil)
	}
	records = records[skipTop : len(records)-skipBottom]
	header := records[0]
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\uFEFF")
	}
	f, err := dataframe.FromRecords(header, records[1:])
	if err != nil {
		return nil, errutil.DataInvalid("invalid header", err)
	}
	return f, nil
}

// ValidateUpload checks an uploaded file against MAX_UPLOAD_SIZE and
// CONTENT_TYPES. The content type is sniffed from the first bytes; the
// declared one is accepted when sniffing is inconclusive.
func ValidateUpload(r io.Reader, size int64, declared string, cfg *config.Config) (string, error) {
	if cfg.MaxUploadSize > 0 && size > cfg.MaxUploadSize {
		return "", errutil.New(errutil.StatusRequestTooLarge,
			fmt.Sprintf("the file is larger than %d bytes", cfg.MaxUploadSize))
	}
	mt, err := mimetype.DetectReader(r)
	if err != nil {
		return "", errutil.DataInvalid("failed to read the upload", err)
	}
	allowed := cfg.AllowedContentTypes()
	if len(allowed) == 0 {
		return mt.String(), nil
	}
	for _, a := range allowed {
		if mt.Is(a) {
			return a, nil
		}
	}
	if declared = strings.TrimSpace(strings.Split(declared, ";")[0]); declared != "" {
		for _, a := range allowed {
			if a == declared && (mt.Is("text/plain") || mt.Is("application/octet-stream") || mt.Is("application/zip")) {
				return a, nil
			}
		}
	}
	return "", errutil.UnsupportedMediaType(fmt.Sprintf("content type %s is not allowed", mt.String()), nil)
}
