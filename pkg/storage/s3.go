package storage

import (
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"ontask/pkg/dataframe"
	"ontask/pkg/errutil"
	"ontask/pkg/minio"
)

// S3Source reads a CSV or Excel object from s3://bucket/key. A file:// URI
// reads from the local filesystem instead.
type S3Source struct {
	URI          string
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	Secure       bool

	Sheet      string
	Delimiter  rune
	SkipTop    int
	SkipBottom int
}

func (s S3Source) open(ctx context.Context) (io.ReadCloser, string, error) {
	if strings.HasPrefix(s.URI, "file://") {
		u, err := url.Parse(s.URI)
		if err != nil {
			return nil, "", err
		}
		f, err := os.Open(u.Path)
		return f, u.Path, err
	}
	bucket, key, err := minio.ParseURI(s.URI)
	if err != nil {
		return nil, "", errutil.DataInvalid("invalid S3 URI", err)
	}
	client, err := minio.New(minio.Params{
		Endpoint:     s.Endpoint,
		Region:       s.Region,
		AccessKey:    s.AccessKey,
		SecretKey:    s.SecretKey,
		SessionToken: s.SessionToken,
		Secure:       s.Secure,
	})
	if err != nil {
		return nil, "", err
	}
	r, err := minio.Open(ctx, client, bucket, key)
	return r, key, err
}

func (s S3Source) Load(ctx context.Context) (*dataframe.Frame, error) {
	r, name, err := s.open(ctx)
	if err != nil {
		return nil, errutil.DataInvalid("failed to open "+s.URI, err)
	}
	defer r.Close()

	switch strings.ToLower(path.Ext(name)) {
	case ".xlsx", ".xls":
		return ExcelSource{Reader: r, Sheet: s.Sheet, SkipTop: s.SkipTop}.Load(ctx)
	default:
		return CSVSource{Reader: r, Delimiter: s.Delimiter, SkipTop: s.SkipTop, SkipBottom: s.SkipBottom}.Load(ctx)
	}
}
