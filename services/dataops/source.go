package dataops

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"ontask/pkg/config"
	"ontask/pkg/errutil"
	"ontask/pkg/storage"
	"ontask/services/model"
)

// SourceSpec names an external source by connection record or URI, as
// stored in scheduled upload payloads.
type SourceSpec struct {
	Kind         string    `json:"kind"`
	ConnectionID int64     `json:"connection_id"`
	Password     string    `json:"db_password"`
	Table        string    `json:"db_table"`
	URI          string    `json:"s3_uri"`
	AccessKey    string    `json:"aws_access_key"`
	SecretKey    string    `json:"aws_secret_access_key"`
	SessionToken string    `json:"aws_session_token"`
	Sheet        string    `json:"sheet"`
	SkipTop      int       `json:"skip_lines_at_top"`
	SkipBottom   int       `json:"skip_lines_at_bottom"`
	Merge        MergeInfo `json:"merge"`
}

const (
	KindSQL    = "sql"
	KindS3     = "s3"
	KindAthena = "athena"
)

// Resolve builds the storage source described by spec. Disabled
// connections are refused.
func (s *Service) Resolve(ctx context.Context, cfg *config.Config, spec SourceSpec) (storage.Source, error) {
	db := s.wf.DB().WithContext(ctx)
	switch spec.Kind {
	case KindSQL:
		var conn model.SQLConnection
		if err := db.First(&conn, "id = ?", spec.ConnectionID).Error; err != nil {
			return nil, connectionErr("SQL", err)
		}
		if !conn.Enabled {
			return nil, errutil.BadRequest(fmt.Sprintf("SQL connection %q is disabled", conn.Name), nil)
		}
		return storage.SQLSource{Conn: &conn, Password: spec.Password, Table: spec.Table}, nil
	case KindAthena:
		var conn model.AthenaConnection
		if err := db.First(&conn, "id = ?", spec.ConnectionID).Error; err != nil {
			return nil, connectionErr("Athena", err)
		}
		if !conn.Enabled {
			return nil, errutil.BadRequest(fmt.Sprintf("Athena connection %q is disabled", conn.Name), nil)
		}
		return storage.AthenaSource{Conn: &conn, SecretKey: spec.SecretKey, SessionToken: spec.SessionToken, Table: spec.Table}, nil
	case KindS3:
		if spec.URI == "" {
			return nil, errutil.BadRequest("s3_uri is required", nil)
		}
		return storage.S3Source{
			URI:          spec.URI,
			Endpoint:     cfg.S3.Endpoint,
			Region:       cfg.S3.Region,
			Secure:       cfg.S3.Secure,
			AccessKey:    spec.AccessKey,
			SecretKey:    spec.SecretKey,
			SessionToken: spec.SessionToken,
			Sheet:        spec.Sheet,
			SkipTop:      spec.SkipTop,
			SkipBottom:   spec.SkipBottom,
		}, nil
	}
	return nil, errutil.BadRequest(fmt.Sprintf("unknown source kind %q", spec.Kind), nil)
}

func connectionErr(kind string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errutil.NotFound(kind+" connection not found", nil)
	}
	return err
}
