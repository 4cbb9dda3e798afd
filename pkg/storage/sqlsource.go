package storage

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"ontask/pkg/config"
	"ontask/pkg/dataframe"
	"ontask/pkg/db"
	"ontask/pkg/db/dialect"
	"ontask/pkg/errutil"
	"ontask/services/model"
)

// SQLSource reads a whole table of a remote database. DB, when set, is used
// instead of opening a connection from Conn.
type SQLSource struct {
	Conn     *model.SQLConnection
	Password string
	Table    string
	DB       *gorm.DB
}

func (s SQLSource) open() (*gorm.DB, func(), error) {
	if s.DB != nil {
		return s.DB, func() {}, nil
	}
	password := s.Password
	if password == "" {
		password = s.Conn.DBPassword
	}
	d := config.Database{
		Engine:   s.Conn.ConnType,
		Name:     s.Conn.DBName,
		User:     s.Conn.DBUser,
		Password: password,
		Host:     s.Conn.DBHost,
	}
	if s.Conn.DBPort > 0 {
		d.Port = strconv.Itoa(s.Conn.DBPort)
	}
	dialector, err := db.Open(d)
	if err != nil {
		return nil, nil, errutil.DataInvalid("unsupported connection type", err)
	}
	conn, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, nil, errutil.DataInvalid(fmt.Sprintf("failed to connect to %s", s.Conn.Name), err)
	}
	return conn, func() {
		if sqlDB, err := conn.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}, nil
}

func (s SQLSource) Load(ctx context.Context) (*dataframe.Frame, error) {
	table := s.Table
	if table == "" && s.Conn != nil {
		table = s.Conn.DBTable
	}
	if table == "" {
		return nil, errutil.DataInvalid("no table to read from", nil)
	}
	conn, closeFn, err := s.open()
	if err != nil {
		return nil, err
	}
	defer closeFn()

	q := dialect.Of(conn).Quote(table)
	rows, err := conn.WithContext(ctx).Raw("SELECT * FROM " + q).Rows()
	if err != nil {
		return nil, errutil.DataInvalid("failed to query "+table, err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	series := make([]*dataframe.Series, len(names))
	for i, n := range names {
		series[i] = &dataframe.Series{Name: n}
	}
	for rows.Next() {
		vals := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			series[i].Values = append(series[i].Values, v)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	zap.L().Info("[Storage] loaded SQL table", zap.String("table", table), zap.Int("columns", len(names)))
	return dataframe.New(series...)
}
