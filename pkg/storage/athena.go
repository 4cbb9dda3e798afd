package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/athena/types"
	"go.uber.org/zap"

	"ontask/pkg/dataframe"
	"ontask/pkg/errutil"
	"ontask/services/model"
)

// AthenaAPI is the subset of the Athena client used to read a table.
type AthenaAPI interface {
	StartQueryExecution(ctx context.Context, in *athena.StartQueryExecutionInput, opts ...func(*athena.Options)) (*athena.StartQueryExecutionOutput, error)
	GetQueryExecution(ctx context.Context, in *athena.GetQueryExecutionInput, opts ...func(*athena.Options)) (*athena.GetQueryExecutionOutput, error)
	GetQueryResults(ctx context.Context, in *athena.GetQueryResultsInput, opts ...func(*athena.Options)) (*athena.GetQueryResultsOutput, error)
}

// AthenaSource runs SELECT * on the connection table and pages through the
// result set.
type AthenaSource struct {
	Conn         *model.AthenaConnection
	SecretKey    string
	SessionToken string
	Table        string
	Client       AthenaAPI
	PollInterval time.Duration
}

func (s AthenaSource) client() AthenaAPI {
	if s.Client != nil {
		return s.Client
	}
	secret := s.SecretKey
	if secret == "" {
		secret = s.Conn.AWSSecretAccessKey
	}
	token := s.SessionToken
	if token == "" {
		token = s.Conn.AWSSessionToken
	}
	return athena.New(athena.Options{
		Region:      s.Conn.AWSRegionName,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(s.Conn.AWSAccessKey, secret, token)),
	})
}

func (s AthenaSource) Load(ctx context.Context) (*dataframe.Frame, error) {
	table := s.Table
	if table == "" {
		table = s.Conn.Table
	}
	if table == "" {
		return nil, errutil.DataInvalid("no table to read from", nil)
	}
	c := s.client()
	start, err := c.StartQueryExecution(ctx, &athena.StartQueryExecutionInput{
		QueryString:           aws.String(fmt.Sprintf(`SELECT * FROM "%s"`, table)),
		QueryExecutionContext: &types.QueryExecutionContext{Database: aws.String(s.Conn.DBName)},
		ResultConfiguration:   &types.ResultConfiguration{OutputLocation: aws.String(s.Conn.StagingDir())},
	})
	if err != nil {
		return nil, errutil.DataInvalid("failed to start the Athena query", err)
	}
	if err := s.wait(ctx, c, start.QueryExecutionId); err != nil {
		return nil, err
	}

	var header []string
	var records [][]string
	var next *string
	for {
		page, err := c.GetQueryResults(ctx, &athena.GetQueryResultsInput{QueryExecutionId: start.QueryExecutionId, NextToken: next})
		if err != nil {
			return nil, errutil.DataInvalid("failed to read the Athena results", err)
		}
		rows := page.ResultSet.Rows
		if header == nil {
			for _, ci := range page.ResultSet.ResultSetMetadata.ColumnInfo {
				header = append(header, aws.ToString(ci.Name))
			}
			// The first row of the first page repeats the column names.
			if len(rows) > 0 {
				rows = rows[1:]
			}
		}
		for _, r := range rows {
			rec := make([]string, len(r.Data))
			for i, d := range r.Data {
				rec[i] = aws.ToString(d.VarCharValue)
			}
			records = append(records, rec)
		}
		if page.NextToken == nil {
			break
		}
		next = page.NextToken
	}
	zap.L().Info("[Storage] loaded Athena table", zap.String("table", table), zap.Int("rows", len(records)))
	return dataframe.FromRecords(header, records)
}

func (s AthenaSource) wait(ctx context.Context, c AthenaAPI, id *string) error {
	interval := s.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	for {
		out, err := c.GetQueryExecution(ctx, &athena.GetQueryExecutionInput{QueryExecutionId: id})
		if err != nil {
			return errutil.DataInvalid("failed to poll the Athena query", err)
		}
		st := out.QueryExecution.Status
		switch st.State {
		case types.QueryExecutionStateSucceeded:
			return nil
		case types.QueryExecutionStateFailed, types.QueryExecutionStateCancelled:
			return errutil.DataInvalid(fmt.Sprintf("the Athena query ended as %s: %s", st.State, aws.ToString(st.StateChangeReason)), nil)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
