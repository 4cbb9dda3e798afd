package storage

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/athena/types"
	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"ontask/pkg/config"
	"ontask/pkg/dataframe"
	"ontask/pkg/errutil"
	"ontask/services/model"
	"ontask/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const studentsCSV = "sid,name,email,age,registered,when\n" +
	"1,Ann,ann@example.com,20,true,2024-01-01 10:00\n" +
	"2,Bo,bo@example.com,15,true,2024-01-02 11:00\n" +
	"3,Cy,cy@example.com,30,false,2024-01-03 12:00\n"

func TestCSVSource_Inference(t *testing.T) {
	f, err := Read(context.Background(), CSVSource{Reader: strings.NewReader(studentsCSV)}, time.UTC)
	require.NoError(t, err)
	require.Equal(t, 3, f.NRows())
	require.Equal(t, 6, f.NCols())
	require.Equal(t, dataframe.Integer, f.Column("sid").Type)
	require.Equal(t, dataframe.String, f.Column("name").Type)
	require.Equal(t, dataframe.Boolean, f.Column("registered").Type)
	require.Equal(t, dataframe.Datetime, f.Column("when").Type)
	require.Equal(t, []string{"sid", "name", "email", "age", "when"}, dataframe.KeyColumns(f))
}

func TestCSVSource_Skip(t *testing.T) {
	src := "exported by lms\n" + studentsCSV + "total,3\n"
	f, err := Read(context.Background(), CSVSource{Reader: strings.NewReader(src), SkipTop: 1, SkipBottom: 1}, time.UTC)
	require.NoError(t, err)
	require.Equal(t, 3, f.NRows())

	_, err = Read(context.Background(), CSVSource{Reader: strings.NewReader(src), SkipTop: -1}, time.UTC)
	require.True(t, errutil.Is(err, errutil.StatusDataInvalid))

	_, err = Read(context.Background(), CSVSource{Reader: strings.NewReader("a,b\n"), SkipTop: 1}, time.UTC)
	require.True(t, errutil.Is(err, errutil.StatusDataInvalid))
}

func TestCSVSource_BadHeader(t *testing.T) {
	_, err := Read(context.Background(), CSVSource{Reader: strings.NewReader("a,{b}\n1,2\n")}, time.UTC)
	require.True(t, errutil.Is(err, errutil.StatusDataInvalid))
}

func workbook(t *testing.T) *bytes.Buffer {
	t.Helper()
	wb := excelize.NewFile()
	defer wb.Close()
	_, err := wb.NewSheet("Grades")
	require.NoError(t, err)
	require.NoError(t, wb.SetSheetRow("Grades", "A1", &[]any{"sid", "grade"}))
	require.NoError(t, wb.SetSheetRow("Grades", "A2", &[]any{1, "HD"}))
	require.NoError(t, wb.SetSheetRow("Grades", "A3", &[]any{2, "P"}))
	buf, err := wb.WriteToBuffer()
	require.NoError(t, err)
	return buf
}

func TestExcelSource(t *testing.T) {
	ctx := context.Background()
	f, err := Read(ctx, ExcelSource{Reader: workbook(t), Sheet: "Grades"}, time.UTC)
	require.NoError(t, err)
	require.Equal(t, []any{int64(1), int64(2)}, f.Column("sid").Values)
	require.Equal(t, []any{"HD", "P"}, f.Column("grade").Values)

	_, err = Read(ctx, ExcelSource{Reader: workbook(t), Sheet: "Missing"}, time.UTC)
	require.True(t, errutil.Is(err, errutil.StatusDataInvalid))
	_, err = Read(ctx, ExcelSource{Reader: workbook(t)}, time.UTC)
	require.True(t, errutil.Is(err, errutil.StatusDataInvalid))
}

func TestGoogleSheetExportURL(t *testing.T) {
	u, err := GoogleSheetExportURL("https://docs.google.com/spreadsheets/d/abc_123/edit#gid=42")
	require.NoError(t, err)
	require.Equal(t, "https://docs.google.com/spreadsheets/d/abc_123/export?format=csv&gid=42", u)

	u, err = GoogleSheetExportURL("https://docs.google.com/spreadsheets/d/abc_123/export?format=csv&gid=7")
	require.NoError(t, err)
	require.Equal(t, "https://docs.google.com/spreadsheets/d/abc_123/export?format=csv&gid=7", u)

	u, err = GoogleSheetExportURL("https://docs.google.com/spreadsheets/d/abc_123/edit")
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(u, "gid=0"))

	_, err = GoogleSheetExportURL("https://example.com/spreadsheets/d/abc/edit")
	require.Error(t, err)
}

func TestS3Source_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "students.csv")
	require.NoError(t, os.WriteFile(path, []byte(studentsCSV), 0o600))

	f, err := Read(context.Background(), S3Source{URI: "file://" + path}, time.UTC)
	require.NoError(t, err)
	require.Equal(t, 3, f.NRows())

	_, err = Read(context.Background(), S3Source{URI: "file://" + path + ".missing"}, time.UTC)
	require.True(t, errutil.Is(err, errutil.StatusDataInvalid))
}

func TestSQLSource(t *testing.T) {
	db := testutil.NewTestDB(t)
	require.NoError(t, db.Exec(`CREATE TABLE people (sid INTEGER, name TEXT, score REAL)`).Error)
	require.NoError(t, db.Exec(`INSERT INTO people VALUES (1, 'Ann', 1.5), (2, 'Bo', NULL)`).Error)

	f, err := Read(context.Background(), SQLSource{DB: db, Conn: &model.SQLConnection{DBTable: "people"}}, time.UTC)
	require.NoError(t, err)
	require.Equal(t, []any{int64(1), int64(2)}, f.Column("sid").Values)
	require.Equal(t, []any{"Ann", "Bo"}, f.Column("name").Values)
	require.Equal(t, []any{1.5, nil}, f.Column("score").Values)
}

type fakeAthena struct {
	polls int
	pages []*athena.GetQueryResultsOutput
	query string
}

func (f *fakeAthena) StartQueryExecution(_ context.Context, in *athena.StartQueryExecutionInput, _ ...func(*athena.Options)) (*athena.StartQueryExecutionOutput, error) {
	f.query = aws.ToString(in.QueryString)
	return &athena.StartQueryExecutionOutput{QueryExecutionId: aws.String("q1")}, nil
}

func (f *fakeAthena) GetQueryExecution(context.Context, *athena.GetQueryExecutionInput, ...func(*athena.Options)) (*athena.GetQueryExecutionOutput, error) {
	f.polls++
	state := types.QueryExecutionStateRunning
	if f.polls > 1 {
		state = types.QueryExecutionStateSucceeded
	}
	return &athena.GetQueryExecutionOutput{QueryExecution: &types.QueryExecution{
		Status: &types.QueryExecutionStatus{State: state},
	}}, nil
}

func (f *fakeAthena) GetQueryResults(_ context.Context, in *athena.GetQueryResultsInput, _ ...func(*athena.Options)) (*athena.GetQueryResultsOutput, error) {
	if in.NextToken == nil {
		return f.pages[0], nil
	}
	return f.pages[1], nil
}

func athenaRow(values ...string) types.Row {
	r := types.Row{}
	for _, v := range values {
		r.Data = append(r.Data, types.Datum{VarCharValue: aws.String(v)})
	}
	return r
}

func TestAthenaSource(t *testing.T) {
	meta := &types.ResultSetMetadata{ColumnInfo: []types.ColumnInfo{{Name: aws.String("sid")}, {Name: aws.String("name")}}}
	fake := &fakeAthena{pages: []*athena.GetQueryResultsOutput{
		{
			ResultSet: &types.ResultSet{ResultSetMetadata: meta, Rows: []types.Row{athenaRow("sid", "name"), athenaRow("1", "Ann")}},
			NextToken: aws.String("p2"),
		},
		{ResultSet: &types.ResultSet{ResultSetMetadata: meta, Rows: []types.Row{athenaRow("2", "")}}},
	}}
	conn := &model.AthenaConnection{DBName: "lms", Table: "students", AWSBucketName: "b", AWSFilePath: "out"}

	f, err := Read(context.Background(), AthenaSource{Conn: conn, Client: fake, PollInterval: time.Millisecond}, time.UTC)
	require.NoError(t, err)
	require.Equal(t, `SELECT * FROM "students"`, fake.query)
	require.Equal(t, 2, fake.polls)
	require.Equal(t, []any{int64(1), int64(2)}, f.Column("sid").Values)
	require.Equal(t, []any{"Ann", nil}, f.Column("name").Values)
}

func TestCanvasCourseSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/courses/7/users":
			_, _ = w.Write([]byte(`[{"id":10,"name":"Ann","sortable_name":"Ann","email":"ann@example.com","login_id":"ann"},
				{"id":11,"name":"Bo","sortable_name":"Bo","email":"","login_id":"bo"}]`))
		case "/api/v1/courses/7/assignments":
			_, _ = w.Write([]byte(`[{"id":1,"name":"Essay"}]`))
		case "/api/v1/courses/7/students/submissions":
			_, _ = w.Write([]byte(`[{"user_id":10,"assignment_id":1,"score":8.5},{"user_id":11,"assignment_id":1,"score":null}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	src := CanvasCourseSource{BaseURL: srv.URL, Token: "tok", CourseID: 7, IncludeAssignments: true, Client: resty.New()}
	f, err := Read(context.Background(), src, time.UTC)
	require.NoError(t, err)
	require.Equal(t, []any{int64(10), int64(11)}, f.Column("id").Values)
	require.Equal(t, []any{"ann@example.com", nil}, f.Column("email").Values)
	require.Equal(t, []any{8.5, nil}, f.Column("Essay").Values)
}

func TestValidateUpload(t *testing.T) {
	cfg := &config.Config{MaxUploadSize: 1024, ContentTypes: `["text/csv", "text/plain"]`}

	ct, err := ValidateUpload(strings.NewReader(studentsCSV), int64(len(studentsCSV)), "text/csv", cfg)
	require.NoError(t, err)
	require.Contains(t, []string{"text/csv", "text/plain"}, ct)

	_, err = ValidateUpload(strings.NewReader(studentsCSV), 4096, "text/csv", cfg)
	require.True(t, errutil.Is(err, errutil.StatusRequestTooLarge))

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	_, err = ValidateUpload(bytes.NewReader(png), int64(len(png)), "image/png", cfg)
	require.True(t, errutil.Is(err, errutil.StatusUnsupportedMediaType))
}
