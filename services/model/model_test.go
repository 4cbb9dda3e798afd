package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ontask/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestMigrate(t *testing.T) {
	db := testutil.NewTestDB(t)
	require.NoError(t, Migrate(db))
	require.NoError(t, Migrate(db), "second run is a no-op")

	for _, m := range All() {
		require.True(t, db.Migrator().HasTable(m), "%T", m)
	}
	require.True(t, db.Migrator().HasIndex(&ColumnConditionPair{}, "idx_ccpair_position"))
}

func TestWorkflowHelpers(t *testing.T) {
	wf := &Workflow{ID: 42}
	require.Equal(t, "__ONTASK_WORKFLOW_TABLE_42", wf.PhysicalTable())
	require.Empty(t, wf.Attrs())

	wf.SetAttrs(map[string]string{"course": "BIO101"})
	require.Equal(t, map[string]string{"course": "BIO101"}, wf.Attrs())
}

func TestScheduledOperation_Exclude(t *testing.T) {
	op := &ScheduledOperation{}
	require.Empty(t, op.Excluded())

	op.Exclude("1", "2")
	op.Exclude("2", "3")
	require.Equal(t, []string{"1", "2", "3"}, op.Excluded())
}

func TestSQLConnectionURI(t *testing.T) {
	c := &SQLConnection{ConnType: "postgresql", ConnDriver: "psycopg2", DBUser: "u", DBPassword: "p", DBHost: "db", DBPort: 5432, DBName: "data"}
	require.Equal(t, "postgresql+psycopg2://u:p@db:5432/data", c.URI(""))

	c.ConnDriver, c.DBPort = "", 0
	require.Equal(t, "postgresql://u:other@db/data", c.URI("other"))

	a := &AthenaConnection{AWSBucketName: "bucket", AWSFilePath: "results"}
	require.Equal(t, "s3://bucket/results", a.StagingDir())
}

func TestActivityWindow(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	a := &Action{ActiveFrom: &from, ActiveTo: &to}

	require.False(t, a.Active(from.Add(-time.Second)))
	require.True(t, a.Active(from.Add(time.Hour)))
	require.False(t, a.Active(to.Add(time.Second)))
	require.True(t, (&Column{}).Active(from))
}
