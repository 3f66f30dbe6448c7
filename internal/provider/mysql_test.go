package provider

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockProvider(t *testing.T) (*MySQLProvider, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewMySQLProvider("prod-1", db), mock
}

var statColumns = []string{
	"digest", "DIGEST_TEXT", "EXEC_COUNT",
	"total_elapsed_ms", "avg_elapsed_ms",
	"total_cpu_ms", "avg_cpu_ms",
	"total_logical_reads", "avg_logical_reads",
	"total_logical_writes", "total_physical_reads",
	"PLAN_DIGEST",
}

func TestTopQueriesByElapsed(t *testing.T) {
	p, mock := newMockProvider(t)

	rows := sqlmock.NewRows(statColumns).
		AddRow("0a1b", "select * from orders where id = ?", 120,
			2400.5, 20.0, 1200.0, 10.0,
			5000, 41.6, 100, 20, "p-1").
		AddRow(nil, "select count ( * ) from users", 5,
			100.0, 20.0, 50.0, 10.0,
			10, 2.0, 0, 0, nil)
	mock.ExpectQuery("FROM information_schema.statements_summary").WillReturnRows(rows)

	now := time.Now().UTC()
	stats, err := p.TopQueriesByElapsed(context.Background(), "orders", 10, Window{From: now.Add(-15 * time.Minute), To: now})
	require.NoError(t, err)
	require.Len(t, stats, 2)

	assert.Equal(t, []byte{0x0a, 0x1b}, stats[0].QueryHash)
	assert.Equal(t, int64(120), stats[0].ExecCount)
	assert.Equal(t, 2400.5, stats[0].TotalElapsedMs)
	assert.Equal(t, "p-1", stats[0].PlanID)

	assert.Nil(t, stats[1].QueryHash)
	assert.Equal(t, "select count ( * ) from users", stats[1].SQLText)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListDatabases_FiltersSystemSchemas(t *testing.T) {
	p, mock := newMockProvider(t)

	rows := sqlmock.NewRows([]string{"Database"}).
		AddRow("orders").
		AddRow("mysql").
		AddRow("INFORMATION_SCHEMA").
		AddRow("billing").
		AddRow("PERFORMANCE_SCHEMA").
		AddRow("sys").
		AddRow("metrics_schema")
	mock.ExpectQuery("SHOW DATABASES").WillReturnRows(rows)

	names, err := p.ListDatabases(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"orders", "billing"}, names)
}

func TestDecodeDigest(t *testing.T) {
	tests := []struct {
		input string
		want  []byte
	}{
		{"00ff", []byte{0x00, 0xff}},
		{"AbCd", []byte{0xab, 0xcd}},
		{"", []byte{}},
		{"xyz", nil},   // non-hex
		{"abc", []byte{0xab}}, // odd length truncates
	}
	for _, tt := range tests {
		got := decodeDigest(tt.input)
		if tt.want == nil {
			assert.Nil(t, got, "decodeDigest(%q)", tt.input)
			continue
		}
		assert.Equal(t, tt.want, got, "decodeDigest(%q)", tt.input)
	}
}
