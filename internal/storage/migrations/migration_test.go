package migrations

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Embedded(t *testing.T) {
	pg, err := Load(embedded, "postgres")
	require.NoError(t, err)
	require.NotEmpty(t, pg)
	assert.Equal(t, 1, pg[0].Version)
	assert.Equal(t, "init", pg[0].Name)
	assert.Contains(t, pg[0].SQL, "event_seq")

	ch, err := Load(embedded, "clickhouse")
	require.NoError(t, err)
	require.NotEmpty(t, ch)
	assert.Equal(t, "candles", ch[0].Name)
}

func TestLoad_OrdersByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"m/010_late.sql":  {Data: []byte("SELECT 10")},
		"m/002_mid.sql":   {Data: []byte("SELECT 2")},
		"m/001_first.sql": {Data: []byte("SELECT 1")},
		"m/README.md":     {Data: []byte("ignored")},
	}

	got, err := Load(fsys, "m")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []int{1, 2, 10}, []int{got[0].Version, got[1].Version, got[2].Version})
	assert.Equal(t, "late", got[2].Name)
}

func TestLoad_RejectsBadFiles(t *testing.T) {
	tests := []struct {
		name  string
		files fstest.MapFS
	}{
		{"no version", fstest.MapFS{"m/init.sql": {Data: []byte("x")}}},
		{"zero version", fstest.MapFS{"m/000_init.sql": {Data: []byte("x")}}},
		{"no name", fstest.MapFS{"m/001_.sql": {Data: []byte("x")}}},
		{"duplicate version", fstest.MapFS{
			"m/001_a.sql": {Data: []byte("x")},
			"m/1_b.sql":   {Data: []byte("y")},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.files, "m")
			assert.ErrorIs(t, err, ErrBadMigration)
		})
	}
}

func TestPending_SkipsApplied(t *testing.T) {
	all := []Migration{{Version: 1}, {Version: 2}, {Version: 3}}
	got := pending(all, map[int]bool{1: true, 3: true})
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Version)

	assert.Empty(t, pending(all, map[int]bool{1: true, 2: true, 3: true}))
}

func TestStatements(t *testing.T) {
	sql := `
-- header; with a semicolon
CREATE TABLE a (x String DEFAULT 'a;b');
INSERT INTO a VALUES ('it''s; fine'), ('back\'slash;');

-- trailing comment
SELECT 1 -- inline; comment
`
	got := Statements(sql)
	require.Len(t, got, 3)
	assert.Equal(t, "CREATE TABLE a (x String DEFAULT 'a;b')", got[0])
	assert.Equal(t, `INSERT INTO a VALUES ('it''s; fine'), ('back\'slash;')`, got[1])
	assert.Equal(t, "SELECT 1", got[2])
}

func TestStatements_Embedded(t *testing.T) {
	ch, err := Load(embedded, "clickhouse")
	require.NoError(t, err)
	for _, m := range ch {
		for _, stmt := range Statements(m.SQL) {
			assert.NotContains(t, stmt, "--", "comments are stripped from %d_%s", m.Version, m.Name)
		}
	}
}
