package sqlcatalog

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skydiff/internal/sky"
)

func writeCatalog(t *testing.T, rows map[string]sky.Coord) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE sources (id TEXT PRIMARY KEY, ra REAL, dec REAL, class TEXT, discovered TEXT)`)
	require.NoError(t, err)
	for id, c := range rows {
		_, err = db.Exec(`INSERT INTO sources VALUES (?, ?, ?, 'SN Ia', '2024-03-01T04:05:06Z')`, id, c.RA, c.Dec)
		require.NoError(t, err)
	}
	return path
}

func TestConeSearch(t *testing.T) {
	t.Parallel()
	center := sky.Coord{RA: 150, Dec: 2}
	path := writeCatalog(t, map[string]sky.Coord{
		"inside": center.Offset(1, 1),
		"edge":   center.Offset(0, 2),
		"beyond": center.Offset(0, 3),
		"far":    {RA: 10, Dec: -40},
	})
	cat, err := Open(path, "")
	require.NoError(t, err)
	defer cat.Close()

	got, err := cat.ConeSearch(context.Background(), center, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "edge", got[0].ID)
	assert.Equal(t, "inside", got[1].ID)
	assert.Equal(t, "SN Ia", got[0].Class)
	assert.Equal(t, 2024, got[0].Discovered.Year())
}

func TestConeSearchWrapsRA(t *testing.T) {
	t.Parallel()
	center := sky.Coord{RA: 0.0001, Dec: 0}
	path := writeCatalog(t, map[string]sky.Coord{
		"west": center.Offset(-1.5, 0),
		"east": center.Offset(1.5, 0),
	})
	cat, err := Open(path, "sources")
	require.NoError(t, err)
	defer cat.Close()

	got, err := cat.ConeSearch(context.Background(), center, 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestConeSearchAtPole(t *testing.T) {
	t.Parallel()
	pole := sky.Coord{RA: 0, Dec: 90}
	path := writeCatalog(t, map[string]sky.Coord{
		"near": {RA: 200, Dec: 90 - 1.0/3600},
	})
	cat, err := Open(path, "")
	require.NoError(t, err)
	defer cat.Close()

	got, err := cat.ConeSearch(context.Background(), pole, 2)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestOpenRejectsBadInput(t *testing.T) {
	t.Parallel()
	_, err := Open(filepath.Join(t.TempDir(), "missing.db"), "")
	assert.Error(t, err)

	path := writeCatalog(t, nil)
	_, err = Open(path, "sources; DROP TABLE x")
	assert.Error(t, err)
}

func TestCatalogIsReadOnly(t *testing.T) {
	t.Parallel()
	path := writeCatalog(t, nil)
	cat, err := Open(path, "")
	require.NoError(t, err)
	defer cat.Close()

	_, err = cat.db.Exec(`INSERT INTO sources (id, ra, dec) VALUES ('x', 1, 1)`)
	assert.Error(t, err)
}
