// Package sqlcatalog serves cone searches from a read-only SQLite export of
// the reference catalog.
//
// The table needs the columns id, ra, dec (degrees, J2000), class and
// discovered (RFC 3339 text, may be empty).
package sqlcatalog

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"regexp"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"skydiff/internal/sky"
	"skydiff/internal/validate"
)

// DefaultTable is used when no table name is configured.
const DefaultTable = "sources"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Catalog is a validate.Catalog backed by SQLite.
type Catalog struct {
	path  string
	table string
	db    *sql.DB
}

var _ validate.Catalog = (*Catalog)(nil)

// Open connects read-only to the catalog at path.
func Open(path, table string) (*Catalog, error) {
	if table == "" {
		table = DefaultTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid catalog table name %q", table)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("catalog not found at %s: %w", path, err)
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog ping failed: %w", err)
	}
	return &Catalog{path: path, table: table, db: db}, nil
}

// Close releases the connection.
func (c *Catalog) Close() error { return c.db.Close() }

// ConeSearch selects the RA/Dec bounding box of the cone, then keeps the
// rows whose true separation is within the radius.
func (c *Catalog) ConeSearch(ctx context.Context, center sky.Coord, radiusArcsec float64) ([]validate.CatalogEntry, error) {
	r := radiusArcsec / sky.ArcsecPerDegree
	decMin, decMax := center.Dec-r, center.Dec+r

	where := "dec BETWEEN ? AND ?"
	args := []any{decMin, decMax}

	// Near a pole the box spans every RA.
	if decMin > -90 && decMax < 90 {
		cosMax := math.Min(math.Cos(decMin*math.Pi/180), math.Cos(decMax*math.Pi/180))
		dra := 180.0
		if cosMax > 1e-9 {
			dra = math.Min(180, r/cosMax)
		}
		if dra < 180 {
			lo := sky.NormalizeRA(center.RA - dra)
			hi := sky.NormalizeRA(center.RA + dra)
			if lo <= hi {
				where += " AND ra BETWEEN ? AND ?"
			} else {
				where += " AND (ra >= ? OR ra <= ?)"
			}
			args = append(args, lo, hi)
		}
	}

	query := fmt.Sprintf(`SELECT id, ra, dec, COALESCE(class, ''), COALESCE(discovered, '') FROM %s WHERE %s`, c.table, where)
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("cone search: %w", err)
	}
	defer rows.Close()

	var out []validate.CatalogEntry
	for rows.Next() {
		var (
			e          validate.CatalogEntry
			discovered string
		)
		if err := rows.Scan(&e.ID, &e.Coord.RA, &e.Coord.Dec, &e.Class, &discovered); err != nil {
			return nil, fmt.Errorf("scan catalog row: %w", err)
		}
		if !validate.WithinRadius(sky.SeparationArcsec(center, e.Coord), radiusArcsec) {
			continue
		}
		if discovered != "" {
			if t, err := time.Parse(time.RFC3339, discovered); err == nil {
				e.Discovered = t
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cone search: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
