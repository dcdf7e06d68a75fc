package source

import (
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// readShapefile returns the DBF field names and one row per record. Point
// shapes give the row its coordinates (X is longitude, Y latitude).
func readShapefile(path string) ([]string, []rawRow, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "source: open shapefile %s", path)
	}
	defer func() { _ = reader.Close() }()

	fields := reader.Fields()
	header := make([]string, len(fields))
	for i, f := range fields {
		header[i] = strings.TrimRight(f.String(), "\x00")
	}

	var rows []rawRow
	var nonPoint int
	for reader.Next() {
		_, shape := reader.Shape()

		r := rawRow{cells: make([]string, len(fields))}
		for i := range fields {
			r.cells[i] = strings.TrimSpace(strings.TrimRight(reader.Attribute(i), "\x00"))
		}

		switch p := shape.(type) {
		case *shp.Point:
			r.lat, r.lon, r.hasPoint = p.Y, p.X, true
		case *shp.PointZ:
			r.lat, r.lon, r.hasPoint = p.Y, p.X, true
		case *shp.PointM:
			r.lat, r.lon, r.hasPoint = p.Y, p.X, true
		default:
			nonPoint++
		}
		rows = append(rows, r)
	}
	if err := reader.Err(); err != nil {
		return nil, nil, eris.Wrapf(err, "source: read shapefile %s", path)
	}

	if nonPoint > 0 {
		zap.L().Debug("source: shapefile records without point geometry",
			zap.String("path", path),
			zap.Int("count", nonPoint),
		)
	}
	return header, rows, nil
}
