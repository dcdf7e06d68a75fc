package spatial

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
)

// SRID of every geometry written by this package.
const SRID = 4326

// EncodePoint converts a coordinate to EWKB bytes with SRID 4326, the form
// PostGIS accepts for a geometry(Point, 4326) column.
func EncodePoint(lat, lon float64) ([]byte, error) {
	if err := ValidateCoordinate(lat, lon); err != nil {
		return nil, err
	}
	p := geom.NewPointFlat(geom.XY, []float64{lon, lat}).SetSRID(SRID)
	data, err := ewkb.Marshal(p, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "spatial: encode point")
	}
	return data, nil
}

// DecodePoint reads an EWKB point back into (lat, lon).
func DecodePoint(data []byte) (float64, float64, error) {
	g, err := ewkb.Unmarshal(data)
	if err != nil {
		return 0, 0, eris.Wrap(err, "spatial: decode point")
	}
	p, ok := g.(*geom.Point)
	if !ok {
		return 0, 0, eris.Errorf("spatial: expected point, got %T", g)
	}
	return p.Y(), p.X(), nil
}

// ParseCoords parses the "lat,lon" strings used by the registry extracts.
// Whitespace and an optional surrounding parenthesis are tolerated.
func ParseCoords(s string) (float64, float64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "(")
	s = strings.TrimSuffix(s, ")")
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, eris.Wrapf(ErrInvalidCoordinate, "coords %q", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, eris.Wrapf(ErrInvalidCoordinate, "latitude %q", parts[0])
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, eris.Wrapf(ErrInvalidCoordinate, "longitude %q", parts[1])
	}
	if err := ValidateCoordinate(lat, lon); err != nil {
		return 0, 0, err
	}
	return lat, lon, nil
}
