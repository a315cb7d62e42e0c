package geometry

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
)

var gpkgMagic = []byte("GP")

// Decode accepts the stored forms a layer may hand back: WKT or GeoJSON text,
// hex or raw WKB and GeoPackage binary blobs.
func Decode(v any) (orb.Geometry, error) {
	switch g := v.(type) {
	case nil:
		return nil, fmt.Errorf("%w: null geometry", model.ErrGeometry)
	case orb.Geometry:
		return g, nil
	case []byte:
		return DecodeBytes(g)
	case string:
		return DecodeText(g)
	}
	return nil, fmt.Errorf("%w: unsupported geometry value %T", model.ErrGeometry, v)
}

func DecodeText(s string) (orb.Geometry, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty geometry text", model.ErrGeometry)
	}
	if s[0] == '{' {
		g, err := geojson.UnmarshalGeometry([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("%w: geojson: %v", model.ErrGeometry, err)
		}
		return g.Geometry(), nil
	}
	if isHex(s) {
		raw, err := hex.DecodeString(s)
		if err == nil {
			return DecodeBytes(raw)
		}
	}
	if i := strings.Index(s, ";"); i > 0 && strings.HasPrefix(strings.ToUpper(s), "SRID=") {
		s = s[i+1:]
	}
	g, err := wkt.Unmarshal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: wkt: %v", model.ErrGeometry, err)
	}
	return g, nil
}

func DecodeBytes(b []byte) (orb.Geometry, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty geometry blob", model.ErrGeometry)
	}
	if bytes.HasPrefix(b, gpkgMagic) {
		return decodeGPKG(b)
	}
	if b[0] == 0 || b[0] == 1 {
		g, err := wkb.Unmarshal(b)
		if err != nil {
			return nil, fmt.Errorf("%w: wkb: %v", model.ErrGeometry, err)
		}
		return g, nil
	}
	return DecodeText(string(b))
}

// decodeGPKG strips the GeoPackage binary header and decodes the WKB body.
func decodeGPKG(b []byte) (orb.Geometry, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("%w: short geopackage header", model.ErrGeometry)
	}
	flags := b[3]
	if flags&0x10 != 0 {
		return nil, fmt.Errorf("%w: empty geopackage geometry", model.ErrGeometry)
	}
	var envelope int
	switch (flags >> 1) & 0x07 {
	case 0:
	case 1:
		envelope = 32
	case 2, 3:
		envelope = 48
	case 4:
		envelope = 64
	default:
		return nil, fmt.Errorf("%w: bad geopackage envelope flag", model.ErrGeometry)
	}
	start := 8 + envelope
	if len(b) <= start {
		return nil, fmt.Errorf("%w: truncated geopackage geometry", model.ErrGeometry)
	}
	g, err := wkb.Unmarshal(b[start:])
	if err != nil {
		return nil, fmt.Errorf("%w: geopackage wkb: %v", model.ErrGeometry, err)
	}
	return g, nil
}

func isHex(s string) bool {
	if len(s)%2 != 0 || len(s) < 10 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}

func MarshalWKT(g orb.Geometry) string {
	if g == nil {
		return ""
	}
	return wkt.MarshalString(g)
}

func MarshalWKB(g orb.Geometry) ([]byte, error) {
	b, err := wkb.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("wkb marshal: %w", err)
	}
	return b, nil
}
