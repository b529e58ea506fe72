package index

import (
	"fmt"
	"math"
	"sort"

	"github.com/cuemby/solidb/internal/kv"
	"github.com/cuemby/solidb/internal/value"
)

const earthRadiusMeters = 6371000.0

// GeoIndex stores normalized (lat, lon) points under GEO/<name>/<doc_key>
// and scans them with a brute haversine distance;
// a brute scan is acceptable behind the near/within contract.
type GeoIndex struct {
	desc  Descriptor
	store kv.Store
	cf    string
}

func NewGeoIndex(store kv.Store, cf string, desc Descriptor) *GeoIndex {
	return &GeoIndex{desc: desc, store: store, cf: cf}
}

func (g *GeoIndex) Descriptor() Descriptor { return g.desc }

func (g *GeoIndex) entryKey(key string) []byte {
	return []byte(fmt.Sprintf("GEO/%s/%s", g.desc.Name, key))
}

// Point is a geographic coordinate in degrees.
type Point struct {
	Lat float64
	Lon float64
}

func (g *GeoIndex) pointOf(doc value.Value) (Point, bool) {
	if len(g.desc.Fields) == 0 {
		return Point{}, false
	}
	v, ok := doc.Get(g.desc.Fields[0])
	if !ok || v.Kind != value.KindObject {
		return Point{}, false
	}
	lat, latOK := v.Get("lat")
	lon, lonOK := v.Get("lon")
	if !latOK || !lonOK || lat.Kind != value.KindNumber || lon.Kind != value.KindNumber {
		return Point{}, false
	}
	return Point{Lat: lat.Number, Lon: lon.Number}, true
}

func encodePoint(p Point) []byte {
	return []byte(fmt.Sprintf("%.8f,%.8f", p.Lat, p.Lon))
}

func decodePoint(b []byte) (Point, bool) {
	var lat, lon float64
	if _, err := fmt.Sscanf(string(b), "%f,%f", &lat, &lon); err != nil {
		return Point{}, false
	}
	return Point{Lat: lat, Lon: lon}, true
}

func (g *GeoIndex) ComputeInsert(key string, doc value.Value) ([]kv.Op, []kv.Op, error) {
	p, ok := g.pointOf(doc)
	if !ok {
		return nil, nil, nil
	}
	return []kv.Op{kv.Put(g.cf, g.entryKey(key), encodePoint(p))}, nil, nil
}

func (g *GeoIndex) ComputeUpdate(key string, oldDoc, newDoc value.Value) ([]kv.Op, []kv.Op, error) {
	oldP, oldOK := g.pointOf(oldDoc)
	newP, newOK := g.pointOf(newDoc)
	if oldOK && newOK && oldP == newP {
		return nil, nil, nil
	}
	// The entry key embeds only the doc key, so a moved point is a
	// plain overwrite; a delete is needed only when the field vanished.
	if newOK {
		return []kv.Op{kv.Put(g.cf, g.entryKey(key), encodePoint(newP))}, nil, nil
	}
	if oldOK {
		return nil, []kv.Op{kv.Del(g.cf, g.entryKey(key))}, nil
	}
	return nil, nil, nil
}

func (g *GeoIndex) ComputeDelete(key string, doc value.Value) ([]kv.Op, []kv.Op, error) {
	if _, ok := g.pointOf(doc); !ok {
		return nil, nil, nil
	}
	return nil, []kv.Op{kv.Del(g.cf, g.entryKey(key))}, nil
}

func (g *GeoIndex) RebuildEntries(docs map[string]value.Value) ([]kv.Op, error) {
	var puts []kv.Op
	for key, doc := range docs {
		if p, ok := g.pointOf(doc); ok {
			puts = append(puts, kv.Put(g.cf, g.entryKey(key), encodePoint(p)))
		}
	}
	return puts, nil
}

// Haversine returns the great-circle distance between a and b in meters.
func Haversine(a, b Point) float64 {
	lat1, lon1 := a.Lat*math.Pi/180, a.Lon*math.Pi/180
	lat2, lon2 := b.Lat*math.Pi/180, b.Lon*math.Pi/180
	dLat := lat2 - lat1
	dLon := lon2 - lon1
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}

// GeoMatch is one scored geo query result.
type GeoMatch struct {
	Key      string
	Distance float64
	point    Point
}

// Near returns the limit documents closest to center, ascending by distance.
func (g *GeoIndex) Near(center Point, limit int) ([]GeoMatch, error) {
	all, err := g.scanWithPoints()
	if err != nil {
		return nil, err
	}
	for i := range all {
		all[i].Distance = Haversine(center, all[i].point)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Distance < all[j].Distance })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Within returns every document within radiusMeters of center.
func (g *GeoIndex) Within(center Point, radiusMeters float64) ([]GeoMatch, error) {
	all, err := g.scanWithPoints()
	if err != nil {
		return nil, err
	}
	var out []GeoMatch
	for _, m := range all {
		d := Haversine(center, m.point)
		if d <= radiusMeters {
			m.Distance = d
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out, nil
}

func (g *GeoIndex) scanWithPoints() ([]GeoMatch, error) {
	var all []GeoMatch
	prefix := []byte(fmt.Sprintf("GEO/%s/", g.desc.Name))
	err := g.store.PrefixIterate(g.cf, prefix, func(e kv.Entry) bool {
		p, ok := decodePoint(e.Value)
		if !ok {
			return true
		}
		key := string(e.Key[len(prefix):])
		all = append(all, GeoMatch{Key: key, point: p})
		return true
	})
	return all, err
}
