package stores

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"

	"catalog-assistant/internal/catalog"
	"catalog-assistant/internal/domain"
)

const (
	earthRadiusKM   = 6371.0
	DefaultRadiusKM = 20.0
	DefaultLimit    = 3
)

// Source returns raw candidate vendor records.
type Source interface {
	Stores() []catalog.Store
}

// Locator finds vendors near a location.
type Locator struct {
	source   Source
	radiusKM float64
}

func NewLocator(src Source, radiusKM float64) (*Locator, error) {
	if src == nil {
		return nil, errors.New("stores: source must not be nil")
	}
	if radiusKM <= 0 {
		radiusKM = DefaultRadiusKM
	}
	return &Locator{source: src, radiusKM: radiusKM}, nil
}

// FindNearby returns up to limit stores within the configured radius of loc,
// ascending by distance with ties broken by name. When product is non-empty
// only stores carrying it are considered. No candidates in range yields an
// empty list, not an error.
func (l *Locator) FindNearby(ctx context.Context, loc domain.Location, product string, limit int) ([]domain.StoreMatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validLocation(loc) {
		return nil, errors.New("stores: location out of range")
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	var out []domain.StoreMatch
	for _, s := range l.source.Stores() {
		match := ""
		if product != "" {
			var ok bool
			if match, ok = carries(s, product); !ok {
				continue
			}
		}
		d := Haversine(loc, domain.Location{Latitude: s.Latitude, Longitude: s.Longitude})
		if d > l.radiusKM {
			continue
		}
		out = append(out, domain.StoreMatch{
			Name:         s.Name,
			Address:      s.Address,
			DistanceKM:   math.Round(d*100) / 100,
			ProductMatch: match,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DistanceKM != out[j].DistanceKM {
			return out[i].DistanceKM < out[j].DistanceKM
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Haversine returns the great-circle distance between a and b in km.
func Haversine(a, b domain.Location) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Asin(math.Min(1, math.Sqrt(h)))
}

// carries reports whether s stocks product: exact normalized name first,
// then containment either way.
func carries(s catalog.Store, product string) (string, bool) {
	want := catalog.Normalize(product)
	if want == "" {
		return "", false
	}
	for _, p := range s.Products {
		if catalog.Normalize(p) == want {
			return p, true
		}
	}
	for _, p := range s.Products {
		have := catalog.Normalize(p)
		if have != "" && (strings.Contains(have, want) || strings.Contains(want, have)) {
			return p, true
		}
	}
	return "", false
}

func validLocation(loc domain.Location) bool {
	return loc.Latitude >= -90 && loc.Latitude <= 90 && loc.Longitude >= -180 && loc.Longitude <= 180
}
