package geosearch

import (
	"context"
	"math"
	"sort"

	"github.com/uber/h3-go/v4"

	"meldhub/core/store"
)

// Resolution 8 cells have an edge of roughly 461 meters, which keeps
// the disk prefilter small for neighbourhood-scale searches.
const (
	cellResolution = 8
	hexEdgeMeters  = 461.0

	earthRadiusMeters = 6371000.0
)

// CellFor returns the index cell an incident is stored under, or the
// empty string when it has no location.
func CellFor(geo *store.GeoPoint) string {
	if geo == nil {
		return ""
	}
	return h3.LatLngToCell(h3.NewLatLng(geo.Lat, geo.Lon), cellResolution).String()
}

// coveringCells returns every cell whose content could lie within the
// radius: a grid disk wide enough that the circle never crosses its
// boundary.
func coveringCells(lat, lon, radiusMeters float64) []string {
	origin := h3.LatLngToCell(h3.NewLatLng(lat, lon), cellResolution)
	k := int(math.Ceil(radiusMeters/hexEdgeMeters)) + 1
	disk := h3.GridDisk(origin, k)
	cells := make([]string, 0, len(disk))
	for _, cell := range disk {
		cells = append(cells, cell.String())
	}
	return cells
}

// Haversine returns the great-circle distance in meters.
func Haversine(a, b store.GeoPoint) float64 {
	latA := a.Lat * math.Pi / 180
	latB := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(latA)*math.Cos(latB)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}

type Item struct {
	Incident store.IncidentRecord
	Distance float64
}

type Page struct {
	Items []Item
	// Cursor is the offset of the next page, nil when the result set or
	// the result window is exhausted.
	Cursor *int
}

type Searcher struct {
	incidents       store.IncidentsStore
	maxResultWindow int
}

func NewSearcher(incidents store.IncidentsStore, maxResultWindow int) *Searcher {
	if maxResultWindow <= 0 {
		maxResultWindow = 10000
	}
	return &Searcher{incidents: incidents, maxResultWindow: maxResultWindow}
}

// Search returns visible incidents within the radius ordered by
// distance. Pagination is a plain offset cursor clamped to the result
// window, matching the backing store's deep-paging limit.
func (s *Searcher) Search(ctx context.Context, lat, lon, radiusMeters float64, status store.IncidentStatus, cursor, pageSize int) (*Page, error) {
	if cursor < 0 {
		cursor = 0
	}
	if cursor >= s.maxResultWindow {
		return &Page{Items: []Item{}}, nil
	}
	if cursor+pageSize > s.maxResultWindow {
		pageSize = s.maxResultWindow - cursor
	}

	cells := coveringCells(lat, lon, radiusMeters)
	candidates, err := s.incidents.ListVisibleByCells(ctx, cells, status, 0, s.maxResultWindow)
	if err != nil {
		return nil, err
	}

	origin := store.GeoPoint{Lat: lat, Lon: lon}
	items := make([]Item, 0, len(candidates))
	for _, incident := range candidates {
		if incident.Geo == nil {
			continue
		}
		distance := Haversine(origin, *incident.Geo)
		if distance > radiusMeters {
			continue
		}
		items = append(items, Item{Incident: incident, Distance: distance})
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Distance < items[j].Distance
	})

	if cursor >= len(items) {
		return &Page{Items: []Item{}}, nil
	}
	end := cursor + pageSize
	if end > len(items) {
		end = len(items)
	}
	page := &Page{Items: items[cursor:end]}
	if end < len(items) && end < s.maxResultWindow {
		next := end
		page.Cursor = &next
	}
	return page, nil
}
