// Package satellitetest serves fake STAC scenes for tests.
package satellitetest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/paulmach/orb"

	"github.com/robert-malhotra/biomass-estimator/internal/config"
	"github.com/robert-malhotra/biomass-estimator/internal/raster"
)

// Server is a STAC API that answers every search with one item per collection.
// Asset hrefs resolve through Opener to constant tiles whose value is 1 + the
// asset's index within its group.
type Server struct {
	*httptest.Server
	searches atomic.Int32
	tiles    map[string][]byte
	values   map[string]float32
}

// Options configures a Server.
type Options struct {
	// Coverage is the extent of every tile.
	Coverage orb.Bound
	// Omit drops an asset key from the items.
	Omit string
}

// NewServer starts a fake STAC API for the sensor registry.
func NewServer(t testing.TB, sensors *config.SensorRegistry, opts Options) *Server {
	t.Helper()
	s := &Server{tiles: make(map[string][]byte), values: make(map[string]float32)}

	items := make(map[string]map[string]any)
	for _, group := range sensors.All() {
		item, ok := items[group.Collection]
		if !ok {
			c := opts.Coverage.Center()
			item = map[string]any{
				"type":         "Feature",
				"stac_version": "1.0.0",
				"id":           group.Collection + "-item",
				"collection":   group.Collection,
				"geometry":     map[string]any{"type": "Point", "coordinates": []float64{c[0], c[1]}},
				"properties":   map[string]any{"datetime": "2024-03-01T03:00:00Z"},
				"links":        []any{},
				"assets":       map[string]any{},
			}
			items[group.Collection] = item
		}
		for i, key := range group.Assets {
			if key == opts.Omit {
				continue
			}
			href := "mem://" + group.Collection + "/" + key + ".tif"
			v := float32(i + 1)
			s.tiles[href] = Tile(t, opts.Coverage, v)
			s.values[group.ID+"/"+key] = v
			item["assets"].(map[string]any)[key] = map[string]any{"href": href}
		}
	}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.searches.Add(1)
		var params struct {
			Collections []string `json:"collections"`
		}
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil || len(params.Collections) == 0 {
			http.Error(w, "invalid search", http.StatusBadRequest)
			return
		}
		features := []any{}
		if item, ok := items[params.Collections[0]]; ok {
			features = append(features, item)
		}
		w.Header().Set("Content-Type", "application/geo+json")
		json.NewEncoder(w).Encode(map[string]any{"type": "FeatureCollection", "features": features})
	}))
	return s
}

// Searches returns the number of searches served.
func (s *Server) Searches() int {
	return int(s.searches.Load())
}

// Value returns the constant value of an asset of a group.
func (s *Server) Value(group, key string) float32 {
	return s.values[group+"/"+key]
}

// Opener resolves the fake asset hrefs.
func (s *Server) Opener() raster.Opener {
	return raster.OpenerFunc(func(ctx context.Context, ref string) (*raster.Dataset, error) {
		b, ok := s.tiles[ref]
		if !ok {
			return nil, fmt.Errorf("%w: %s not found", raster.ErrRemote, ref)
		}
		return raster.Decode(bytes.NewReader(b))
	})
}

// Tile encodes a 40x40 WGS84 float32 raster over coverage filled with v.
func Tile(t testing.TB, coverage orb.Bound, v float32) []byte {
	t.Helper()
	p := raster.Profile{
		Driver:    "GTiff",
		DType:     raster.Float32,
		Width:     40,
		Height:    40,
		Count:     1,
		CRS:       raster.WGS84,
		Transform: raster.FromBounds(coverage.Min[0], coverage.Min[1], coverage.Max[0], coverage.Max[1], 40, 40),
		NoData:    raster.NaN(),
	}
	b, err := raster.EncodeBytes(raster.New(p, v))
	if err != nil {
		t.Fatalf("EncodeBytes() error = %v", err)
	}
	return b
}
