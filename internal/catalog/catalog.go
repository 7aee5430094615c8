// Package catalog holds the precomputed biomass rasters used by the preliminary
// estimation strategy.
package catalog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/paulmach/orb"
	"github.com/robert-malhotra/biomass-estimator/internal/raster"
	"github.com/robert-malhotra/biomass-estimator/pkg/geojson"
)

// ErrUnsupportedArea is returned when no catalog entry fully contains a bbox.
var ErrUnsupportedArea = errors.New("unsupported area")

// ErrProjectedCRS is returned by Load for a raster in a projected CRS. Requests
// are matched against entry coverage in longitude/latitude degrees.
var ErrProjectedCRS = errors.New("catalog raster is not in a geographic CRS")

// Entry is a precomputed biomass raster.
type Entry struct {
	// Index is the position of the entry in the manifest.
	Index int
	// Ref is the URL or path of the raster.
	Ref string
	// Profile is the raster profile captured at load time.
	Profile raster.Profile
}

// Coverage returns the extent of the entry, derived from its profile.
func (e *Entry) Coverage() orb.Bound {
	return e.Profile.Bounds()
}

// Contains reports whether the entry coverage fully contains b.
func (e *Entry) Contains(b orb.Bound) bool {
	c := e.Coverage()
	return c.Min[0] <= b.Min[0] && c.Min[1] <= b.Min[1] &&
		b.Max[0] <= c.Max[0] && b.Max[1] <= c.Max[1]
}

// Catalog is an immutable, ordered list of entries.
type Catalog struct {
	entries []*Entry
	opener  raster.Opener
}

// New creates a catalog from entries. Opener is used to read entry rasters.
func New(entries []*Entry, opener raster.Opener) *Catalog {
	return &Catalog{entries: entries, opener: opener}
}

// Load reads a manifest of raster references, one per line, and captures the
// profile of each. Blank lines and lines starting with # are ignored. Any
// reference that cannot be opened fails the whole load.
func Load(ctx context.Context, manifest string, opener raster.Opener, logger *slog.Logger) (*Catalog, error) {
	f, err := os.Open(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog manifest: %w", err)
	}
	defer f.Close()

	refs, err := ParseManifest(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog manifest %q: %w", manifest, err)
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("catalog manifest %q lists no rasters", manifest)
	}

	entries := make([]*Entry, 0, len(refs))
	for i, ref := range refs {
		d, err := opener.Open(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("failed to open catalog raster %q: %w", ref, err)
		}
		profile := d.Profile()
		d.Close()

		if _, err := profile.Transform.Inverse(); err != nil {
			return nil, fmt.Errorf("catalog raster %q has an invalid transform: %w", ref, err)
		}
		switch {
		case profile.CRS.EPSG == 0:
			logger.Warn("catalog raster has no CRS, assuming longitude/latitude", slog.String("ref", ref))
		case !profile.CRS.IsGeographic():
			return nil, fmt.Errorf("%w: %q is %s", ErrProjectedCRS, ref, profile.CRS)
		}

		entry := &Entry{Index: i, Ref: ref, Profile: profile}
		entries = append(entries, entry)
		logger.Info("loaded catalog raster",
			slog.Int("index", i),
			slog.String("ref", ref),
			slog.String("crs", profile.CRS.String()),
			slog.Int("width", profile.Width),
			slog.Int("height", profile.Height),
			slog.String("coverage", geojson.BoundToWKT(entry.Coverage())),
		)
	}
	return New(entries, opener), nil
}

// ParseManifest returns the raster references listed in r.
func ParseManifest(r io.Reader) ([]string, error) {
	var refs []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		refs = append(refs, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return refs, nil
}

// Find returns the first entry, in manifest order, whose coverage fully contains
// bbox. Partial overlap never matches.
func (c *Catalog) Find(bbox orb.Bound) (*Entry, error) {
	for _, e := range c.entries {
		if e.Contains(bbox) {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedArea, geojson.BoundToWKT(bbox))
}

// Entries returns the catalog entries in manifest order.
func (c *Catalog) Entries() []*Entry {
	return append([]*Entry(nil), c.entries...)
}

// Len returns the number of entries.
func (c *Catalog) Len() int {
	return len(c.entries)
}

// Open opens the raster of an entry.
func (c *Catalog) Open(ctx context.Context, e *Entry) (*raster.Dataset, error) {
	return c.opener.Open(ctx, e.Ref)
}
