package satellite

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/paulmach/orb"

	"github.com/robert-malhotra/biomass-estimator/internal/config"
)

// CloudCoverProperty is the item property holding scene cloud cover in percent.
const CloudCoverProperty = "eo:cloud_cover"

// SortField is one STAC API sort key.
type SortField struct {
	Field     string `json:"field"`
	Direction string `json:"direction"`
}

// SearchParams is the body of a STAC API item search.
type SearchParams struct {
	Collections []string       `json:"collections"`
	BBox        []float64      `json:"bbox,omitempty"`
	Datetime    string         `json:"datetime,omitempty"`
	Limit       int            `json:"limit,omitempty"`
	SortBy      []SortField    `json:"sortby,omitempty"`
	Filter      map[string]any `json:"filter,omitempty"`
	FilterLang  string         `json:"filter-lang,omitempty"`
}

// SceneQuery builds a search for the most recent scene of a band group
// intersecting bbox. A zero start leaves the interval open.
func SceneQuery(group *config.BandGroup, bbox orb.Bound, maxCloudCover float64, start, end time.Time) SearchParams {
	params := SearchParams{
		Collections: []string{group.Collection},
		BBox:        []float64{bbox.Min[0], bbox.Min[1], bbox.Max[0], bbox.Max[1]},
		Datetime:    DatetimeInterval(start, end),
		Limit:       1,
		SortBy:      []SortField{{Field: "properties.datetime", Direction: "desc"}},
	}
	if filter := buildFilter(group, maxCloudCover); filter != nil {
		params.Filter = filter
		params.FilterLang = "cql2-json"
	}
	return params
}

// DatetimeInterval formats an RFC 3339 interval. Zero times are open ends.
func DatetimeInterval(start, end time.Time) string {
	format := func(t time.Time) string {
		if t.IsZero() {
			return ".."
		}
		return t.UTC().Format(time.RFC3339)
	}
	if start.IsZero() && end.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s/%s", format(start), format(end))
}

// buildFilter returns a CQL2 JSON filter for the group, or nil.
func buildFilter(group *config.BandGroup, maxCloudCover float64) map[string]any {
	var args []any
	if group.CloudCover {
		args = append(args, map[string]any{
			"op":   "<=",
			"args": []any{map[string]any{"property": CloudCoverProperty}, maxCloudCover},
		})
	}

	keys := make([]string, 0, len(group.Filters))
	for k := range group.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, map[string]any{
			"op":   "=",
			"args": []any{map[string]any{"property": k}, group.Filters[k]},
		})
	}

	switch len(args) {
	case 0:
		return nil
	case 1:
		return args[0].(map[string]any)
	}
	return map[string]any{"op": "and", "args": args}
}

// key identifies a search so identical queries share one scene.
func (p SearchParams) key() string {
	b, _ := json.Marshal(p)
	return string(b)
}
