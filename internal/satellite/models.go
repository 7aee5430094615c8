package satellite

import (
	"fmt"
	"time"

	gostac "github.com/planetlabs/go-stac"
)

// ItemCollection is a STAC API search response.
type ItemCollection struct {
	Type          string         `json:"type"`
	Features      []*gostac.Item `json:"features"`
	Links         []*gostac.Link `json:"links,omitempty"`
	NumberMatched *int           `json:"numberMatched,omitempty"`
}

// Scene is the item selected for a band group.
type Scene struct {
	Group string
	Item  *gostac.Item
}

// Datetime returns the acquisition time of the scene, if present.
func (s *Scene) Datetime() (time.Time, bool) {
	v, ok := s.Item.Properties["datetime"].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// AssetHref returns the href of an asset of the scene.
func (s *Scene) AssetHref(key string) (string, error) {
	asset, ok := s.Item.Assets[key]
	if !ok || asset == nil || asset.Href == "" {
		return "", fmt.Errorf("%w: item %s has no asset %q", ErrNoScene, s.Item.Id, key)
	}
	return asset.Href, nil
}
