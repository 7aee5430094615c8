// Package stats summarizes estimated biomass rasters.
package stats

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/robert-malhotra/biomass-estimator/internal/raster"
)

// DefaultCarbonRatio is the fraction of dry biomass counted as carbon.
const DefaultCarbonRatio = 0.47

// pixelHectares is the area of one 10 m pixel.
const pixelHectares = 0.01

// ErrEmptyRegion is returned when a raster has no valid pixels.
var ErrEmptyRegion = errors.New("no valid pixels in region")

// Units of reported statistics.
const (
	UnitHectare       = "ha"
	UnitMegagramPerHa = "Mg/ha"
	UnitMegagram      = "Mg"
)

// Names of reported statistics.
const (
	RecordArea         = "area"
	RecordMinDensity   = "min_biomass_density"
	RecordMaxDensity   = "max_biomass_density"
	RecordMeanDensity  = "mean_biomass_density"
	RecordTotalBiomass = "total_biomass"
	RecordCarbonStock  = "carbon_stock"
)

// Statistics summarizes the valid pixels of an estimate.
type Statistics struct {
	Pixels       int
	Area         float64
	MinDensity   float64
	MaxDensity   float64
	MeanDensity  float64
	TotalBiomass float64
	CarbonStock  float64
}

// Record is one named statistic as reported to clients.
type Record struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// Compute summarizes band 1 of r. Densities are taken as absolute values and
// NaN pixels are ignored.
func Compute(r *raster.GeoRaster, carbonRatio float64) (*Statistics, error) {
	band, err := r.Band(1)
	if err != nil {
		return nil, err
	}

	values := make([]float64, 0, len(band))
	for _, v := range band {
		if math.IsNaN(float64(v)) {
			continue
		}
		values = append(values, math.Abs(float64(v)))
	}
	if len(values) == 0 {
		return nil, ErrEmptyRegion
	}

	sum := floats.Sum(values)
	total := sum * pixelHectares
	return &Statistics{
		Pixels:       len(values),
		Area:         float64(len(values)) * pixelHectares,
		MinDensity:   floats.Min(values),
		MaxDensity:   floats.Max(values),
		MeanDensity:  sum / float64(len(values)),
		TotalBiomass: total,
		CarbonStock:  total * carbonRatio,
	}, nil
}

// Records returns the statistics in reporting order.
func (s *Statistics) Records() []Record {
	return []Record{
		{Name: RecordArea, Value: s.Area, Unit: UnitHectare},
		{Name: RecordMinDensity, Value: s.MinDensity, Unit: UnitMegagramPerHa},
		{Name: RecordMaxDensity, Value: s.MaxDensity, Unit: UnitMegagramPerHa},
		{Name: RecordMeanDensity, Value: s.MeanDensity, Unit: UnitMegagramPerHa},
		{Name: RecordTotalBiomass, Value: s.TotalBiomass, Unit: UnitMegagram},
		{Name: RecordCarbonStock, Value: s.CarbonStock, Unit: UnitMegagram},
	}
}

// Normalize rescales the absolute densities of every band of r to [0, 1] in
// place using the band 1 range. A constant raster maps to 0 and NaN pixels are
// left untouched.
func Normalize(r *raster.GeoRaster) error {
	band, err := r.Band(1)
	if err != nil {
		return err
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range band {
		f := math.Abs(float64(v))
		if math.IsNaN(f) {
			continue
		}
		lo, hi = math.Min(lo, f), math.Max(hi, f)
	}
	if math.IsInf(lo, 1) {
		return ErrEmptyRegion
	}

	span := hi - lo
	for i, v := range r.Data {
		if math.IsNaN(float64(v)) {
			continue
		}
		if span == 0 {
			r.Data[i] = 0
			continue
		}
		r.Data[i] = float32((math.Abs(float64(v)) - lo) / span)
	}
	return nil
}
