package estimation

import (
	"errors"

	"github.com/robert-malhotra/biomass-estimator/internal/catalog"
	"github.com/robert-malhotra/biomass-estimator/internal/inference"
	"github.com/robert-malhotra/biomass-estimator/internal/raster"
	"github.com/robert-malhotra/biomass-estimator/internal/region"
	"github.com/robert-malhotra/biomass-estimator/internal/stats"
)

// ErrMask is returned when the region geometry cannot be rasterized onto the
// estimate grid.
var ErrMask = errors.New("failed to mask estimate")

// Class groups errors by who can correct them.
type Class int

const (
	// ClassInternal covers upstream data failures and other server errors.
	ClassInternal Class = iota
	// ClassValidation covers errors in the submitted region.
	ClassValidation
	// ClassContract covers shape and channel mismatches inside the pipeline.
	ClassContract
)

func (c Class) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassContract:
		return "contract"
	}
	return "internal"
}

// Classify returns the class of an estimation error.
func Classify(err error) Class {
	var verr *region.ValidationError
	switch {
	case errors.As(err, &verr),
		errors.Is(err, catalog.ErrUnsupportedArea),
		errors.Is(err, raster.ErrInvalidWindow),
		errors.Is(err, ErrMask),
		errors.Is(err, stats.ErrEmptyRegion):
		return ClassValidation
	case errors.Is(err, inference.ErrShapeMismatch),
		errors.Is(err, raster.ErrShape):
		return ClassContract
	}
	return ClassInternal
}

// IsValidation reports whether err is caused by the submitted region.
func IsValidation(err error) bool {
	return Classify(err) == ClassValidation
}
