package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/robert-malhotra/biomass-estimator/internal/auth"
	"github.com/robert-malhotra/biomass-estimator/internal/config"
	"github.com/robert-malhotra/biomass-estimator/internal/estimation"
	"github.com/robert-malhotra/biomass-estimator/internal/raster"
	"github.com/robert-malhotra/biomass-estimator/pkg/geojson"
)

// Response headers of estimation endpoints.
const (
	StatisticsHeader   = "X-Statistics"
	EstimationIDHeader = "X-Estimation-ID"
)

// TIFFContentType is the media type of estimation rasters.
const TIFFContentType = "image/tiff"

// Handlers contains all HTTP handlers of the service.
type Handlers struct {
	cfg         *config.Config
	service     *estimation.Service
	preliminary estimation.Strategy
	runtime     estimation.Strategy
	logger      *slog.Logger
}

// NewHandlers creates a new Handlers instance with the given dependencies.
// A nil runtime strategy disables the runtime endpoint.
func NewHandlers(
	cfg *config.Config,
	service *estimation.Service,
	preliminary estimation.Strategy,
	runtime estimation.Strategy,
	logger *slog.Logger,
) *Handlers {
	return &Handlers{
		cfg:         cfg,
		service:     service,
		preliminary: preliminary,
		runtime:     runtime,
		logger:      logger,
	}
}

// RuntimeEnabled reports whether the runtime endpoint serves estimates.
func (h *Handlers) RuntimeEnabled() bool {
	return h.runtime != nil
}

// Preliminary estimates biomass from the precomputed catalog.
// POST /api/biomass/preliminary
func (h *Handlers) Preliminary(w http.ResponseWriter, r *http.Request) {
	h.estimate(w, r, h.preliminary)
}

// Runtime estimates biomass with the fusion model over recent scenes.
// POST /api/biomass/runtime
func (h *Handlers) Runtime(w http.ResponseWriter, r *http.Request) {
	if h.runtime == nil {
		WriteError(w, http.StatusNotImplemented, ErrCodeNotImplemented, "runtime estimation is disabled")
		return
	}
	h.estimate(w, r, h.runtime)
}

func (h *Handlers) estimate(w http.ResponseWriter, r *http.Request, strategy estimation.Strategy) {
	ctx := r.Context()
	reqID := GetRequestID(ctx)

	var fc geojson.FeatureCollection
	body := http.MaxBytesReader(w, r.Body, h.cfg.Server.MaxBodyBytes)
	defer body.Close()
	if err := json.NewDecoder(body).Decode(&fc); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			WriteError(w, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit))
			return
		}
		WriteBadRequest(w, fmt.Sprintf("invalid GeoJSON: %v", err))
		return
	}

	attrs := []any{
		slog.String("request_id", reqID),
		slog.String("strategy", strategy.Name()),
	}
	if user, ok := auth.FromContext(ctx); ok {
		attrs = append(attrs, slog.String("user_id", user.ID))
	}
	h.logger.DebugContext(ctx, "estimation requested", attrs...)

	res, err := h.service.Estimate(ctx, &fc, strategy)
	if err != nil {
		if estimation.IsValidation(err) {
			WriteBadRequest(w, err.Error())
			return
		}
		WriteInternalErrorWithRequestID(w, "estimation failed", reqID)
		return
	}

	statistics, err := json.Marshal(res.Statistics.Records())
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to encode statistics", append(attrs, slog.String("error", err.Error()))...)
		WriteInternalErrorWithRequestID(w, "estimation failed", reqID)
		return
	}

	// Encode fully before writing headers so failures still produce an error response.
	var buf bytes.Buffer
	if err := raster.Encode(&buf, res.Raster); err != nil {
		h.logger.ErrorContext(ctx, "failed to encode GeoTIFF", append(attrs, slog.String("error", err.Error()))...)
		WriteInternalErrorWithRequestID(w, "estimation failed", reqID)
		return
	}

	w.Header().Set("Content-Type", TIFFContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="image.tif"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set(StatisticsHeader, string(statistics))
	w.Header().Set(EstimationIDHeader, res.ID.String())
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		h.logger.WarnContext(ctx, "failed to write estimation response", append(attrs, slog.String("error", err.Error()))...)
	}
}

// CatalogProperties describes a catalog raster in the catalog listing.
type CatalogProperties struct {
	Index  int    `json:"index"`
	Ref    string `json:"ref"`
	CRS    string `json:"crs"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Catalog lists the coverage of the preliminary rasters.
// GET /api/biomass/catalog
func (h *Handlers) Catalog(w http.ResponseWriter, r *http.Request) {
	entries := h.service.Catalog().Entries()
	fc := geojson.FeatureCollection{
		Type:     geojson.TypeFeatureCollection,
		Features: make([]*geojson.Feature, 0, len(entries)),
	}

	for _, e := range entries {
		c := e.Coverage()
		geometry, err := geojson.NewPolygonFromBBox([]float64{c.Min[0], c.Min[1], c.Max[0], c.Max[1]})
		if err != nil {
			h.logger.ErrorContext(r.Context(), "invalid catalog coverage",
				slog.Int("index", e.Index),
				slog.String("error", err.Error()),
			)
			WriteInternalError(w, "failed to list catalog")
			return
		}
		properties, err := json.Marshal(CatalogProperties{
			Index:  e.Index,
			Ref:    e.Ref,
			CRS:    e.Profile.CRS.String(),
			Width:  e.Profile.Width,
			Height: e.Profile.Height,
		})
		if err != nil {
			WriteInternalError(w, "failed to list catalog")
			return
		}
		fc.Features = append(fc.Features, &geojson.Feature{
			Type:       geojson.TypeFeature,
			Geometry:   geometry,
			Properties: properties,
		})
	}

	WriteGeoJSON(w, http.StatusOK, fc)
}

// Health returns the health status of the service.
// GET /health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{
		"status":          "ok",
		"catalog_entries": h.service.Catalog().Len(),
		"runtime":         h.RuntimeEnabled(),
	}

	WriteJSON(w, http.StatusOK, response)
}
