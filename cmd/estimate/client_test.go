package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/robert-malhotra/biomass-estimator/internal/api"
	"github.com/robert-malhotra/biomass-estimator/internal/stats"
)

const region = `{"type": "FeatureCollection", "features": []}`

func TestClient_Estimate(t *testing.T) {
	records := []stats.Record{
		{Name: stats.RecordArea, Value: 4, Unit: stats.UnitHectare},
		{Name: stats.RecordTotalBiomass, Value: 200, Unit: stats.UnitMegagram},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/biomass/runtime" {
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Expected bearer token, got %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != region {
			t.Errorf("Unexpected body %q", body)
		}
		encoded, _ := json.Marshal(records)
		w.Header().Set(api.StatisticsHeader, string(encoded))
		w.Header().Set(api.EstimationIDHeader, "5f1c1b4e-2b7e-4d55-9c1e-1f1c0e0f9a11")
		w.Header().Set("Content-Type", api.TIFFContentType)
		w.Write([]byte("II*\x00tiff"))
	}))
	defer server.Close()

	var out bytes.Buffer
	est, err := NewClient(server.URL+"/", "tok", server.Client()).Estimate(context.Background(), "runtime", strings.NewReader(region), &out)
	if err != nil {
		t.Fatalf("Estimate() error: %v", err)
	}
	if est.ID != "5f1c1b4e-2b7e-4d55-9c1e-1f1c0e0f9a11" {
		t.Errorf("Unexpected ID %q", est.ID)
	}
	if len(est.Statistics) != 2 || est.Statistics[1].Value != 200 {
		t.Errorf("Unexpected statistics %+v", est.Statistics)
	}
	if out.String() != "II*\x00tiff" || est.Bytes != int64(out.Len()) {
		t.Errorf("Unexpected body %q (%d bytes)", out.String(), est.Bytes)
	}
}

func TestClient_Estimate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{
			name:    "api error",
			status:  http.StatusBadRequest,
			body:    `{"code": "BadRequest", "description": "area too large"}`,
			wantErr: "400 Bad Request: area too large",
		},
		{
			name:    "api error with request id",
			status:  http.StatusInternalServerError,
			body:    `{"code": "ServerError", "description": "estimation failed", "request_id": "abc"}`,
			wantErr: "estimation failed (request abc)",
		},
		{
			name:    "non json error",
			status:  http.StatusBadGateway,
			body:    "bad gateway",
			wantErr: "server returned 502 Bad Gateway",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			var out bytes.Buffer
			_, err := NewClient(server.URL, "", server.Client()).Estimate(context.Background(), "preliminary", strings.NewReader(region), &out)
			if err == nil {
				t.Fatal("Estimate() expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Estimate() error = %v, want containing %q", err, tt.wantErr)
			}
			if out.Len() != 0 {
				t.Error("Expected no output on error")
			}
		})
	}
}

func TestClient_Catalog(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/biomass/catalog" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"type": "FeatureCollection", "features": [{"properties": {"index": 0, "ref": "a.tif"}}]}`))
	}))
	defer server.Close()

	raw, err := NewClient(server.URL, "", server.Client()).Catalog(context.Background())
	if err != nil {
		t.Fatalf("Catalog() error: %v", err)
	}
	if !strings.Contains(string(raw), "a.tif") {
		t.Errorf("Unexpected catalog %s", raw)
	}
}

func TestPrintStatistics(t *testing.T) {
	var buf bytes.Buffer
	err := printStatistics(&buf, []stats.Record{
		{Name: stats.RecordArea, Value: 4, Unit: stats.UnitHectare},
		{Name: stats.RecordCarbonStock, Value: 94.123, Unit: stats.UnitMegagram},
	})
	if err != nil {
		t.Fatalf("printStatistics() error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 lines, got %q", buf.String())
	}
	if !strings.HasPrefix(lines[1], "carbon_stock") || !strings.Contains(lines[1], "94.12") {
		t.Errorf("Unexpected line %q", lines[1])
	}
}
