package pipelines

import (
	"errors"
	"testing"

	"github.com/jo-hoe/canopyflow/internal/config"
)

var lidarDefaults = config.LidarDefaults{Resolution: 1, GroundFilterThreshold: 0.5, SmoothRadius: 0}

func TestParseLidarParams(t *testing.T) {
	tests := []struct {
		name    string
		raw     map[string]any
		want    LidarParams
		wantErr string
	}{
		{name: "defaults", raw: nil, want: LidarParams{Resolution: 1, GroundFilterThreshold: 0.5}},
		{name: "form strings", raw: map[string]any{"resolution": "0.25", "smoothRadius": "3"}, want: LidarParams{Resolution: 0.25, GroundFilterThreshold: 0.5, SmoothRadius: 3}},
		{name: "json numbers", raw: map[string]any{"groundFilterThreshold": 0.8}, want: LidarParams{Resolution: 1, GroundFilterThreshold: 0.8}},
		{name: "blank string is absent", raw: map[string]any{"resolution": "  "}, want: LidarParams{Resolution: 1, GroundFilterThreshold: 0.5}},
		{name: "zero resolution", raw: map[string]any{"resolution": 0.0}, wantErr: "resolution"},
		{name: "not a number", raw: map[string]any{"resolution": "fine"}, wantErr: "resolution"},
		{name: "fractional radius", raw: map[string]any{"smoothRadius": 1.5}, wantErr: "smoothRadius"},
		{name: "negative radius", raw: map[string]any{"smoothRadius": -1}, wantErr: "smoothRadius"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLidarParams(tt.raw, lidarDefaults)
			if tt.wantErr != "" {
				var pe *ParamError
				if !errors.As(err, &pe) || pe.Param != tt.wantErr {
					t.Fatalf("got err %v, want ParamError for %s", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %+v want %+v", got, tt.want)
			}
		})
	}
}

func TestParseTreeDetectionParams(t *testing.T) {
	d := config.TreeDetectionDefaults{MinHeight: 2, SmoothSigma: 1, MinDistance: 3}
	got, err := ParseTreeDetectionParams(map[string]any{"minHeight": "5", "smoothSigma": 0.0}, d)
	if err != nil {
		t.Fatalf("ParseTreeDetectionParams: %v", err)
	}
	if got != (TreeDetectionParams{MinHeight: 5, SmoothSigma: 0, MinDistance: 3}) {
		t.Fatalf("got %+v", got)
	}
	if _, err := ParseTreeDetectionParams(map[string]any{"minDistance": 0}, d); err == nil {
		t.Fatalf("minDistance 0 should be rejected")
	}
	if _, err := ParseTreeDetectionParams(map[string]any{"smoothSigma": -0.5}, d); err == nil {
		t.Fatalf("negative smoothSigma should be rejected")
	}
}

func TestParseCarbonParams(t *testing.T) {
	d := config.CarbonDefaults{A: 0.25, B: 2.5, C: 0.8, CarbonFactor: 0.47}
	got, err := ParseCarbonParams(map[string]any{"a": 0.3, "b": 0, "carbonFactor": "0.5"}, d)
	if err != nil {
		t.Fatalf("ParseCarbonParams: %v", err)
	}
	want := CarbonParams{A: 0.3, B: 2.5, C: 0.8, CarbonFactor: 0.5}
	if got != want {
		t.Fatalf("got %+v want %+v", got, want)
	}
	if _, err := ParseCarbonParams(map[string]any{"c": -1}, d); err == nil {
		t.Fatalf("negative coefficient should be rejected")
	}
}

func TestParseAdjustParams(t *testing.T) {
	got, err := ParseAdjustParams(map[string]any{"dx": "-3", "dy": 4.5})
	if err != nil {
		t.Fatalf("ParseAdjustParams: %v", err)
	}
	if got != (AdjustParams{DX: -3, DY: 4.5}) {
		t.Fatalf("got %+v", got)
	}
	for _, raw := range []map[string]any{{"dy": 1}, {"dx": 1}, {"dx": "left", "dy": 1}} {
		if _, err := ParseAdjustParams(raw); err == nil {
			t.Fatalf("ParseAdjustParams(%v): expected error", raw)
		}
	}
}

func TestToMapFromMapRoundTrip(t *testing.T) {
	in := TreeDetectionParams{MinHeight: 2.5, SmoothSigma: 1, MinDistance: 4}
	var out TreeDetectionParams
	if err := FromMap(ToMap(in), &out); err != nil {
		t.Fatalf("FromMap: %v", err)
	}
	if out != in {
		t.Fatalf("got %+v want %+v", out, in)
	}
}
