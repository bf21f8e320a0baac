package pipelines

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/jo-hoe/canopyflow/internal/config"
)

// ParamError names the offending parameter.
type ParamError struct {
	Param  string
	Reason string
}

func (e *ParamError) Error() string { return fmt.Sprintf("%s %s", e.Param, e.Reason) }

type LidarParams struct {
	Resolution            float64 `json:"resolution"`
	GroundFilterThreshold float64 `json:"groundFilterThreshold"`
	SmoothRadius          int     `json:"smoothRadius"`
}

// ParseLidarParams applies defaults to absent values and validates the rest.
func ParseLidarParams(raw map[string]any, d config.LidarDefaults) (LidarParams, error) {
	p := LidarParams{Resolution: d.Resolution, GroundFilterThreshold: d.GroundFilterThreshold, SmoothRadius: d.SmoothRadius}
	var err error
	if p.Resolution, err = positive(raw, "resolution", p.Resolution); err != nil {
		return p, err
	}
	if p.GroundFilterThreshold, err = positive(raw, "groundFilterThreshold", p.GroundFilterThreshold); err != nil {
		return p, err
	}
	if p.SmoothRadius, err = integer(raw, "smoothRadius", p.SmoothRadius, 0); err != nil {
		return p, err
	}
	return p, nil
}

type TreeDetectionParams struct {
	MinHeight   float64 `json:"minHeight"`
	SmoothSigma float64 `json:"smoothSigma"`
	MinDistance int     `json:"minDistance"`
}

func ParseTreeDetectionParams(raw map[string]any, d config.TreeDetectionDefaults) (TreeDetectionParams, error) {
	p := TreeDetectionParams{MinHeight: d.MinHeight, SmoothSigma: d.SmoothSigma, MinDistance: d.MinDistance}
	var err error
	if p.MinHeight, err = positive(raw, "minHeight", p.MinHeight); err != nil {
		return p, err
	}
	if p.SmoothSigma, err = nonNegative(raw, "smoothSigma", p.SmoothSigma); err != nil {
		return p, err
	}
	if p.MinDistance, err = integer(raw, "minDistance", p.MinDistance, 1); err != nil {
		return p, err
	}
	return p, nil
}

type CarbonParams struct {
	A            float64 `json:"a"`
	B            float64 `json:"b"`
	C            float64 `json:"c"`
	CarbonFactor float64 `json:"carbonFactor"`
}

// ParseCarbonParams treats zero like absent: the allometric model has no
// meaningful zero coefficient.
func ParseCarbonParams(raw map[string]any, d config.CarbonDefaults) (CarbonParams, error) {
	p := CarbonParams{A: d.A, B: d.B, C: d.C, CarbonFactor: d.CarbonFactor}
	fields := []struct {
		key string
		dst *float64
	}{{"a", &p.A}, {"b", &p.B}, {"c", &p.C}, {"carbonFactor", &p.CarbonFactor}}
	for _, f := range fields {
		v, ok, err := number(raw, f.key)
		if err != nil {
			return p, err
		}
		if !ok || v == 0 {
			continue
		}
		if v < 0 {
			return p, &ParamError{Param: f.key, Reason: "must not be negative"}
		}
		*f.dst = v
	}
	return p, nil
}

// MultispectralParams carries resolved absolute raster paths. Empty fields fall
// back to the rasters uploaded with the images.
type MultispectralParams struct {
	DEMPath string `json:"demPath,omitempty"`
	CHMPath string `json:"chmPath,omitempty"`
}

type AdjustParams struct {
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

func ParseAdjustParams(raw map[string]any) (AdjustParams, error) {
	var p AdjustParams
	var err error
	var ok bool
	if p.DX, ok, err = number(raw, "dx"); err != nil {
		return p, err
	} else if !ok {
		return p, &ParamError{Param: "dx", Reason: "is required"}
	}
	if p.DY, ok, err = number(raw, "dy"); err != nil {
		return p, err
	} else if !ok {
		return p, &ParamError{Param: "dy", Reason: "is required"}
	}
	return p, nil
}

// ToMap converts typed params to the form persisted on the job.
func ToMap(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

// FromMap decodes persisted params back into a typed struct.
func FromMap(m map[string]any, dst any) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

// number reads key as a float. Form posts deliver strings, JSON bodies numbers.
func number(raw map[string]any, key string) (float64, bool, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return 0, false, &ParamError{Param: key, Reason: "must be a number"}
		}
		f = parsed
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false, nil
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false, &ParamError{Param: key, Reason: "must be a number"}
		}
		f = parsed
	default:
		return 0, false, &ParamError{Param: key, Reason: "must be a number"}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false, &ParamError{Param: key, Reason: "must be finite"}
	}
	return f, true, nil
}

func positive(raw map[string]any, key string, def float64) (float64, error) {
	v, ok, err := number(raw, key)
	if err != nil || !ok {
		return def, err
	}
	if v <= 0 {
		return def, &ParamError{Param: key, Reason: "must be greater than 0"}
	}
	return v, nil
}

func nonNegative(raw map[string]any, key string, def float64) (float64, error) {
	v, ok, err := number(raw, key)
	if err != nil || !ok {
		return def, err
	}
	if v < 0 {
		return def, &ParamError{Param: key, Reason: "must not be negative"}
	}
	return v, nil
}

func integer(raw map[string]any, key string, def, min int) (int, error) {
	v, ok, err := number(raw, key)
	if err != nil || !ok {
		return def, err
	}
	if v != math.Trunc(v) {
		return def, &ParamError{Param: key, Reason: "must be an integer"}
	}
	if int(v) < min {
		return def, &ParamError{Param: key, Reason: fmt.Sprintf("must be at least %d", min)}
	}
	return int(v), nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
