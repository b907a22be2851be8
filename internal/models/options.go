package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// ProcessingOptions is the typed form of the client's processingOptions map.
// Known engine options get named fields; anything else is forwarded through
// Extras untouched. Keys are accepted in camelCase or the engine's kebab-case.
type ProcessingOptions struct {
	FastOrthophoto         *bool
	OrthophotoResolution   *float64
	FeatureQuality         *string
	RadiometricCalibration *string
	AutoBoundary           *bool
	SkipReport             *bool

	// ForceSplit enables splitting between 2000 and 4000 images. It is the
	// reactive policy after an out-of-memory failure and is never sent to the engine.
	ForceSplit *bool

	Extras map[string]any
}

// EngineOption is a single NodeODM option entry.
type EngineOption struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

const optionForceSplit = "force-split"

var bandDefaults = map[FlightModel]map[string]any{
	FlightModelLow: {
		"orthophoto-resolution":   2.0,
		"feature-quality":         "high",
		"radiometric-calibration": "camera",
	},
	FlightModelRoof: {
		"orthophoto-resolution":   3.0,
		"feature-quality":         "high",
		"radiometric-calibration": "camera",
		"auto-boundary":           true,
	},
	FlightModelHigh: {
		"orthophoto-resolution":   5.0,
		"feature-quality":         "medium",
		"radiometric-calibration": "camera",
	},
}

// ParseProcessingOptions converts a loosely typed map into ProcessingOptions.
// Values must be bool, number or string.
func ParseProcessingOptions(raw map[string]any) (ProcessingOptions, error) {
	var opts ProcessingOptions
	for key, value := range raw {
		name := kebabCase(key)
		if name == "" {
			return ProcessingOptions{}, fmt.Errorf("%w: empty option name", ErrValidation)
		}
		if err := opts.set(name, value); err != nil {
			return ProcessingOptions{}, err
		}
	}
	return opts, nil
}

func (o *ProcessingOptions) set(name string, value any) error {
	value, err := normalizeValue(name, value)
	if err != nil {
		return err
	}
	switch name {
	case "fast-orthophoto":
		return assignBool(name, value, &o.FastOrthophoto)
	case "auto-boundary":
		return assignBool(name, value, &o.AutoBoundary)
	case "skip-report":
		return assignBool(name, value, &o.SkipReport)
	case optionForceSplit:
		return assignBool(name, value, &o.ForceSplit)
	case "orthophoto-resolution":
		f, ok := value.(float64)
		if !ok || f <= 0 {
			return fmt.Errorf("%w: option %q must be a positive number", ErrValidation, name)
		}
		o.OrthophotoResolution = &f
	case "feature-quality":
		return assignString(name, value, &o.FeatureQuality)
	case "radiometric-calibration":
		return assignString(name, value, &o.RadiometricCalibration)
	default:
		if o.Extras == nil {
			o.Extras = make(map[string]any)
		}
		o.Extras[name] = value
	}
	return nil
}

func normalizeValue(name string, value any) (any, error) {
	switch v := value.(type) {
	case bool, string, float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: option %q: %v", ErrValidation, name, err)
		}
		return f, nil
	}
	return nil, fmt.Errorf("%w: option %q must be a bool, number or string, got %T", ErrValidation, name, value)
}

func assignBool(name string, value any, dst **bool) error {
	b, ok := value.(bool)
	if !ok {
		return fmt.Errorf("%w: option %q must be a bool", ErrValidation, name)
	}
	*dst = &b
	return nil
}

func assignString(name string, value any, dst **string) error {
	s, ok := value.(string)
	if !ok || s == "" {
		return fmt.Errorf("%w: option %q must be a non-empty string", ErrValidation, name)
	}
	*dst = &s
	return nil
}

// Map renders the options back to a kebab-case map. ForceSplit is included so
// the persisted form round-trips.
func (o ProcessingOptions) Map() map[string]any {
	m := make(map[string]any, len(o.Extras)+7)
	for k, v := range o.Extras {
		m[k] = v
	}
	if o.FastOrthophoto != nil {
		m["fast-orthophoto"] = *o.FastOrthophoto
	}
	if o.OrthophotoResolution != nil {
		m["orthophoto-resolution"] = *o.OrthophotoResolution
	}
	if o.FeatureQuality != nil {
		m["feature-quality"] = *o.FeatureQuality
	}
	if o.RadiometricCalibration != nil {
		m["radiometric-calibration"] = *o.RadiometricCalibration
	}
	if o.AutoBoundary != nil {
		m["auto-boundary"] = *o.AutoBoundary
	}
	if o.SkipReport != nil {
		m["skip-report"] = *o.SkipReport
	}
	if o.ForceSplit != nil {
		m[optionForceSplit] = *o.ForceSplit
	}
	return m
}

// SplitForced reports whether the client asked for the reactive split.
func (o ProcessingOptions) SplitForced() bool {
	return o.ForceSplit != nil && *o.ForceSplit
}

// EngineOptions merges band defaults, client options and the split plan into
// the engine's option list, sorted by name.
func (o ProcessingOptions) EngineOptions(model FlightModel, plan SplitPlan) []EngineOption {
	merged := make(map[string]any)
	for k, v := range bandDefaults[model] {
		merged[k] = v
	}
	for k, v := range o.Map() {
		merged[k] = v
	}
	delete(merged, optionForceSplit)
	if plan.Chunks > 1 {
		merged["split"] = plan.ImagesPerChunk
		merged["split-overlap"] = plan.OverlapMeters
	}

	names := make([]string, 0, len(merged))
	for k := range merged {
		names = append(names, k)
	}
	sort.Strings(names)

	out := make([]EngineOption, 0, len(names))
	for _, name := range names {
		out = append(out, EngineOption{Name: name, Value: merged[name]})
	}
	return out
}

// MarshalJSON stores the options in their map form.
func (o ProcessingOptions) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.Map())
}

// UnmarshalJSON accepts the map form written by MarshalJSON or sent by clients.
func (o *ProcessingOptions) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*o = ProcessingOptions{}
		return nil
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: processingOptions must be an object: %v", ErrValidation, err)
	}
	parsed, err := ParseProcessingOptions(raw)
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// kebabCase turns "orthophotoResolution" or "orthophoto_resolution" into
// "orthophoto-resolution".
func kebabCase(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for i, r := range s {
		switch {
		case r == '_' || r == ' ':
			b.WriteByte('-')
		case unicode.IsUpper(r):
			if i > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
