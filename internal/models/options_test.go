package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProcessingOptionsTypesKnownFields(t *testing.T) {
	opts, err := ParseProcessingOptions(map[string]any{
		"fastOrthophoto":        true,
		"orthophoto_resolution": 4.0,
		"feature-quality":       "ultra",
		"forceSplit":            true,
		"dem-gapfill-steps":     3,
		"crop":                  "0",
	})
	require.NoError(t, err)

	require.NotNil(t, opts.FastOrthophoto)
	assert.True(t, *opts.FastOrthophoto)
	assert.Equal(t, 4.0, *opts.OrthophotoResolution)
	assert.Equal(t, "ultra", *opts.FeatureQuality)
	assert.True(t, opts.SplitForced())
	assert.Equal(t, map[string]any{"dem-gapfill-steps": 3.0, "crop": "0"}, opts.Extras)
}

func TestParseProcessingOptionsRejectsNestedValues(t *testing.T) {
	_, err := ParseProcessingOptions(map[string]any{"boundary": map[string]any{"type": "Polygon"}})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = ParseProcessingOptions(map[string]any{"fastOrthophoto": "yes"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestEngineOptionsMergesDefaultsAndSplit(t *testing.T) {
	res := 1.5
	opts := ProcessingOptions{OrthophotoResolution: &res, ForceSplit: boolPtr(true)}

	out := opts.EngineOptions(FlightModelLow, SplitPlan{Chunks: 3, ImagesPerChunk: 1400, OverlapMeters: 42.5})

	byName := map[string]any{}
	for i, o := range out {
		byName[o.Name] = o.Value
		if i > 0 {
			assert.Less(t, out[i-1].Name, o.Name, "options must be sorted")
		}
	}
	assert.Equal(t, 1.5, byName["orthophoto-resolution"])
	assert.Equal(t, "camera", byName["radiometric-calibration"])
	assert.Equal(t, 1400, byName["split"])
	assert.Equal(t, 42.5, byName["split-overlap"])
	assert.NotContains(t, byName, "force-split")
}

func TestEngineOptionsSingleChunkHasNoSplit(t *testing.T) {
	out := ProcessingOptions{}.EngineOptions(FlightModelHigh, SplitPlan{Chunks: 1, ImagesPerChunk: 1500})
	for _, o := range out {
		assert.NotEqual(t, "split", o.Name)
		assert.NotEqual(t, "split-overlap", o.Name)
	}
}

func TestProcessingOptionsJSONRoundTrip(t *testing.T) {
	in := ProcessingOptions{FastOrthophoto: boolPtr(false), Extras: map[string]any{"pc-quality": "low"}}
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out ProcessingOptions
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in.Map(), out.Map())
}

func boolPtr(b bool) *bool { return &b }
