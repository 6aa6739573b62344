package performance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestParseConfiguration(t *testing.T) {
	t.Parallel()

	testCases := map[string]struct {
		options  string
		expected Configuration
	}{
		"missing":    {``, Configuration{}},
		"not object": {`"withMarkers"`, Configuration{}},
		"array":      {`[true, true]`, Configuration{}},
		"empty":      {`{}`, Configuration{}},
		"supported": {
			`{"withMarkers": true, "withTicks": true}`,
			Configuration{WithMarkers: true, WithTicks: true},
		},
		"all flags": {
			`{"withMarkers": true, "withTicks": true, "withMemory": true,
			  "withAllocations": true, "withJITOptimizations": true}`,
			Configuration{
				WithMarkers: true, WithTicks: true, WithMemory: true,
				WithAllocations: true, WithJITOptimizations: true,
			},
		},
		"explicit false": {`{"withMarkers": false}`, Configuration{}},
		"mistyped flags": {
			`{"withMarkers": "true", "withTicks": 1, "withMemory": null, "withAllocations": {}}`,
			Configuration{},
		},
		"unknown keys": {`{"withMarker": true, "WITHTICKS": true, "label": "x"}`, Configuration{}},
		"numbers": {
			`{"allocationsSampleProbability": 0.05, "allocationsMaxLogLength": 125000,
			  "bufferSize": 10000000, "sampleFrequency": 1}`,
			Configuration{
				AllocationsSampleProbability: 0.05, AllocationsMaxLogLength: 125000,
				BufferSize: 10000000, SampleFrequency: 1,
			},
		},
		"integral probability": {`{"allocationsSampleProbability": 1}`, Configuration{}},
		"fractional probability": {
			`{"allocationsSampleProbability": 1.0}`, Configuration{AllocationsSampleProbability: 1},
		},
		"exponent probability": {
			`{"allocationsSampleProbability": 5e-2}`, Configuration{AllocationsSampleProbability: 0.05},
		},
		"mistyped numbers": {
			`{"allocationsSampleProbability": "0.5", "allocationsMaxLogLength": -1,
			  "bufferSize": 1.5, "sampleFrequency": 1e3}`,
			Configuration{},
		},
		"string integer":   {`{"bufferSize": "10"}`, Configuration{}},
		"overflow integer": {`{"bufferSize": 18446744073709551616}`, Configuration{}},
	}

	for name, tc := range testCases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			var options gjson.Result
			if tc.options != "" {
				options = gjson.Parse(tc.options)
			}
			assert.Equal(t, tc.expected, ParseConfiguration(options))
		})
	}
}

func TestConfigurationValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, SupportedConfiguration.Validate())

	accepted := map[string]Configuration{
		"flags only":  {WithMarkers: true, WithTicks: true},
		"probability": {WithMarkers: true, WithTicks: true, AllocationsSampleProbability: 0.5},
		"log length":  {WithMarkers: true, WithTicks: true, AllocationsMaxLogLength: 1},
		"buffer size": {WithMarkers: true, WithTicks: true, BufferSize: 1},
		"sample freq": {WithMarkers: true, WithTicks: true, SampleFrequency: 1},
		"front-end defaults": {
			WithMarkers: true, WithTicks: true,
			AllocationsSampleProbability: 0.05, AllocationsMaxLogLength: 125000,
			BufferSize: 10000000, SampleFrequency: 1,
		},
	}
	for name, c := range accepted {
		c := c
		t.Run("accepted/"+name, func(t *testing.T) {
			t.Parallel()
			assert.NoError(t, c.Validate())
		})
	}

	rejected := map[string]Configuration{
		"zero":         {},
		"no ticks":     {WithMarkers: true},
		"no markers":   {WithTicks: true},
		"memory":       {WithMarkers: true, WithTicks: true, WithMemory: true},
		"allocations":  {WithMarkers: true, WithTicks: true, WithAllocations: true},
		"jit":          {WithMarkers: true, WithTicks: true, WithJITOptimizations: true},
		"everything":   {WithMemory: true, WithAllocations: true, WithJITOptimizations: true},
		"memory alone": {WithMemory: true},
		"numbers only": {BufferSize: 10000000, SampleFrequency: 1},
	}
	for name, c := range rejected {
		c := c
		t.Run("rejected/"+name, func(t *testing.T) {
			t.Parallel()
			err := c.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrUnsupportedConfiguration)
		})
	}
}

func TestRecordingSnapshot(t *testing.T) {
	t.Parallel()

	start := time.UnixMilli(1700000000123)
	ra := NewRecordingActor("performance-recording3", SupportedConfiguration, start)
	assert.Equal(t, "performance-recording3", ra.Name())
	assert.Equal(t, SupportedConfiguration, ra.Configuration())

	s := ra.Snapshot()
	assert.Equal(t, Snapshot{
		Actor:         "performance-recording3",
		Configuration: SupportedConfiguration,
		StartingBufferStatus: BufferStatus{
			Position:   131004,
			TotalSize:  10000000,
			Generation: 0,
		},
		StartTime:      6404439.779669,
		LocalStartTime: 1700000000123,
		Recording:      true,
	}, s)

	assert.False(t, ra.Completed())
	ra.SetCompleted()
	assert.True(t, ra.Completed())
	assert.True(t, ra.Snapshot().Completed)

	withFrom := ra.SnapshotFrom("performance0")
	assert.Equal(t, "performance0", withFrom.From)
	withFrom.From = ""
	assert.Equal(t, ra.Snapshot(), withFrom)
}
