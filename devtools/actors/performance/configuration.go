package performance

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrUnsupportedConfiguration is returned by Configuration.Validate for
// option sets the server can't record.
var ErrUnsupportedConfiguration = errors.New("unsupported recording configuration")

// Configuration is the set of options requested for a recording.
type Configuration struct {
	WithMarkers                  bool    `json:"withMarkers"`
	WithTicks                    bool    `json:"withTicks"`
	WithMemory                   bool    `json:"withMemory"`
	WithAllocations              bool    `json:"withAllocations"`
	WithJITOptimizations         bool    `json:"withJITOptimizations"`
	AllocationsSampleProbability float64 `json:"allocationsSampleProbability"`
	AllocationsMaxLogLength      uint64  `json:"allocationsMaxLogLength"`
	BufferSize                   uint64  `json:"bufferSize"`
	SampleFrequency              uint64  `json:"sampleFrequency"`
}

// SupportedConfiguration holds the only flags recordings can be started with,
// markers and frame ticks. The numeric options aren't checked and are kept as
// requested.
var SupportedConfiguration = Configuration{WithMarkers: true, WithTicks: true}

// ParseConfiguration builds a Configuration from the loosely typed options of
// a startRecording request. Unknown keys are ignored, and so are known keys
// holding a value of the wrong JSON type; their field keeps its zero value.
func ParseConfiguration(options gjson.Result) Configuration {
	var c Configuration
	if !options.IsObject() {
		return c
	}

	setBool(options, "withMarkers", &c.WithMarkers)
	setBool(options, "withTicks", &c.WithTicks)
	setBool(options, "withMemory", &c.WithMemory)
	setBool(options, "withAllocations", &c.WithAllocations)
	setBool(options, "withJITOptimizations", &c.WithJITOptimizations)
	setFloat(options, "allocationsSampleProbability", &c.AllocationsSampleProbability)
	setUint(options, "allocationsMaxLogLength", &c.AllocationsMaxLogLength)
	setUint(options, "bufferSize", &c.BufferSize)
	setUint(options, "sampleFrequency", &c.SampleFrequency)
	return c
}

func setBool(options gjson.Result, key string, dst *bool) {
	switch options.Get(key).Type { //nolint:exhaustive
	case gjson.True:
		*dst = true
	case gjson.False:
		*dst = false
	}
}

// setFloat only accepts number literals with a fraction or an exponent, so 1
// is ignored while 1.0 and 5e-2 are not.
func setFloat(options gjson.Result, key string, dst *float64) {
	v := options.Get(key)
	if v.Type != gjson.Number || !strings.ContainsAny(v.Raw, ".eE") {
		return
	}
	*dst = v.Float()
}

// setUint only accepts non-negative integer literals; 1.5, -3 and 1e3 are
// ignored.
func setUint(options gjson.Result, key string, dst *uint64) {
	v := options.Get(key)
	if v.Type != gjson.Number {
		return
	}
	n, err := strconv.ParseUint(v.Raw, 10, 64)
	if err != nil {
		return
	}
	*dst = n
}

// Validate reports whether recordings can be made with c. Only the flags
// matter.
func (c Configuration) Validate() error {
	if c.flags() == SupportedConfiguration.flags() {
		return nil
	}

	var problems []string
	if !c.WithMarkers {
		problems = append(problems, "withMarkers must be enabled")
	}
	if !c.WithTicks {
		problems = append(problems, "withTicks must be enabled")
	}
	if c.WithMemory {
		problems = append(problems, "withMemory isn't supported")
	}
	if c.WithAllocations {
		problems = append(problems, "withAllocations isn't supported")
	}
	if c.WithJITOptimizations {
		problems = append(problems, "withJITOptimizations isn't supported")
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedConfiguration, strings.Join(problems, ", "))
}

func (c Configuration) flags() [5]bool {
	return [5]bool{c.WithMarkers, c.WithTicks, c.WithMemory, c.WithAllocations, c.WithJITOptimizations}
}
