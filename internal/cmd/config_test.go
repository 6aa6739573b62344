package cmd

import (
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/guregu/null.v3"

	"github.com/liuxd6825/devtools/errext"
	"github.com/liuxd6825/devtools/errext/exitcodes"
	"github.com/liuxd6825/devtools/lib/types"
)

func TestConfigApply(t *testing.T) {
	t.Parallel()

	base := defaultConfig()
	got := base.Apply(Config{})
	assert.Equal(t, base, got)

	override := Config{
		WSAddress:     null.StringFrom("localhost:6081"),
		MaxPacketSize: null.IntFrom(1024),
		Simulate:      null.BoolFrom(false),
	}
	got = base.Apply(override)
	assert.Equal(t, "localhost:6080", got.Address.String)
	assert.Equal(t, "localhost:6081", got.WSAddress.String)
	assert.Equal(t, int64(1024), got.MaxPacketSize.Int64)
	assert.False(t, got.Simulate.Bool)
	assert.True(t, got.Simulate.Valid)
}

func TestConfigConsolidation(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		file     string
		env      map[string]string
		args     []string
		check    func(t *testing.T, c Config)
		exitCode exitcodes.ExitCode
	}{
		{
			name: "defaults",
			check: func(t *testing.T, c Config) {
				assert.Equal(t, defaultConfig(), c)
				sc := c.ServerConfig()
				assert.Equal(t, "localhost:6080", sc.Address)
				assert.Empty(t, sc.WSAddress)
				assert.Equal(t, 200*time.Millisecond, sc.PollInterval)
				assert.Equal(t, 16<<20, sc.MaxPacketSize)
			},
		},
		{
			name: "file",
			file: `{"wsAddress":"localhost:6081","pollInterval":"1s","simulate":false}`,
			check: func(t *testing.T, c Config) {
				assert.Equal(t, "localhost:6080", c.Address.String)
				assert.Equal(t, "localhost:6081", c.WSAddress.String)
				assert.Equal(t, types.NullDurationFrom(time.Second), c.PollInterval)
				assert.False(t, c.Simulate.Bool)
			},
		},
		{
			name: "env over file",
			file: `{"pollInterval":"1s","maxPacketSize":4096}`,
			env:  map[string]string{"DEVTOOLS_POLL_INTERVAL": "50ms", "DEVTOOLS_METRICS_ADDRESS": "localhost:9090"},
			check: func(t *testing.T, c Config) {
				assert.Equal(t, types.NullDurationFrom(50*time.Millisecond), c.PollInterval)
				assert.Equal(t, int64(4096), c.MaxPacketSize.Int64)
				assert.Equal(t, "localhost:9090", c.MetricsAddress.String)
			},
		},
		{
			name: "flags over env",
			env:  map[string]string{"DEVTOOLS_POLL_INTERVAL": "50ms", "DEVTOOLS_SIMULATE": "false"},
			args: []string{"--poll-interval", "10ms", "--address", "127.0.0.1:7000"},
			check: func(t *testing.T, c Config) {
				assert.Equal(t, types.NullDurationFrom(10*time.Millisecond), c.PollInterval)
				assert.Equal(t, "127.0.0.1:7000", c.Address.String)
				assert.False(t, c.Simulate.Bool)
			},
		},
		{
			name:     "malformed file",
			file:     `{"pollInterval":`,
			exitCode: exitcodes.InvalidConfig,
		},
		{
			name:     "malformed env",
			env:      map[string]string{"DEVTOOLS_MAX_PACKET_SIZE": "big"},
			exitCode: exitcodes.InvalidConfig,
		},
		{
			name:     "no listener",
			args:     []string{"--address", ""},
			exitCode: exitcodes.InvalidConfig,
		},
		{
			name:     "invalid values",
			args:     []string{"--poll-interval", "0s", "--max-packet-size=-1"},
			exitCode: exitcodes.InvalidConfig,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ts := newGlobalTestState(t)
			if tc.file != "" {
				require.NoError(t, afero.WriteFile(ts.FS, ts.Flags.ConfigFilePath, []byte(tc.file), 0o644))
			}
			for k, v := range tc.env {
				ts.Env[k] = v
			}
			flags := configFlagSet()
			require.NoError(t, flags.Parse(tc.args))

			conf, err := getConsolidatedConfig(ts.GlobalState, getConfig(flags))
			if tc.exitCode != 0 {
				var ecerr errext.HasExitCode
				require.True(t, errors.As(err, &ecerr), "%v", err)
				assert.Equal(t, tc.exitCode, ecerr.ExitCode())
				return
			}
			require.NoError(t, err)
			tc.check(t, conf)
		})
	}
}

func TestConfigValidateJoinsProblems(t *testing.T) {
	t.Parallel()

	c := defaultConfig().Apply(Config{
		Address:                 null.NewString("", true),
		SimulatedMarkerInterval: types.NullDurationFrom(-time.Second),
	})
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one of address and wsAddress")
	assert.Contains(t, err.Error(), "simulatedMarkerInterval must be positive")
}
