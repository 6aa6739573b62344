package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/mstoykov/envconfig"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"gopkg.in/guregu/null.v3"

	"github.com/liuxd6825/devtools/cmd/state"
	"github.com/liuxd6825/devtools/devtools/server"
	"github.com/liuxd6825/devtools/devtools/timeline"
	"github.com/liuxd6825/devtools/errext"
	"github.com/liuxd6825/devtools/errext/exitcodes"
	"github.com/liuxd6825/devtools/lib/types"
)

const (
	defaultAddress                 = "localhost:6080"
	defaultMaxPacketSize           = 16 << 20
	defaultSimulatedMarkerInterval = 50 * time.Millisecond
)

// Config is the configuration of the serve command. Unset fields are left
// to the layers below.
type Config struct {
	Address                 null.String        `json:"address" envconfig:"DEVTOOLS_ADDRESS"`
	WSAddress               null.String        `json:"wsAddress" envconfig:"DEVTOOLS_WS_ADDRESS"`
	MetricsAddress          null.String        `json:"metricsAddress" envconfig:"DEVTOOLS_METRICS_ADDRESS"`
	PollInterval            types.NullDuration `json:"pollInterval" envconfig:"DEVTOOLS_POLL_INTERVAL"`
	MaxPacketSize           null.Int           `json:"maxPacketSize" envconfig:"DEVTOOLS_MAX_PACKET_SIZE"`
	Simulate                null.Bool          `json:"simulate" envconfig:"DEVTOOLS_SIMULATE"`
	SimulatedMarkerInterval types.NullDuration `json:"simulatedMarkerInterval" envconfig:"DEVTOOLS_SIMULATED_MARKER_INTERVAL"`
}

// Apply returns c with every set field of cfg copied over it.
func (c Config) Apply(cfg Config) Config {
	if cfg.Address.Valid {
		c.Address = cfg.Address
	}
	if cfg.WSAddress.Valid {
		c.WSAddress = cfg.WSAddress
	}
	if cfg.MetricsAddress.Valid {
		c.MetricsAddress = cfg.MetricsAddress
	}
	if cfg.PollInterval.Valid {
		c.PollInterval = cfg.PollInterval
	}
	if cfg.MaxPacketSize.Valid {
		c.MaxPacketSize = cfg.MaxPacketSize
	}
	if cfg.Simulate.Valid {
		c.Simulate = cfg.Simulate
	}
	if cfg.SimulatedMarkerInterval.Valid {
		c.SimulatedMarkerInterval = cfg.SimulatedMarkerInterval
	}
	return c
}

// Validate returns every problem with c joined in one error.
func (c Config) Validate() error {
	var errs []error
	if c.Address.String == "" && c.WSAddress.String == "" {
		errs = append(errs, errors.New("at least one of address and wsAddress must be set"))
	}
	if c.PollInterval.Valid && c.PollInterval.TimeDuration() <= 0 {
		errs = append(errs, fmt.Errorf("pollInterval must be positive, got %s", c.PollInterval.Duration))
	}
	if c.MaxPacketSize.Valid && c.MaxPacketSize.Int64 <= 0 {
		errs = append(errs, fmt.Errorf("maxPacketSize must be positive, got %d", c.MaxPacketSize.Int64))
	}
	if c.SimulatedMarkerInterval.Valid && c.SimulatedMarkerInterval.TimeDuration() <= 0 {
		errs = append(errs, fmt.Errorf(
			"simulatedMarkerInterval must be positive, got %s", c.SimulatedMarkerInterval.Duration))
	}
	return errors.Join(errs...)
}

// ServerConfig converts c to the configuration of a server.
func (c Config) ServerConfig() server.Config {
	return server.Config{
		Address:        c.Address.String,
		WSAddress:      c.WSAddress.String,
		MetricsAddress: c.MetricsAddress.String,
		PollInterval:   c.PollInterval.TimeDuration(),
		MaxPacketSize:  int(c.MaxPacketSize.Int64),
	}
}

// defaultConfig holds the values of everything nobody configured.
func defaultConfig() Config {
	return Config{
		Address:                 null.StringFrom(defaultAddress),
		PollInterval:            types.NullDurationFrom(timeline.DefaultPollInterval),
		MaxPacketSize:           null.IntFrom(defaultMaxPacketSize),
		Simulate:                null.BoolFrom(true),
		SimulatedMarkerInterval: types.NullDurationFrom(defaultSimulatedMarkerInterval),
	}
}

func configFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.SortFlags = false
	flags.StringP("address", "a", defaultAddress, "`address` accepting length-prefixed debugger connections")
	flags.String("ws-address", "", "`address` accepting websocket debugger connections")
	flags.String("metrics-address", "", "`address` serving Prometheus metrics")
	flags.Duration("poll-interval", timeline.DefaultPollInterval, "interval between timeline marker batches")
	flags.Int64("max-packet-size", defaultMaxPacketSize, "largest accepted packet, in bytes")
	flags.Bool("simulate", true, "expose a simulated page producing markers and frame ticks")
	flags.Duration("simulated-marker-interval", defaultSimulatedMarkerInterval,
		"interval between the frames of the simulated page")
	return flags
}

// getConfig reads the configuration set on the command line.
func getConfig(flags *pflag.FlagSet) Config {
	return Config{
		Address:                 getNullString(flags, "address"),
		WSAddress:               getNullString(flags, "ws-address"),
		MetricsAddress:          getNullString(flags, "metrics-address"),
		PollInterval:            getNullDuration(flags, "poll-interval"),
		MaxPacketSize:           getNullInt64(flags, "max-packet-size"),
		Simulate:                getNullBool(flags, "simulate"),
		SimulatedMarkerInterval: getNullDuration(flags, "simulated-marker-interval"),
	}
}

// readDiskConfig reads the JSON config file. A missing file is an empty
// configuration.
func readDiskConfig(gs *state.GlobalState) (Config, error) {
	data, err := afero.ReadFile(gs.FS, gs.Flags.ConfigFilePath)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("couldn't load the configuration from %q: %w", gs.Flags.ConfigFilePath, err)
	}
	var conf Config
	if err := json.Unmarshal(data, &conf); err != nil {
		return Config{}, fmt.Errorf("couldn't parse the JSON configuration from %q: %w", gs.Flags.ConfigFilePath, err)
	}
	return conf, nil
}

func readEnvConfig(env map[string]string) (Config, error) {
	var conf Config
	err := envconfig.Process("", &conf, func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})
	return conf, err
}

// getConsolidatedConfig layers the defaults, the config file, the
// environment and the CLI flags, in increasing priority, and validates the
// result.
func getConsolidatedConfig(gs *state.GlobalState, cliConf Config) (Config, error) {
	fileConf, err := readDiskConfig(gs)
	if err != nil {
		return Config{}, errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}
	envConf, err := readEnvConfig(gs.Env)
	if err != nil {
		return Config{}, errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}

	conf := defaultConfig().Apply(fileConf).Apply(envConf).Apply(cliConf)
	if err := conf.Validate(); err != nil {
		err = errext.WithHint(err, "check the config file, the DEVTOOLS_* environment variables and the flags")
		return Config{}, errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}
	return conf, nil
}
