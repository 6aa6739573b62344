package state

import "path/filepath"

const defaultConfigFileName = "config.json"

// GlobalOptions contains the config values shared by every devtools
// sub-command.
type GlobalOptions struct {
	ConfigFilePath string
	Quiet          bool
	NoColor        bool
	LogOutput      string
	LogFormat      string
	Verbose        bool
}

// GetDefaultGlobalOptions returns the default global flags.
func GetDefaultGlobalOptions(configDir string) GlobalOptions {
	return GlobalOptions{
		ConfigFilePath: filepath.Join(configDir, "devtools", defaultConfigFileName),
		LogOutput:      "stderr",
	}
}

func consolidateGlobalFlags(defaultFlags GlobalOptions, env map[string]string) GlobalOptions {
	result := defaultFlags

	if val, ok := env["DEVTOOLS_CONFIG"]; ok {
		result.ConfigFilePath = val
	}
	if val, ok := env["DEVTOOLS_LOG_OUTPUT"]; ok {
		result.LogOutput = val
	}
	if val, ok := env["DEVTOOLS_LOG_FORMAT"]; ok {
		result.LogFormat = val
	}
	if env["DEVTOOLS_NO_COLOR"] != "" {
		result.NoColor = true
	}
	// https://no-color.org/ says even an empty value disables colors.
	if _, ok := env["NO_COLOR"]; ok {
		result.NoColor = true
	}
	return result
}
