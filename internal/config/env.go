package config

import "os"

// EnvOverrides holds values read from FOTOSYNC_* environment variables.
// They override the config file but lose to CLI flags.
type EnvOverrides struct {
	ConfigPath string
	DataDir    string
	BaseURL    string
	Token      string
	LogLevel   string
}

// ReadEnv collects the supported environment overrides.
func ReadEnv() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv("FOTOSYNC_CONFIG"),
		DataDir:    os.Getenv("FOTOSYNC_DATA_DIR"),
		BaseURL:    os.Getenv("FOTOSYNC_API_BASE_URL"),
		Token:      os.Getenv("FOTOSYNC_API_TOKEN"),
		LogLevel:   os.Getenv("FOTOSYNC_LOG_LEVEL"),
	}
}
