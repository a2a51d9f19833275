// Package config resolves process-wide settings that cmd/proxy accepts as
// flags, applying environment variable overrides ahead of flag defaults.
//
// Environment variables are prefixed with "CACHEMIR_" and take effect only
// when the corresponding flag was left at its default value, so an explicit
// -config or -metrics-addr on the command line always wins.
package config

import (
	"os"
	"strings"
)

// Overrides holds the environment-derived values. cmd/proxy applies
// ConfigPath and MetricsAddr to its flag defaults before parsing arguments;
// ApplyTo does not use LogLevel.
type Overrides struct {
	ConfigPath  string
	MetricsAddr string
	LogLevel    string
}

// FromEnviron reads CACHEMIR_CONFIG, CACHEMIR_METRICS_ADDR and
// CACHEMIR_LOG_LEVEL. Any variable that is unset or empty leaves the
// corresponding field as the zero value, signaling "no override".
func FromEnviron() Overrides {
	return Overrides{
		ConfigPath:  strings.TrimSpace(os.Getenv("CACHEMIR_CONFIG")),
		MetricsAddr: strings.TrimSpace(os.Getenv("CACHEMIR_METRICS_ADDR")),
		LogLevel:    strings.TrimSpace(os.Getenv("CACHEMIR_LOG_LEVEL")),
	}
}

// ApplyTo overwrites the targets pointed to by configPath and metricsAddr
// with any non-empty override, leaving flag-supplied values untouched when
// no environment variable was set.
func (o Overrides) ApplyTo(configPath, metricsAddr *string) {
	if o.ConfigPath != "" {
		*configPath = o.ConfigPath
	}
	if o.MetricsAddr != "" {
		*metricsAddr = o.MetricsAddr
	}
}
