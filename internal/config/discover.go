package config

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"
)

// FileName is the config file base name looked up by Discover.
const FileName = "harvester"

// SearchPaths lists the directories Discover scans, in order.
var SearchPaths = []string{".", "/etc/release-harvester", "$HOME/.release-harvester"}

// Discover returns the first harvester.{yaml,json,toml} found in paths, or "" when
// none exists. A file that exists but cannot be parsed is an error.
func Discover(paths ...string) (string, error) {
	if len(paths) == 0 {
		paths = SearchPaths
	}
	v := viper.New()
	v.SetConfigName(FileName)
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return "", nil
		}
		return "", fmt.Errorf("read config: %w", err)
	}
	return v.ConfigFileUsed(), nil
}
