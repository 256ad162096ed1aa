package main

import (
	"fmt"

	"github.com/spf13/viper"
)

// config is the demo harness's tunable parameters, loaded from a YAML
// file the same way tuannm99-novasql's internal.LoadConfig reads
// novasql.yaml: a fresh *viper.Viper pointed at an explicit path, then
// unmarshaled into a mapstructure-tagged struct.
type config struct {
	Frames struct {
		Count int `mapstructure:"count"`
	} `mapstructure:"frames"`
	Disk struct {
		Sectors int `mapstructure:"sectors"`
	} `mapstructure:"disk"`
	Space struct {
		UserSpaceTop     uint64 `mapstructure:"user_space_top"`
		StackBottomLimit uint64 `mapstructure:"stack_bottom_limit"`
	} `mapstructure:"space"`
}

func defaultConfig() config {
	var c config
	c.Frames.Count = 32
	c.Disk.Sectors = 4096
	c.Space.UserSpaceTop = 0x8000_0000
	c.Space.StackBottomLimit = 0x7f00_0000
	return c
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}
