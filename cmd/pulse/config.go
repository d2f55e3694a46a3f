// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package main

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"

	"github.com/pulse-sfu/harmony/logger"
	"github.com/pulse-sfu/harmony/service/rtc"
)

// Config is a pulse node's complete configuration (spec §4.2, §6). Bare
// field values come from the toml file; the env vars named in spec §6
// override them via explicit envconfig tags.
type Config struct {
	// ListenAddress is where this node serves its own HTTP surface
	// (currently only /metrics; signaling rides the cluster bus).
	ListenAddress string `toml:"listen_address" envconfig:"LISTEN_ADDRESS"`
	// PublicAddress is this node's externally reachable IP address,
	// advertised to the ICE agent as ICEHostOverride when set.
	PublicAddress string `toml:"public_address" envconfig:"PUBLIC_ADDRESS"`
	// Region is this node's spec §6 REGION, announced in Description.
	Region string `toml:"region" envconfig:"REGION"`
	// RedisURI is the cluster bus's backing Redis instance.
	RedisURI string `toml:"redis_uri" envconfig:"REDIS_URI"`
	// MetricsNamespace prefixes every exported Prometheus metric name.
	MetricsNamespace string `toml:"metrics_namespace"`

	RTC    rtc.ServerConfig `toml:"rtc"`
	Logger logger.Config    `toml:"logger"`
}

func (c Config) IsValid() error {
	if c.RedisURI == "" {
		return fmt.Errorf("invalid RedisURI value: should not be empty")
	}
	if c.Region == "" {
		return fmt.Errorf("invalid Region value: should not be empty")
	}
	if err := c.RTC.IsValid(); err != nil {
		return fmt.Errorf("invalid RTC config: %w", err)
	}
	if err := c.Logger.IsValid(); err != nil {
		return fmt.Errorf("invalid Logger config: %w", err)
	}
	return nil
}

func (c *Config) SetDefaults() {
	c.ListenAddress = "0.0.0.0:3001"
	c.RedisURI = "redis://localhost:6379"
	c.Region = "default"
	c.MetricsNamespace = "pulse"
	c.RTC = rtc.ServerConfig{
		ICEPortUDP: 8443,
		ICEPortTCP: 8443,
	}
	c.Logger = logger.Config{
		EnableConsole: true,
		ConsoleJSON:   false,
		ConsoleLevel:  "INFO",
		EnableColor:   true,
	}
}

// loadConfig reads the toml config file at path, falling back to defaults
// if it does not exist, then lets any spec §6 env var override it.
func loadConfig(path string) (Config, error) {
	var cfg Config
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		log.Printf("pulse: config file not found at %s, using defaults", path)
		cfg.SetDefaults()
	} else if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode config file: %w", err)
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, err
	}
	if cfg.RTC.ICEHostOverride == "" && cfg.PublicAddress != "" {
		cfg.RTC.ICEHostOverride = cfg.PublicAddress
	}
	return cfg, nil
}
