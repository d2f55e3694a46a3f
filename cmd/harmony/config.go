// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"

	"github.com/pulse-sfu/harmony/logger"
	"github.com/pulse-sfu/harmony/service/ws"
)

// Config is harmony's complete configuration (spec §6). MongoURI/
// MongoDatabase are carried per spec §1's non-goals: the env surface is
// defined, but nothing in this repo talks to Mongo, since call history and
// directory lookups are explicitly out of scope.
type Config struct {
	ListenAddress string `toml:"listen_address" envconfig:"LISTEN_ADDRESS"`
	RedisURI      string `toml:"redis_uri" envconfig:"REDIS_URI"`
	JWTSecret     string `toml:"jwt_secret" envconfig:"JWT_SECRET"`
	MongoURI      string `toml:"mongodb_uri" envconfig:"MONGODB_URI"`
	MongoDatabase string `toml:"mongodb_database" envconfig:"MONGODB_DATABASE"`

	MetricsNamespace string `toml:"metrics_namespace"`

	WS     ws.ServerConfig `toml:"ws"`
	Logger logger.Config   `toml:"logger"`
}

func (c Config) IsValid() error {
	if c.RedisURI == "" {
		return fmt.Errorf("invalid RedisURI value: should not be empty")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("invalid JWTSecret value: should not be empty")
	}
	if err := c.WS.IsValid(); err != nil {
		return fmt.Errorf("invalid WS config: %w", err)
	}
	if err := c.Logger.IsValid(); err != nil {
		return fmt.Errorf("invalid Logger config: %w", err)
	}
	return nil
}

func (c *Config) SetDefaults() {
	c.ListenAddress = "0.0.0.0:9000"
	c.RedisURI = "redis://localhost:6379"
	c.MetricsNamespace = "harmony"
	c.WS = ws.ServerConfig{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		PingInterval:    10 * time.Second,
	}
	c.Logger = logger.Config{
		EnableConsole: true,
		ConsoleJSON:   false,
		ConsoleLevel:  "INFO",
		EnableColor:   true,
	}
}

func loadConfig(path string) (Config, error) {
	var cfg Config
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		log.Printf("harmony: config file not found at %s, using defaults", path)
		cfg.SetDefaults()
	} else if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode config file: %w", err)
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
