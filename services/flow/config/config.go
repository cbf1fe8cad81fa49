// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the flow service configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianFlow/pkg/logging"
	"github.com/AleutianAI/AleutianFlow/services/flow/connectors/builtin"
	"github.com/AleutianAI/AleutianFlow/services/flow/connectors/llm"
	flowbadger "github.com/AleutianAI/AleutianFlow/services/flow/storage/badger"
	"github.com/AleutianAI/AleutianFlow/services/flow/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FLOW_"

// Config is the complete service configuration.
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Engine     EngineConfig      `yaml:"engine"`
	Storage    flowbadger.Config `yaml:"storage"`
	Telemetry  telemetry.Config  `yaml:"telemetry"`
	Logging    logging.Config    `yaml:"logging"`
	Connectors ConnectorsConfig  `yaml:"connectors"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// EngineConfig configures the graph catalog and run handling.
type EngineConfig struct {
	// GraphsDir is the catalog directory served by "flow serve".
	GraphsDir string `yaml:"graphs_dir"`

	// Watch recompiles catalog files when they change.
	Watch bool `yaml:"watch"`

	// WatchDebounce is the settle window for catalog reloads.
	WatchDebounce time.Duration `yaml:"watch_debounce"`
}

// ConnectorsConfig holds service-wide connector settings. Secrets are not
// stored in the file; the *_env fields name the variables that hold them.
type ConnectorsConfig struct {
	OpenAIKeyEnv       string `yaml:"openai_key_env"`
	OpenAIKeySecret    string `yaml:"openai_key_secret"`
	OpenAIBaseURL      string `yaml:"openai_base_url"`
	WeaviateURL        string `yaml:"weaviate_url"`
	InfluxTokenEnv     string `yaml:"influx_token_env"`
	GCSCredentialsFile string `yaml:"gcs_credentials_file"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	storage := flowbadger.DefaultConfig()
	storage.Path = filepath.Join(".flow", "state")
	return Config{
		Server: ServerConfig{
			Port:            8090,
			ShutdownTimeout: 15 * time.Second,
		},
		Engine: EngineConfig{
			GraphsDir:     "graphs",
			WatchDebounce: 100 * time.Millisecond,
		},
		Storage:   storage,
		Telemetry: telemetry.DefaultConfig(),
		Logging: logging.Config{
			LevelName: "info",
			Service:   "flow",
		},
		Connectors: ConnectorsConfig{
			OpenAIKeyEnv:    "OPENAI_API_KEY",
			OpenAIKeySecret: "/run/secrets/openai_api_key",
			WeaviateURL:     "http://localhost:8080",
			InfluxTokenEnv:  "INFLUX_TOKEN",
		},
	}
}

// Load reads path over Default and applies FLOW_ environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read the config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse the config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the values Load cannot fix up.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if !c.Storage.InMemory && c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path is required unless storage.in_memory is set"))
	}
	if c.Logging.LevelName != "" {
		if _, err := logging.ParseLevel(c.Logging.LevelName); err != nil {
			errs = append(errs, fmt.Errorf("logging.level: %w", err))
		}
	}
	return errors.Join(errs...)
}

type lookupFunc func(string) (string, bool)

// applyEnv overrides fields from FLOW_* variables.
func (c *Config) applyEnv(lookup lookupFunc) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	if v, ok := lookup(EnvPrefix + "SERVER_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sSERVER_PORT: %w", EnvPrefix, err))
		} else {
			c.Server.Port = port
		}
	}
	str("GRAPHS_DIR", &c.Engine.GraphsDir)
	boolean("WATCH", &c.Engine.Watch)
	str("STORAGE_PATH", &c.Storage.Path)
	boolean("STORAGE_IN_MEMORY", &c.Storage.InMemory)
	str("LOG_LEVEL", &c.Logging.LevelName)
	str("LOG_DIR", &c.Logging.LogDir)
	boolean("LOG_JSON", &c.Logging.JSON)
	str("TRACE_EXPORTER", &c.Telemetry.TraceExporter)
	str("METRIC_EXPORTER", &c.Telemetry.MetricExporter)
	str("OPENAI_BASE_URL", &c.Connectors.OpenAIBaseURL)
	str("WEAVIATE_URL", &c.Connectors.WeaviateURL)
	str("GCS_CREDENTIALS_FILE", &c.Connectors.GCSCredentialsFile)
	return errors.Join(errs...)
}

// ConnectorDeps resolves connector secrets and returns the registry
// dependencies. The OpenAI key comes from the configured variable, then
// from the secret file.
func (c Config) ConnectorDeps() builtin.Deps {
	return builtin.Deps{
		OpenAI: llm.ClientConfig{
			APIKey:  secret(c.Connectors.OpenAIKeyEnv, c.Connectors.OpenAIKeySecret),
			BaseURL: c.Connectors.OpenAIBaseURL,
		},
		InfluxToken:        secret(c.Connectors.InfluxTokenEnv, ""),
		WeaviateURL:        c.Connectors.WeaviateURL,
		GCSCredentialsFile: c.Connectors.GCSCredentialsFile,
	}
}

func secret(env, file string) string {
	if env != "" {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	if file != "" {
		if data, err := os.ReadFile(file); err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	return ""
}
