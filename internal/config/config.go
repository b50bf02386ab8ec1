/*
 *
 * Copyright 2025 The NCCL-Go Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package config holds the runtime toggles consumed by the peer transport.
// Values come from an optional YAML file (NCCL_CONFIG_FILE) overridden by
// environment variables, so a deployment can ship a file while an operator
// still flips single knobs per run.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ReadEnableAuto leaves the read/write orientation to the topology hint
// instead of forcing one.
const ReadEnableAuto = -2

// Config carries the transport toggles.
type Config struct {
	// P2PReadEnable forces read-oriented transfers when 1, write-oriented
	// when 0, and defers to the topology hint when ReadEnableAuto.
	P2PReadEnable int `yaml:"p2p_read_enable"`

	// P2PDirectDisable forces handle-based mapping even within a process.
	P2PDirectDisable bool `yaml:"p2p_direct_disable"`

	// P2PUseStagedCopy routes transfers through the proxy staging buffer
	// instead of direct or mapped peer access.
	P2PUseStagedCopy bool `yaml:"p2p_use_staged_copy"`
}

// Default returns the built-in configuration: orientation from the topology
// hint, direct access allowed, staged copy off.
func Default() *Config {
	return &Config{
		P2PReadEnable:    ReadEnableAuto,
		P2PDirectDisable: false,
		P2PUseStagedCopy: false,
	}
}

// Load builds a Config from the file named by NCCL_CONFIG_FILE (if set) and
// then applies NCCL_* environment overrides on top.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("NCCL_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv("NCCL_P2P_READ_ENABLE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid NCCL_P2P_READ_ENABLE %q: %w", v, err)
		}
		c.P2PReadEnable = n
	}
	if v, ok := os.LookupEnv("NCCL_P2P_DIRECT_DISABLE"); ok {
		b, err := parseBool(v)
		if err != nil {
			return fmt.Errorf("invalid NCCL_P2P_DIRECT_DISABLE %q: %w", v, err)
		}
		c.P2PDirectDisable = b
	}
	if v, ok := os.LookupEnv("NCCL_P2P_USE_STAGED_COPY"); ok {
		b, err := parseBool(v)
		if err != nil {
			return fmt.Errorf("invalid NCCL_P2P_USE_STAGED_COPY %q: %w", v, err)
		}
		c.P2PUseStagedCopy = b
	}
	return nil
}

// parseBool accepts the usual strconv forms plus the bare 0/1 integers the
// original environment variables used.
func parseBool(v string) (bool, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return n != 0, nil
	}
	return strconv.ParseBool(v)
}
