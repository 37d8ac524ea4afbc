// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

// Package config loads the on-disk TOML configuration for kvcored:
// where the database lives and how aggressively it batches writes.
package config

import (
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"

	"github.com/erigontech/kvcore/pkg/keyvalue/persistence"
)

// Config is the root of kvcored's TOML file.
type Config struct {
	DataDir     string            `toml:"datadir"`
	MetricsAddr string            `toml:"metrics_addr"`
	Persistence PersistenceConfig `toml:"persistence"`
}

// PersistenceConfig mirrors persistence.Policy in TOML-friendly form:
// a flat list of thresholds, any one of which is sufficient to force
// a commit.
type PersistenceConfig struct {
	Thresholds []ThresholdConfig `toml:"thresholds"`
}

// ThresholdConfig is one persistence.Threshold. DurationMillis is
// omitted (zero) for a count-only threshold.
type ThresholdConfig struct {
	MinChanges     int   `toml:"min_changes"`
	DurationMillis int64 `toml:"min_duration_ms"`
}

// Default returns the configuration kvcored falls back to when no
// file is given: commit on every change, data under ./kvcore-data.
func Default() Config {
	return Config{
		DataDir:     "./kvcore-data",
		MetricsAddr: "127.0.0.1:6061",
		Persistence: PersistenceConfig{
			Thresholds: []ThresholdConfig{{MinChanges: 1}},
		},
	}
}

// Load reads and parses the TOML file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config: read %s", path)
	}
	cfg := Default()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "config: parse %s", path)
	}
	return cfg, nil
}

// Policy converts the parsed configuration into a persistence.Policy.
func (c Config) Policy() persistence.Policy {
	if len(c.Persistence.Thresholds) == 0 {
		return persistence.Default()
	}
	thresholds := make([]persistence.Threshold, 0, len(c.Persistence.Thresholds))
	for _, t := range c.Persistence.Thresholds {
		th := persistence.AfterChanges(t.MinChanges)
		if t.DurationMillis > 0 {
			th = th.AndDuration(time.Duration(t.DurationMillis) * time.Millisecond)
		}
		thresholds = append(thresholds, th)
	}
	return persistence.Lazy(thresholds...)
}
