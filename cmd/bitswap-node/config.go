// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

const envPrefix = "BITSWAP"

type Config struct {
	Repo           string        `mapstructure:"repo"`
	Datastore      string        `mapstructure:"datastore"`
	Listen         []string      `mapstructure:"listen"`
	BootstrapFile  string        `mapstructure:"bootstrap_file"`
	Peers          []string      `mapstructure:"peers"`
	ProtocolPrefix string        `mapstructure:"protocol_prefix"`
	MetricsListen  string        `mapstructure:"metrics_listen"`
	Logging        LoggingConfig `mapstructure:"logging"`
	Bitswap        BitswapConfig `mapstructure:"bitswap"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type BitswapConfig struct {
	QuietMode         bool          `mapstructure:"quiet_mode"`
	MaxWants          int           `mapstructure:"max_wants"`
	WantTimeout       time.Duration `mapstructure:"want_timeout"`
	MaxEntriesPerPeer int           `mapstructure:"max_entries_per_peer"`
	BroadcastPeers    int           `mapstructure:"broadcast_peers"`
	Provide           bool          `mapstructure:"provide"`
}

// flagKeys maps command line flags to their config keys
var flagKeys = map[string]string{
	"repo":           "repo",
	"datastore":      "datastore",
	"listen":         "listen",
	"bootstrap-file": "bootstrap_file",
	"peer":           "peers",
	"quiet-mode":     "bitswap.quiet_mode",
	"metrics-listen": "metrics_listen",
	"log-level":      "logging.level",
	"log-format":     "logging.format",
}

func setConfigDefaults(v *viper.Viper) {
	v.SetDefault("repo", ".bitswap")
	v.SetDefault("datastore", "leveldb")
	v.SetDefault("listen", []string{"/ip4/0.0.0.0/tcp/4001", "/ip4/0.0.0.0/udp/4001/quic-v1"})
	v.SetDefault("bootstrap_file", "")
	v.SetDefault("peers", []string{})
	v.SetDefault("protocol_prefix", "")
	v.SetDefault("metrics_listen", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("bitswap.quiet_mode", false)
	v.SetDefault("bitswap.max_wants", 0)
	v.SetDefault("bitswap.want_timeout", time.Duration(0))
	v.SetDefault("bitswap.max_entries_per_peer", 0)
	v.SetDefault("bitswap.broadcast_peers", 0)
	v.SetDefault("bitswap.provide", true)
}

// loadConfig builds the config from defaults, the optional config file,
// BITSWAP_* environment variables and finally any flags given on the command
// line
func loadConfig(c *cli.Context) (*Config, error) {
	v := viper.New()
	setConfigDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path := c.String("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	for flagName, key := range flagKeys {
		if !c.IsSet(flagName) {
			continue
		}
		switch flagName {
		case "listen", "peer":
			v.Set(key, c.StringSlice(flagName))
		case "quiet-mode":
			v.Set(key, c.Bool(flagName))
		default:
			v.Set(key, c.String(flagName))
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	switch cfg.Datastore {
	case datastoreLevelDB, datastoreBadger, datastoreMemory:
	default:
		return nil, fmt.Errorf("unknown datastore type: %s", cfg.Datastore)
	}
	return cfg, nil
}
