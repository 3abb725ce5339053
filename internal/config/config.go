// Package config loads node/coordinator configuration through
// spf13/viper, bound to spf13/cobra flags and environment variables,
// the way ateneo-connect-zstore and storj-storj wire an object-storage
// daemon's CLI. It replaces the teacher's getenv/mustGetenv pair: the
// two cmd/ binaries read all of their configuration through this
// package, which owns the full surface spec.md §6 names.
package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the full set of recognized options for both cmd/node and
// cmd/coordinator; the coordinator binary additionally reads the Task
// Worker fields, which node ignores.
type Config struct {
	// Database handles.
	GlobalDBURL   string `mapstructure:"global_db_url"`
	RegionDBURLs  map[string]string

	// Identity.
	Region           string `mapstructure:"region"`
	AtRestKeyHex     string `mapstructure:"at_rest_key"`
	ClusterSecretHex string `mapstructure:"cluster_secret"`
	TokenSecretHex   string `mapstructure:"token_secret"`
	PeerID           string `mapstructure:"peer_id"`

	// Transport.
	PeerListenAddr string   `mapstructure:"peer_listen_addr"`
	PeerPublicAddrs []string `mapstructure:"peer_public_addrs"`
	APIListenAddr  string   `mapstructure:"api_listen_addr"`
	APIPublicAddr  string   `mapstructure:"api_public_addr"`

	// Bootstrap.
	BootstrapPeers      []string `mapstructure:"bootstrap_peers"`
	LocalDiscovery      bool     `mapstructure:"local_discovery"`

	// Tunables.
	StripeSize        int64         `mapstructure:"stripe_size"`
	K                 int           `mapstructure:"erasure_k"`
	M                 int           `mapstructure:"erasure_m"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	LivenessWindow    time.Duration `mapstructure:"liveness_window"`
	EvictionWindow    time.Duration `mapstructure:"eviction_window"`
	MetadataCacheTTL  time.Duration `mapstructure:"metadata_cache_ttl"`

	// Task worker (coordinator binary only).
	TaskPollInterval time.Duration `mapstructure:"task_poll_interval"`
	TaskMaxAttempts  int           `mapstructure:"task_max_attempts"`

	// Local storage.
	DataDir string `mapstructure:"data_dir"`

	// Config file, optional, merged under the flag/env values per
	// viper's precedence rules.
	ConfigFile string `mapstructure:"config_file"`
}

// BindFlags registers the recognized options as persistent flags on
// cmd and binds each to both the flag and a matching ANVIL_-prefixed
// environment variable via v.
func BindFlags(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.PersistentFlags()

	flags.String("global-db-url", "", "connection string for the global metadata database")
	flags.StringToString("region-db-url", nil, "region=connection-string pairs for regional object databases")

	flags.String("region", "", "this node's region name")
	flags.String("at-rest-key", "", "32-byte hex AES-256-GCM key for content encryption")
	flags.String("cluster-secret", "", "hex HMAC secret shared by all gossip members")
	flags.String("token-secret", "", "hex HMAC secret used to sign peer RPC bearer tokens")
	flags.String("peer-id", "", "this node's stable peer identifier")

	flags.String("peer-listen-addr", ":7000", "listen address for the peer transport gRPC server")
	flags.StringSlice("peer-public-addrs", nil, "reachable addresses advertised for this node's peer transport")
	flags.String("api-listen-addr", ":8080", "listen address for the client-facing API")
	flags.String("api-public-addr", "", "reachable address advertised for this node's client API")

	flags.StringSlice("bootstrap-peers", nil, "base URLs (http://host:port) of peer client APIs that gossip heartbeats are posted to")
	flags.Bool("local-discovery", false, "recorded in the config but unused: no local-network peer discovery is performed")

	flags.Int64("stripe-size", 256*1024, "stripe size in bytes")
	flags.Int("erasure-k", 4, "erasure coding data shard count")
	flags.Int("erasure-m", 2, "erasure coding parity shard count")
	flags.Duration("heartbeat-interval", 2*time.Second, "gossip heartbeat interval")
	flags.Duration("liveness-window", 10*time.Second, "time since last heartbeat before a peer is marked suspect")
	flags.Duration("eviction-window", 60*time.Second, "time since last heartbeat before a suspect peer is evicted")
	flags.Duration("metadata-cache-ttl", 300*time.Second, "recorded in the config but unused: bucket and placement lookups are not cached")

	flags.Duration("task-poll-interval", 500*time.Millisecond, "task worker poll interval")
	flags.Int("task-max-attempts", 8, "task worker retry budget before marking a task permanently failed")

	flags.String("config-file", "", "optional YAML config file merged under flag/env values")
	flags.String("data-dir", "./data", "local directory for staged and committed shard blobs")

	_ = v.BindPFlags(flags)
	v.SetEnvPrefix("anvil")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

// Load reads the config file (if set) and unmarshals the final merged
// configuration, validating the required fields spec.md §6 calls out.
func Load(v *viper.Viper) (*Config, error) {
	if path := v.GetString("config-file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		GlobalDBURL:       v.GetString("global-db-url"),
		RegionDBURLs:      v.GetStringMapString("region-db-url"),
		Region:            v.GetString("region"),
		AtRestKeyHex:      v.GetString("at-rest-key"),
		ClusterSecretHex:  v.GetString("cluster-secret"),
		TokenSecretHex:    v.GetString("token-secret"),
		PeerID:            v.GetString("peer-id"),
		PeerListenAddr:    v.GetString("peer-listen-addr"),
		PeerPublicAddrs:   v.GetStringSlice("peer-public-addrs"),
		APIListenAddr:     v.GetString("api-listen-addr"),
		APIPublicAddr:     v.GetString("api-public-addr"),
		BootstrapPeers:    v.GetStringSlice("bootstrap-peers"),
		LocalDiscovery:    v.GetBool("local-discovery"),
		StripeSize:        v.GetInt64("stripe-size"),
		K:                 v.GetInt("erasure-k"),
		M:                 v.GetInt("erasure-m"),
		HeartbeatInterval: v.GetDuration("heartbeat-interval"),
		LivenessWindow:    v.GetDuration("liveness-window"),
		EvictionWindow:    v.GetDuration("eviction-window"),
		MetadataCacheTTL:  v.GetDuration("metadata-cache-ttl"),
		TaskPollInterval:  v.GetDuration("task-poll-interval"),
		TaskMaxAttempts:   v.GetInt("task-max-attempts"),
		ConfigFile:        v.GetString("config-file"),
		DataDir:           v.GetString("data-dir"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.GlobalDBURL == "" {
		missing = append(missing, "global-db-url")
	}
	if c.Region == "" {
		missing = append(missing, "region")
	}
	if _, ok := c.RegionDBURLs[c.Region]; !ok {
		missing = append(missing, fmt.Sprintf("region-db-url[%s]", c.Region))
	}
	if c.AtRestKeyHex == "" {
		missing = append(missing, "at-rest-key")
	}
	if c.ClusterSecretHex == "" {
		missing = append(missing, "cluster-secret")
	}
	if c.TokenSecretHex == "" {
		missing = append(missing, "token-secret")
	}
	if c.PeerID == "" {
		missing = append(missing, "peer-id")
	}
	if c.K <= 0 || c.M < 0 {
		missing = append(missing, "erasure-k/erasure-m")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing or invalid required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// AtRestKey decodes the hex-encoded at-rest encryption key.
func (c *Config) AtRestKey() ([]byte, error) { return decodeKey(c.AtRestKeyHex, "at-rest-key") }

// ClusterSecret decodes the hex-encoded gossip HMAC secret.
func (c *Config) ClusterSecret() ([]byte, error) { return decodeKey(c.ClusterSecretHex, "cluster-secret") }

// TokenSecret decodes the hex-encoded RPC token signing secret.
func (c *Config) TokenSecret() ([]byte, error) { return decodeKey(c.TokenSecretHex, "token-secret") }

func decodeKey(hexStr, name string) ([]byte, error) {
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return b, nil
}
