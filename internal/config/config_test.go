package config

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newTestCommand() (*cobra.Command, *viper.Viper) {
	cmd := &cobra.Command{Use: "test"}
	v := viper.New()
	BindFlags(cmd, v)
	return cmd, v
}

func TestLoadFailsWithoutRequiredFields(t *testing.T) {
	_, v := newTestCommand()
	if _, err := Load(v); err == nil {
		t.Fatal("expected Load to fail without required configuration")
	}
}

func TestLoadSucceedsWithRequiredFields(t *testing.T) {
	_, v := newTestCommand()
	v.Set("global-db-url", "postgres://global")
	v.Set("region", "us-east")
	v.Set("region-db-url", map[string]string{"us-east": "postgres://us-east"})
	v.Set("at-rest-key", "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff")
	v.Set("cluster-secret", "deadbeef")
	v.Set("token-secret", "cafebabe")
	v.Set("peer-id", "node-1")

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StripeSize != 256*1024 {
		t.Fatalf("got default stripe size %d, want 262144", cfg.StripeSize)
	}
	if cfg.K != 4 || cfg.M != 2 {
		t.Fatalf("got (k,m)=(%d,%d), want (4,2)", cfg.K, cfg.M)
	}

	key, err := cfg.AtRestKey()
	if err != nil {
		t.Fatalf("AtRestKey: %v", err)
	}
	if len(key) != 32 {
		t.Fatalf("got key length %d, want 32", len(key))
	}
}

func TestLoadRejectsMissingRegionPool(t *testing.T) {
	_, v := newTestCommand()
	v.Set("global-db-url", "postgres://global")
	v.Set("region", "us-east")
	v.Set("at-rest-key", "aa")
	v.Set("cluster-secret", "bb")
	v.Set("token-secret", "cc")
	v.Set("peer-id", "node-1")

	if _, err := Load(v); err == nil {
		t.Fatal("expected Load to fail when region-db-url has no entry for the configured region")
	}
}
