package audit

import (
	"flag"
	"testing"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 8087 {
		t.Fatalf("expected default port 8087, got %d", cfg.Port)
	}
	if cfg.DBPath != "data/audit.db" {
		t.Fatalf("expected default db path, got %q", cfg.DBPath)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("KEYLINE_AUDIT_BROKERS", "kafka-1:9092")

	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-port", "9300"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 9300 {
		t.Fatalf("expected port 9300, got %d", cfg.Port)
	}
	if got := cfg.BrokerAddrs(); len(got) != 1 || got[0] != "kafka-1:9092" {
		t.Fatalf("expected single broker, got %v", got)
	}
}
