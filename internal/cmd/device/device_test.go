package device

import (
	"flag"
	"testing"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("device", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 8086 {
		t.Fatalf("expected default port 8086, got %d", cfg.Port)
	}
	if cfg.DBPath != "data/device.db" {
		t.Fatalf("expected default db path, got %q", cfg.DBPath)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("KEYLINE_DEVICE_PORT", "9200")

	fs := flag.NewFlagSet("device", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-db-path", "flag/device.db"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 9200 {
		t.Fatalf("expected env port 9200, got %d", cfg.Port)
	}
	if cfg.DBPath != "flag/device.db" {
		t.Fatalf("expected flag db path, got %q", cfg.DBPath)
	}
}
