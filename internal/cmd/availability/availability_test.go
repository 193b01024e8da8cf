package availability

import (
	"flag"
	"testing"
	"time"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("availability", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != ":8090" {
		t.Fatalf("expected default http addr :8090, got %q", cfg.HTTPAddr)
	}
	if cfg.SweepInterval != 5*time.Minute {
		t.Fatalf("expected default sweep interval 5m, got %v", cfg.SweepInterval)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("GIGDESK_AVAILABILITY_HTTP_ADDR", ":9000")

	fs := flag.NewFlagSet("availability", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-http-addr", ":9001", "-sweep-interval", "30s"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != ":9001" {
		t.Fatalf("expected flag override :9001, got %q", cfg.HTTPAddr)
	}
	if cfg.SweepInterval != 30*time.Second {
		t.Fatalf("expected sweep interval 30s, got %v", cfg.SweepInterval)
	}
}
