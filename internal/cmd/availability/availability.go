// Package availability parses availability command flags and composes the
// service entrypoint.
package availability

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/gigdesk/gigdesk/internal/platform/cmd"
	server "github.com/gigdesk/gigdesk/internal/services/availability/app"
)

// Config holds availability command configuration.
type Config struct {
	HTTPAddr          string        `env:"GIGDESK_AVAILABILITY_HTTP_ADDR"      envDefault:":8090"`
	DBPath            string        `env:"GIGDESK_AVAILABILITY_DB_PATH"        envDefault:"availability.db"`
	LineupSeedPath    string        `env:"GIGDESK_AVAILABILITY_LINEUP_SEED"`
	ChatBridgeURL     string        `env:"GIGDESK_AVAILABILITY_CHAT_BRIDGE_URL"`
	SMSBridgeURL      string        `env:"GIGDESK_AVAILABILITY_SMS_BRIDGE_URL"`
	CalendarBridgeURL string        `env:"GIGDESK_AVAILABILITY_CALENDAR_BRIDGE_URL"`
	SweepInterval     time.Duration `env:"GIGDESK_AVAILABILITY_SWEEP_INTERVAL" envDefault:"5m"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "availability HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "sqlite database path")
	fs.StringVar(&cfg.LineupSeedPath, "lineup-seed", cfg.LineupSeedPath, "lineup directory seed YAML path")
	fs.StringVar(&cfg.ChatBridgeURL, "chat-bridge-url", cfg.ChatBridgeURL, "chat channel bridge endpoint")
	fs.StringVar(&cfg.SMSBridgeURL, "sms-bridge-url", cfg.SMSBridgeURL, "SMS channel bridge endpoint")
	fs.StringVar(&cfg.CalendarBridgeURL, "calendar-bridge-url", cfg.CalendarBridgeURL, "calendar bridge endpoint")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "escalation sweep interval")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the availability app and serves it until the context ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceAvailability, func(context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:          cfg.HTTPAddr,
			DBPath:            cfg.DBPath,
			LineupSeedPath:    cfg.LineupSeedPath,
			ChatBridgeURL:     cfg.ChatBridgeURL,
			SMSBridgeURL:      cfg.SMSBridgeURL,
			CalendarBridgeURL: cfg.CalendarBridgeURL,
			SweepInterval:     cfg.SweepInterval,
		}); err != nil {
			return fmt.Errorf("serve availability: %w", err)
		}
		return nil
	})
}
