// ============================================================================
// fieldops configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: YAML configuration for the daemon and the CLI
//
// Loading:
//   Load starts from Default() and decodes the file over it, so any key the
//   file omits keeps its default. Durations use Go syntax ("30s", "12h").
//   Money is written in dollars ("25.00") and held internally as cents.
//
// Sections:
//   storage        driver memory|sqlite, dsn
//   lifecycle      geofence radius, minimum evidence, per-job-type overrides
//   notifications  retry policy, send timeout, concurrency, channel guard,
//                  queue snapshot, email provider, push hub
//   payout         guardrails, weekly window, transfer timeout, methods
//   sla            reminder lead, scan interval, operations recipient
//   audit          wal path
//   http, grpc     listen addresses
//   metrics        enabled, addr
//   log            json, level
//
// ============================================================================

package config

import (
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/fieldops/internal/errors"
	"github.com/ChuLiYu/fieldops/internal/jobmanager"
	"github.com/ChuLiYu/fieldops/internal/notify"
	"github.com/ChuLiYu/fieldops/internal/payout"
	"github.com/ChuLiYu/fieldops/pkg/types"
)

// DefaultPath is where the CLI looks when --config is not given.
const DefaultPath = "configs/fieldops.yaml"

// Config is the complete system configuration.
type Config struct {
	Storage       StorageConfig       `yaml:"storage"`
	Lifecycle     LifecycleConfig     `yaml:"lifecycle"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Payout        PayoutConfig        `yaml:"payout"`
	SLA           SLAConfig           `yaml:"sla"`
	Audit         AuditConfig         `yaml:"audit"`
	HTTP          HTTPConfig          `yaml:"http"`
	GRPC          GRPCConfig          `yaml:"grpc"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Log           LogConfig           `yaml:"log"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"` // memory or sqlite
	DSN    string `yaml:"dsn"`
}

type LifecycleConfig struct {
	GeofenceRadiusMeters float64                            `yaml:"geofence_radius_meters"`
	MinEvidence          int                                `yaml:"min_evidence"`
	Overrides            map[types.JobType]jobmanager.Rules `yaml:"overrides"`
}

// Rules returns the default lifecycle rules.
func (c LifecycleConfig) Rules() jobmanager.Rules {
	return jobmanager.Rules{GeofenceRadiusMeters: c.GeofenceRadiusMeters, MinEvidence: c.MinEvidence}
}

type NotificationsConfig struct {
	Interval         time.Duration        `yaml:"interval"`
	MaxAttempts      int                  `yaml:"max_attempts"`
	Backoff          notify.BackoffPolicy `yaml:",inline"`
	SendTimeout      time.Duration        `yaml:"send_timeout"`
	Concurrency      int                  `yaml:"concurrency"`
	Guard            notify.GuardConfig   `yaml:"guard"`
	SnapshotPath     string               `yaml:"snapshot_path"`
	SnapshotInterval time.Duration        `yaml:"snapshot_interval"`
	Email            notify.EmailConfig   `yaml:"email"`
	Push             PushConfig           `yaml:"push"`
}

type PushConfig struct {
	Enabled     bool   `yaml:"enabled"`
	AllowOrigin string `yaml:"allow_origin"` // empty allows any origin
}

type PayoutConfig struct {
	MinimumDollars  float64       `yaml:"minimum"`
	MaximumDollars  float64       `yaml:"maximum"`
	Weekday         string        `yaml:"weekday"`
	Hour            int           `yaml:"hour"`
	Timezone        string        `yaml:"timezone"`
	TransferTimeout time.Duration `yaml:"transfer_timeout"`
	// Methods maps payee id to a payout destination such as "ach:****6789".
	Methods map[string]string `yaml:"methods"`
}

// Minimum returns the lower guardrail in cents.
func (c PayoutConfig) Minimum() types.Cents { return toCents(c.MinimumDollars) }

// Maximum returns the upper guardrail in cents.
func (c PayoutConfig) Maximum() types.Cents { return toCents(c.MaximumDollars) }

// Schedule resolves the weekly payout window.
func (c PayoutConfig) Schedule() (payout.Schedule, error) {
	wd, err := parseWeekday(c.Weekday)
	if err != nil {
		return payout.Schedule{}, err
	}
	return payout.NewSchedule(wd, c.Hour, c.Timezone)
}

// PayoutMethods converts Methods for payout.NewStaticProvider.
func (c PayoutConfig) PayoutMethods() map[types.PayeeID]string {
	out := make(map[types.PayeeID]string, len(c.Methods))
	for k, v := range c.Methods {
		out[types.PayeeID(k)] = v
	}
	return out
}

type SLAConfig struct {
	ReminderLead time.Duration   `yaml:"reminder_lead"`
	ScanInterval time.Duration   `yaml:"scan_interval"`
	Operations   RecipientConfig `yaml:"operations"`
}

type RecipientConfig struct {
	UserID string `yaml:"user_id"`
	Name   string `yaml:"name"`
	Email  string `yaml:"email"`
}

// Recipient converts to the notification recipient type.
func (c RecipientConfig) Recipient() types.Recipient {
	return types.Recipient{UserID: c.UserID, Name: c.Name, Email: c.Email}
}

type AuditConfig struct {
	WALPath string `yaml:"wal_path"` // empty disables the audit log
	Sync    bool   `yaml:"sync"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type GRPCConfig struct {
	Addr string `yaml:"addr"` // empty disables the health server
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"` // empty serves /metrics on the HTTP listener
}

type LogConfig struct {
	JSON  bool   `yaml:"json"`
	Level string `yaml:"level"`
}

// Default returns a configuration that runs entirely in memory.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{Driver: "memory"},
		Lifecycle: LifecycleConfig{
			GeofenceRadiusMeters: jobmanager.DefaultGeofenceRadiusMeters,
			MinEvidence:          jobmanager.DefaultMinEvidence,
		},
		Notifications: NotificationsConfig{
			Interval:         30 * time.Second,
			MaxAttempts:      notify.DefaultMaxAttempts,
			Backoff:          notify.DefaultBackoff,
			SendTimeout:      10 * time.Second,
			Concurrency:      4,
			Guard:            notify.DefaultGuard,
			SnapshotPath:     "data/notifications.snapshot",
			SnapshotInterval: time.Minute,
			Email:            notify.EmailConfig{Provider: "log", From: "dispatch@fieldops.local", FromName: "FieldOps Dispatch"},
			Push:             PushConfig{Enabled: true},
		},
		Payout: PayoutConfig{
			MinimumDollars:  25,
			MaximumDollars:  10000,
			Weekday:         "monday",
			Hour:            9,
			Timezone:        "UTC",
			TransferTimeout: payout.DefaultTransferTimeout,
		},
		SLA: SLAConfig{
			ReminderLead: jobmanager.DefaultReminderLead,
			ScanInterval: 5 * time.Minute,
			Operations:   RecipientConfig{UserID: "ops", Name: "Dispatch Operations"},
		},
		Audit:   AuditConfig{WALPath: "data/audit.wal"},
		HTTP:    HTTPConfig{Addr: ":8080"},
		GRPC:    GRPCConfig{Addr: ":50051"},
		Metrics: MetricsConfig{Enabled: true},
		Log:     LogConfig{Level: "info"},
	}
}

// Load reads path over Default() and validates the result. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Validate rejects settings the components would refuse or misbehave on.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn is required for the sqlite driver")
		}
	default:
		return errors.Newf("storage.driver %q is not one of memory, sqlite", c.Storage.Driver)
	}

	if c.Lifecycle.GeofenceRadiusMeters <= 0 {
		return errors.New("lifecycle.geofence_radius_meters must be positive")
	}
	if c.Lifecycle.MinEvidence < 0 {
		return errors.New("lifecycle.min_evidence must not be negative")
	}
	for jt, r := range c.Lifecycle.Overrides {
		if r.GeofenceRadiusMeters < 0 || r.MinEvidence < 0 {
			return errors.Newf("lifecycle.overrides.%s must not be negative", jt)
		}
	}

	n := c.Notifications
	if n.Interval <= 0 || n.SendTimeout <= 0 || n.SnapshotInterval <= 0 {
		return errors.New("notifications intervals and timeouts must be positive")
	}
	if n.MaxAttempts < 1 {
		return errors.New("notifications.max_attempts must be at least 1")
	}
	if n.Backoff.Base <= 0 || n.Backoff.Max < n.Backoff.Base {
		return errors.New("notifications.base_delay must be positive and not above max_delay")
	}
	if n.Backoff.Multiplier < 1 {
		return errors.New("notifications.multiplier must be at least 1")
	}
	if n.Concurrency < 1 {
		return errors.New("notifications.concurrency must be at least 1")
	}
	switch n.Email.Provider {
	case "", "log", "mailgun", "sendgrid":
	default:
		return errors.Newf("notifications.email.provider %q is not one of log, mailgun, sendgrid", n.Email.Provider)
	}

	p := c.Payout
	if p.Minimum() <= 0 || p.Minimum() >= p.Maximum() {
		return errors.Newf("payout.minimum (%s) must be positive and below payout.maximum (%s)", p.Minimum(), p.Maximum())
	}
	if _, err := p.Schedule(); err != nil {
		return errors.Wrap(err, "payout schedule")
	}
	if p.TransferTimeout <= 0 {
		return errors.New("payout.transfer_timeout must be positive")
	}

	if c.SLA.ReminderLead <= 0 || c.SLA.ScanInterval <= 0 {
		return errors.New("sla.reminder_lead and sla.scan_interval must be positive")
	}
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	return nil
}

func parseWeekday(s string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(s, d.String()) || strings.EqualFold(s, d.String()[:3]) {
			return d, nil
		}
	}
	return 0, errors.Newf("unknown weekday %q", s)
}

func toCents(dollars float64) types.Cents {
	return types.Cents(math.Round(dollars * 100))
}
