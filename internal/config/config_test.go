package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 5, cfg.Payout.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Payout.RailTimeout)
	assert.Equal(t, 2*time.Second, cfg.Queue.BackoffBase)
	assert.Equal(t, 5*time.Minute, cfg.Queue.BackoffMax)
	assert.Equal(t, "X-Signature", cfg.Webhook.SignatureHeader)
	assert.Empty(t, cfg.Webhook.Secret)
	assert.Equal(t, "simulated", cfg.Rail.Mode)
	assert.Equal(t, int64(2000), cfg.Payout.CommunityShareBps)
	assert.Equal(t, int64(3000), cfg.Payout.PartnerShareBps)
	assert.Empty(t, cfg.Admin.Token)
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config", "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "change-me", cfg.Webhook.Secret)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "payout.notifications", cfg.Kafka.Topic.PayoutNotification)
	assert.Equal(t, 500*time.Millisecond, cfg.Queue.PollInterval)
	assert.Equal(t, 90, cfg.Business.RetentionDays)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TONTINE_WEBHOOK_SECRET", "from-env")
	t.Setenv("TONTINE_DATABASE_DRIVER", "sqlite")
	t.Setenv("TONTINE_PAYOUT_RAIL_TIMEOUT", "5s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Webhook.Secret)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 5*time.Second, cfg.Payout.RailTimeout)
}

func TestLoadMissingSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  driver: sqlite\n"), 0o600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "webhook.secret")
}

func TestLoadUnreadableFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }, "database.driver"},
		{"blank secret", func(c *Config) { c.Webhook.Secret = "   " }, "webhook.secret"},
		{"no payout attempts", func(c *Config) { c.Payout.MaxAttempts = 0 }, "payout.max_attempts"},
		{"no rail timeout", func(c *Config) { c.Payout.RailTimeout = 0 }, "payout.rail_timeout"},
		{"no workers", func(c *Config) { c.Queue.WorkersPerQueue = 0 }, "queue.workers_per_queue"},
		{"claim goes stale during rail call", func(c *Config) { c.Payout.StaleAfter = c.Payout.RailTimeout }, "payout.stale_after"},
		{"job times out before rail call", func(c *Config) { c.Queue.JobTimeout = 10 * time.Second }, "queue.job_timeout"},
		{"lease shorter than job", func(c *Config) { c.Queue.LeaseDuration = c.Queue.JobTimeout }, "queue.lease_duration"},
		{"fee shares over 100%", func(c *Config) { c.Payout.PartnerShareBps = 9000 }, "partner_share_bps"},
		{"negative fee share", func(c *Config) { c.Payout.CommunityShareBps = -1 }, "community_share_bps"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.Webhook.Secret = "s3cret"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
