package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "s3cret")
		t.Setenv("ADMIN_EMAILS", "ops@example.com,lead@example.com")
		t.Setenv("BUYER_PAYS_FEE_LISTINGS", "l-1")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "postgres", cfg.StorageDriver)
		assert.Equal(t, "Europe/London", cfg.AuctionTimeZone)
		assert.Equal(t, 30*time.Second, cfg.WriteTimeout)
		assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
		assert.Equal(t, []string{"ops@example.com", "lead@example.com"}, cfg.AdminEmails)
		assert.Equal(t, []string{"l-1"}, cfg.BuyerPaysFeeOn)
		assert.Equal(t, int64(0), cfg.AncillaryFee)
		assert.Equal(t, 10, cfg.MaxSchemaRetries)
		assert.Equal(t, "notifications.dead-letter", cfg.DeadLetterTopic)
		assert.Equal(t, 5, cfg.DeliveryRetries)
		assert.False(t, cfg.IsProduction())
	})

	t.Run("MissingSecret", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("MemoryDriver", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "s3cret")
		t.Setenv("STORAGE_DRIVER", " Memory ")
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "memory", cfg.StorageDriver)
	})

	t.Run("UnknownDriver", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "s3cret")
		t.Setenv("STORAGE_DRIVER", "mongo")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("SchemaRetries", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "s3cret")
		t.Setenv("MAX_SCHEMA_RETRIES", "12")
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 12, cfg.MaxSchemaRetries)

		t.Setenv("MAX_SCHEMA_RETRIES", "0")
		_, err = Load()
		assert.Error(t, err)
	})

	t.Run("NegativeFee", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "s3cret")
		t.Setenv("ANCILLARY_FEE", "-5")
		_, err := Load()
		assert.Error(t, err)
	})
}
