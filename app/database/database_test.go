package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wallfetch/app/config"
	"wallfetch/app/logger"
	"wallfetch/app/model"
)

func TestInitCreatesSchema(t *testing.T) {
	cfg := &config.Config{Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "nested", "wallfetch.db")}}
	require.NoError(t, Init(cfg, logger.Nop()))
	defer func() {
		assert.NoError(t, Close())
		DB = nil
	}()

	require.NotNil(t, GetDB())
	assert.True(t, GetDB().Migrator().HasTable(&model.DownloadTask{}))
}
