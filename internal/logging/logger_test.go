package logging_test

import (
	"path/filepath"
	"testing"

	"beamhost/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_RejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	_, err := logging.New(logging.Config{Level: "chatty"})
	require.Error(t, err)

	assert.NotNil(t, logging.NewOrNop(logging.Config{Level: "chatty"}))
}

func TestNew_WritesJSONToFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "host.log")
	logger, err := logging.New(logging.Config{Level: "debug", OutputPaths: []string{path}})
	require.NoError(t, err)

	logger.Info("worker ready", zap.Int("port", 8000))
	require.NoError(t, logger.Sync())
	assert.FileExists(t, path)
}
