package logging_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"datacore/internal/logging"
)

func TestNew(t *testing.T) {
	log, err := logging.New("warn", "json")
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zap.InfoLevel))
	assert.True(t, log.Core().Enabled(zap.ErrorLevel))

	log, err = logging.New("debug", "console")
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zap.DebugLevel))

	_, err = logging.New("loud", "json")
	assert.Error(t, err)
	_, err = logging.New("info", "xml")
	assert.ErrorContains(t, err, "unknown log format")
}
