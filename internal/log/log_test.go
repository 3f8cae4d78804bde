package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLogLevels(t *testing.T) {
	SetLogLevels("debug")
	for _, id := range SupportedSubsystems() {
		assert.Equal(t, btclog.LevelDebug, SubsystemLoggers[id].Level(), id)
	}

	SetLogLevel("SRCH", "warn")
	assert.Equal(t, btclog.LevelWarn, SrchLog.Level())

	SetLogLevel("NOPE", "trace")
	SetLogLevels("info")
	assert.Equal(t, btclog.LevelInfo, MinrLog.Level())
}

func TestSupportedSubsystemsSorted(t *testing.T) {
	subs := SupportedSubsystems()
	assert.Len(t, subs, len(SubsystemLoggers))
	assert.IsNonDecreasing(t, subs)
}

func TestLogRotator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "gpuminer.log")
	require.NoError(t, InitLogRotator(path))

	FarmLog.Infof("rotator test line")
	require.NoError(t, CloseLogRotator())

	_, err := os.Stat(path)
	assert.NoError(t, err)
	assert.NoError(t, CloseLogRotator())
}
