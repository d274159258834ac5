package logger

import (
	"bytes"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restoreLoggers(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		for _, l := range []*logrus.Logger{Logger, logrus.StandardLogger()} {
			l.SetLevel(logrus.InfoLevel)
			l.SetOutput(os.Stdout)
		}
	})
}

func TestInitAppliesLevelToStandardLogger(t *testing.T) {
	restoreLoggers(t)
	require.NoError(t, Init(Config{Level: "error"}))

	// Component packages log through the logrus standard logger.
	var buf bytes.Buffer
	logrus.StandardLogger().SetOutput(&buf)

	logrus.WithField("component", "oms").Info("suppressed")
	assert.Empty(t, buf.String(), "info should be suppressed at error level")

	logrus.WithField("component", "oms").Error("emitted")
	assert.Contains(t, buf.String(), "emitted")

	assert.Equal(t, logrus.ErrorLevel, Logger.GetLevel())
	assert.Equal(t, logrus.ErrorLevel, logrus.StandardLogger().GetLevel())
}

func TestInitUnknownLevelDefaultsToInfo(t *testing.T) {
	restoreLoggers(t)
	require.NoError(t, Init(Config{Level: "nope"}))
	assert.Equal(t, logrus.InfoLevel, logrus.StandardLogger().GetLevel())
}
