package logging_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/solarshare/rateio-engine/config"
	"github.com/solarshare/rateio-engine/logging"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"WARN", zapcore.WarnLevel},
		{"", zapcore.InfoLevel},
		{"verbose", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, err := logging.New(config.LogConfig{Level: tt.level, Encoding: "json"})
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tt.want))
			if tt.want > zapcore.DebugLevel {
				assert.False(t, logger.Core().Enabled(tt.want-1))
			}
		})
	}
}

func TestNew_Encodings(t *testing.T) {
	for _, enc := range []string{"", "json", "console"} {
		_, err := logging.New(config.LogConfig{Encoding: enc, Sampling: true})
		assert.NoError(t, err, enc)
	}

	_, err := logging.New(config.LogConfig{Encoding: "xml"})
	assert.Error(t, err)
}
