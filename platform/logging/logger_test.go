package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		wantErr   bool
		wantLevel zapcore.Level
	}{
		{name: "local defaults", cfg: Config{ServiceName: "order", Env: "local"}, wantLevel: zapcore.InfoLevel},
		{name: "docker json debug", cfg: Config{ServiceName: "payment", Env: "docker", Level: "debug"}, wantLevel: zapcore.DebugLevel},
		{name: "explicit console in docker", cfg: Config{ServiceName: "bonus", Env: "docker", Format: "console", Level: "WARN"}, wantLevel: zapcore.WarnLevel},
		{name: "invalid level", cfg: Config{Env: "local", Level: "trace"}, wantErr: true},
		{name: "invalid format", cfg: Config{Env: "local", Format: "xml"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, err := New(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, log.Core().Enabled(tt.wantLevel))
			if tt.wantLevel > zapcore.DebugLevel {
				assert.False(t, log.Core().Enabled(tt.wantLevel-1))
			}
		})
	}
}
