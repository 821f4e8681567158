package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"kasirinaja/backoffice/internal/config"
)

func TestValidateSecurityConfig(t *testing.T) {
	strongSecret := "0123456789abcdef0123456789abcdef"
	tests := []struct {
		name    string
		cfg     config.Config
		wantErr bool
	}{
		{"short secret", config.Config{AuthSecret: "short", ManagerPIN: "739154"}, true},
		{"missing pin", config.Config{AuthSecret: strongSecret}, true},
		{"common pin", config.Config{AuthSecret: strongSecret, ManagerPIN: "654321"}, true},
		{"repeated digits", config.Config{AuthSecret: strongSecret, ManagerPIN: "4444444"}, true},
		{"ascending run", config.Config{AuthSecret: strongSecret, ManagerPIN: "345678"}, true},
		{"strong values", config.Config{AuthSecret: strongSecret, ManagerPIN: "739154"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := validateSecurityConfig(tc.cfg)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := newLogger("debug", "json")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger, err = newLogger("warn", "console")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))

	_, err = newLogger("loud", "json")
	assert.Error(t, err)
	_, err = newLogger("info", "xml")
	assert.Error(t, err)
}
