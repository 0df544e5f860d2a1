package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"production", Config{Level: "info", OutputPaths: []string{"stdout"}}, false},
		{"development", Config{Level: "debug", Development: true}, false},
		{"empty outputs", Config{Level: "warn"}, false},
		{"bad level", Config{Level: "chatty"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger.Component("registry"))
		})
	}
}
