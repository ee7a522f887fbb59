package logger

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNewSetsLevel(t *testing.T) {
	New(Config{Level: "warn"})
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
}

func TestNewDefaultsToInfo(t *testing.T) {
	for _, level := range []string{"", "loud", "trace-ish"} {
		t.Run("level "+level, func(t *testing.T) {
			New(Config{Level: level})
			assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
		})
	}
}
