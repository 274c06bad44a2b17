package runout_test

import (
	"os"
	"testing"

	"github.com/Kobra-S1/ACEPRO/logger"
)

func TestMain(m *testing.M) {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	level, ok := logger.ParseLevel(logLevel)
	if !ok {
		level = logger.InfoLevel
	}
	logger.SetLevel(level)

	os.Exit(m.Run())
}
