package testutils

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
	// LogOutput collects everything Logger writes, so tests can assert on it.
	LogOutput *bytes.Buffer
}

// NewTestHelper creates a test helper whose debug-level logger writes into LogOutput.
func NewTestHelper(t *testing.T) *TestHelper {
	out := &bytes.Buffer{}
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
	return &TestHelper{
		T:         t,
		Logger:    logger,
		LogOutput: out,
	}
}
