package logging_test

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/reconciliation-engine/logging"
)

func TestNew_JSONFieldNames(t *testing.T) {
	// GIVEN: A JSON logger writing to a buffer
	var buf bytes.Buffer
	log := logging.New(logging.Config{Level: "info", Format: "json", Output: &buf, ServiceName: "recon"})

	// WHEN: Logging with a field
	log.WithField("job_id", "job-1").Info("tick recorded")

	// THEN: The entry uses the renamed keys and carries the service
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "tick recorded", entry["message"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "recon", entry["service"])
	assert.Equal(t, "job-1", entry["job_id"])
	assert.Contains(t, entry, "timestamp")
}

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New(logging.Config{Level: "warn", Output: &buf})

	log.Info("hidden")
	assert.Zero(t, buf.Len())

	log.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	log := logging.New(logging.Config{Level: "loud", Output: &bytes.Buffer{}})

	assert.Equal(t, logrus.InfoLevel, log.Logger.GetLevel())
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New(logging.Config{Format: "TEXT", Output: &buf})

	log.Info("hello")

	assert.Contains(t, buf.String(), `msg=hello`)
	assert.Contains(t, buf.String(), `service=reconciliation-engine`)
}

func TestNew_FileOutput(t *testing.T) {
	// GIVEN: A logger with a log file
	path := filepath.Join(t.TempDir(), "engine.log")
	var buf bytes.Buffer
	log := logging.New(logging.Config{Output: &buf, File: path, MaxSizeMB: 1})

	// WHEN: Logging and closing
	log.Info("to both")
	require.NoError(t, log.Close())

	// THEN: Both outputs received the entry
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to both")
	assert.Contains(t, buf.String(), "to both")
}

func TestClose_WithoutFile(t *testing.T) {
	log := logging.New(logging.Config{Output: &bytes.Buffer{}})
	assert.NoError(t, log.Close())
}
