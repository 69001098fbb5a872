package logger

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"DEBUG", slog.LevelDebug, false},
		{"verbose", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			require.Error(t, err, "input: %q", tt.in)
			assert.Contains(t, err.Error(), "unknown log level")
			continue
		}
		require.NoError(t, err, "input: %q", tt.in)
		assert.Equal(t, tt.want, got, "input: %q", tt.in)
	}
}

func TestOpenLogFile(t *testing.T) {
	path := t.TempDir() + "/strand.log"

	f, cleanup, err := OpenLogFile(path)
	require.NoError(t, err)
	require.NotNil(t, f)

	_, err = f.WriteString("hello\n")
	require.NoError(t, err)
	cleanup()

	// Reopening appends rather than truncating.
	f, cleanup, err = OpenLogFile(path)
	require.NoError(t, err)
	_, err = f.WriteString("again\n")
	require.NoError(t, err)
	cleanup()
}
