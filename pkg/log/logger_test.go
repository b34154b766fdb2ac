package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lastRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.NotEmpty(t, lines)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &rec))
	return rec
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "wsgate", "1.0.0", "info", "json")

	l.WithComponent("router").WithConnection("c1", "alice").WithError(errors.New("boom")).Info("hello")
	rec := lastRecord(t, &buf)
	assert.Equal(t, "wsgate", rec["service"])
	assert.Equal(t, "1.0.0", rec["version"])
	assert.Equal(t, "router", rec["component"])
	assert.Equal(t, "c1", rec["conn_id"])
	assert.Equal(t, "alice", rec["identity"])
	assert.Equal(t, "boom", rec["error"])

	l.WithConnection("c2", "").Info("anonymous")
	rec = lastRecord(t, &buf)
	assert.NotContains(t, rec, "identity")

	assert.Same(t, l, l.WithError(nil))
}

func TestLogger_WithContext(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "wsgate", "dev", "info", "json")

	ctx := context.WithValue(context.Background(), RequestIDKey, "r-1")
	l.WithContext(ctx).Info("request")
	rec := lastRecord(t, &buf)
	assert.Equal(t, "r-1", rec["request_id"])
	assert.NotContains(t, rec, "conn_id")
}

func TestLogger_DebugOnlyHelpers(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "wsgate", "dev", "info", "json")

	l.LogProtocolMessage("in", "c1", []byte(`{"type":"SUBSCRIBE"}`))
	l.LogBroadcast("market.price", 3, 0)
	assert.Empty(t, buf.String())

	l.LogTransition("solanaRpc", "blockchain", "closed", "open")
	rec := lastRecord(t, &buf)
	assert.Equal(t, "circuit transition", rec["msg"])
	assert.Equal(t, "open", rec["to"])
}
