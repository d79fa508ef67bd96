package nats

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/nats-io/nats.go"
)

func applyOptions(t *testing.T, cfg Config, logger *slog.Logger) nats.Options {
	t.Helper()
	opts := nats.GetDefaultOptions()
	for _, opt := range connectOptions(cfg, logger) {
		if err := opt(&opts); err != nil {
			t.Fatalf("apply option: %v", err)
		}
	}
	return opts
}

func TestConnectionHandlersLogThroughLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	opts := applyOptions(t, DefaultConfig(), logger)
	if opts.Name != DefaultConfig().Name {
		t.Errorf("connection name = %q", opts.Name)
	}

	// A clean disconnect carries no error and stays quiet.
	opts.DisconnectedErrCB(nil, nil)
	if buf.Len() != 0 {
		t.Errorf("clean disconnect logged: %s", buf.String())
	}

	opts.DisconnectedErrCB(nil, errors.New("connection reset"))
	if !strings.Contains(buf.String(), "connection reset") {
		t.Errorf("disconnect error missing from log: %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"level":"WARN"`) {
		t.Errorf("disconnect not logged at WARN: %s", buf.String())
	}

	buf.Reset()
	opts.ClosedCB(nil)
	if !strings.Contains(buf.String(), "connection closed") {
		t.Errorf("close missing from log: %s", buf.String())
	}
}
