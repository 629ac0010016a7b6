package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/wilhg/ckptviz/pkg/errmodel"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"": slog.LevelInfo, "debug": slog.LevelDebug, "WARN": slog.LevelWarn, " error ": slog.LevelError}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q)=%v,%v want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); !errmodel.IsCategory(err, errmodel.CategoryValidation) {
		t.Fatalf("err=%v want validation error", err)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, Config{Level: "info", Format: "json"})
	if err != nil {
		t.Fatal(err)
	}
	l.Debug("hidden")
	l.Info("rank order resolved", "nodes", 2)
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("not one json record: %q", buf.String())
	}
	if rec["msg"] != "rank order resolved" || rec["nodes"] != float64(2) {
		t.Fatalf("record=%v", rec)
	}
}

func TestTextFormatAndUnknown(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, Config{Level: "debug"})
	if err != nil {
		t.Fatal(err)
	}
	l.Debug("frame sent", "kind", "rollbackSubmit")
	if !strings.Contains(buf.String(), "kind=rollbackSubmit") {
		t.Fatalf("output=%q", buf.String())
	}
	if _, err := New(&buf, Config{Format: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}
