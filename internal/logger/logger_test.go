package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(WARN, &buf, false)

	l.Debug("Test", "dropped")
	l.Info("Test", "dropped")
	l.Warn("Test", "kept warn")
	l.Error("Test", "kept error")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("messages below the level leaked: %q", out)
	}
	if !strings.Contains(out, "kept warn") || !strings.Contains(out, "kept error") {
		t.Fatalf("messages at or above the level missing: %q", out)
	}
}

func TestModuleAndLevelTags(t *testing.T) {
	var buf bytes.Buffer
	l := New(DEBUG, &buf, false)

	l.Info("Ingest", "connected to %s", "rtsp://cam")

	out := buf.String()
	if !strings.Contains(out, "[INFO] [Ingest]") {
		t.Fatalf("missing level/module tags: %q", out)
	}
	if !strings.Contains(out, "connected to rtsp://cam") {
		t.Fatalf("missing formatted message: %q", out)
	}
}

func TestColorDisabledOutputIsPlain(t *testing.T) {
	var buf bytes.Buffer
	l := New(DEBUG, &buf, false)

	l.Warn("Test", "plain")
	if strings.Contains(buf.String(), "\033[") {
		t.Fatalf("ANSI escapes with color disabled: %q", buf.String())
	}
}

func TestSilentDropsEverything(t *testing.T) {
	var buf bytes.Buffer
	l := New(SILENT, &buf, false)

	l.Error("Test", "never")
	if buf.Len() != 0 {
		t.Fatalf("silent logger wrote: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want LogLevel
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"warning", WARN},
		{"error", ERROR},
		{"none", SILENT},
	}
	for _, c := range cases {
		got, err := ParseLevel(c.in)
		if err != nil || got != c.want {
			t.Fatalf("ParseLevel(%q) = %v, %v; want %v", c.in, got, err, c.want)
		}
	}

	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatal("ParseLevel accepted an unknown level")
	}
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(ERROR, &buf, false)

	l.Info("Test", "before")
	l.SetLevel(DEBUG)
	l.Info("Test", "after")

	out := buf.String()
	if strings.Contains(out, "before") {
		t.Fatalf("message below initial level leaked: %q", out)
	}
	if !strings.Contains(out, "after") {
		t.Fatalf("message after SetLevel missing: %q", out)
	}
}
