package jlog

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestWritefRespectsLevel(t *testing.T) {
	old := SetWriter(&bytes.Buffer{})
	defer SetWriter(old)
	buf := &bytes.Buffer{}
	SetWriter(buf)
	defer func() { loggerLevel = InfoLevel }()

	SetLevel(WarnLevel, true)
	Infof("should not appear")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below the active level, got %q", buf.String())
	}

	SetLevel(InfoLevel, true)
	Infof("hello %s", "world")
	if !strings.Contains(buf.String(), "hello world") {
		t.Fatalf("expected message in output, got %q", buf.String())
	}
}

func TestSetLevelNoColorRoundTrips(t *testing.T) {
	SetLevel(DebugLevel, false)
	if GetLevel() != DebugLevel {
		t.Fatalf("GetLevel() = %v, want %v", GetLevel(), DebugLevel)
	}
	SetLevel(InfoLevel, true)
}

func TestWriterDiscardsWhenSilenced(t *testing.T) {
	SetLevel(LogLevel, true)
	defer SetLevel(InfoLevel, true)
	if Writer() != io.Discard {
		t.Fatal("Writer() should be io.Discard at LogLevel")
	}
}
