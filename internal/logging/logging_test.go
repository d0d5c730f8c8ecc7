package logging

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
)

func TestAccess(t *testing.T) {
	noColor := color.NoColor
	color.NoColor = true
	defer func() { color.NoColor = noColor }()

	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)

	Access(logger, "127.0.0.1:5000", "GET", "/index.html", 200, 512)

	if got := strings.TrimSpace(buf.String()); got != "127.0.0.1:5000 GET /index.html 200 512" {
		t.Errorf("Unexpected access line %q", got)
	}
}

func TestNew_File(t *testing.T) {
	noColor := color.NoColor
	defer func() { color.NoColor = noColor }()

	path := filepath.Join(t.TempDir(), "server.log")
	logger, closer := New(path)

	logger.Print("started")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), "started") {
		t.Errorf("Expected log line in file, got %q", data)
	}
}

func TestGnetLogger(t *testing.T) {
	var buf bytes.Buffer
	g := GnetLogger{L: log.New(&buf, "", 0)}

	g.Debugf("hidden %d", 1)
	g.Infof("hidden %d", 2)
	g.Errorf("poller: %s", "boom")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("Debug and info must be dropped, got %q", out)
	}
	if !strings.Contains(out, "gnet error: poller: boom") {
		t.Errorf("Expected forwarded error, got %q", out)
	}
}
