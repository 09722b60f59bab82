package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	log "github.com/sirupsen/logrus"
)

func TestConfigure_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := log.New()
	if err := configure(l, &buf, "debug", "json"); err != nil {
		t.Fatalf("configure: %v", err)
	}

	l.WithField("job_id", "42").Debug("pipeline spawned")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected json output, got %q", buf.String())
	}
	if entry["job_id"] != "42" {
		t.Errorf("expected job_id field, got %v", entry["job_id"])
	}
}

func TestConfigure_Invalid(t *testing.T) {
	l := log.New()
	if err := configure(l, &bytes.Buffer{}, "loud", "text"); err == nil {
		t.Error("expected error for unknown level")
	}
	if err := configure(l, &bytes.Buffer{}, "info", "xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}
