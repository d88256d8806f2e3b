package status

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"labelstation/internal/models"
)

func TestBar(t *testing.T) {
	var logs bytes.Buffer
	b := NewBar(slog.New(slog.NewTextHandler(&logs, nil)))

	var changed, modal []Message
	b.Changed.Connect(func(m Message) { changed = append(changed, m) })
	b.Modal.Connect(func(m Message) { modal = append(modal, m) })

	b.Infof("Loaded %d layers", 2)
	if b.Last().Text != "Loaded 2 layers" || len(modal) != 0 {
		t.Errorf("Unexpected state after info: %+v %d", b.Last(), len(modal))
	}

	b.Error(fmt.Errorf("%w: layer %q", models.ErrDuplicateName, "Bone"))
	last := b.Last()
	if last.Kind != "DuplicateName" || last.Level != Error {
		t.Errorf("Unexpected error message %+v", last)
	}
	if !strings.HasPrefix(last.String(), "DuplicateName: ") {
		t.Errorf("Unexpected text %q", last.String())
	}
	if !strings.Contains(logs.String(), "kind=DuplicateName") {
		t.Errorf("Expected kind in the log, got %q", logs.String())
	}

	b.Warnf("No active layer")
	b.Error(nil)
	b.Report(errors.New("boom"), "never")
	b.Report(nil, "Saved %s", "ws")

	if len(changed) != 5 {
		t.Errorf("Expected 5 changes, got %d", len(changed))
	}
	if len(modal) != 3 || modal[2].Kind != "Error" {
		t.Errorf("Expected 3 modal notices, got %v", modal)
	}
	if b.Last().Text != "Saved ws" {
		t.Errorf("Unexpected last message %q", b.Last().Text)
	}
}
