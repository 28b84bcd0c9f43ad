package subprocess

import (
	"errors"
	"testing"
)

func TestNullHandoffRefusesEveryOperation(t *testing.T) {
	var h Handoff = NullHandoff{}
	block := &ManagementBlock{}

	if err := h.Attach("shm0", block, Pipes{}); !errors.Is(err, ErrNotImplemented) {
		t.Errorf("Attach: expected ErrNotImplemented, got %v", err)
	}
	if err := h.Signal(block); !errors.Is(err, ErrNotImplemented) {
		t.Errorf("Signal: expected ErrNotImplemented, got %v", err)
	}
	if err := h.Detach(); !errors.Is(err, ErrNotImplemented) {
		t.Errorf("Detach: expected ErrNotImplemented, got %v", err)
	}
}
