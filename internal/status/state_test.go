package status

import (
	"errors"
	"testing"

	"github.com/matheus3301/convsync/internal/chat"
)

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from chat.Status
		to   chat.Status
	}{
		{chat.StatusSending, chat.StatusSent},
		{chat.StatusSending, chat.StatusFailed},
		{chat.StatusSent, chat.StatusDelivered},
		{chat.StatusDelivered, chat.StatusRead},
		{chat.StatusFailed, chat.StatusSending},
		{chat.StatusSending, chat.StatusRead},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			got, err := Transition(tt.from, tt.to)
			if err != nil {
				t.Fatalf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if got != tt.to {
				t.Errorf("status = %s, want %s", got, tt.to)
			}
		})
	}
}

func TestInvalidTransitions(t *testing.T) {
	tests := []struct {
		from chat.Status
		to   chat.Status
	}{
		{chat.StatusRead, chat.StatusDelivered},
		{chat.StatusRead, chat.StatusSending},
		{chat.StatusSent, chat.StatusSending},
		{chat.StatusFailed, chat.StatusSent},
		{chat.StatusDelivered, chat.StatusSent},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			got, err := Transition(tt.from, tt.to)
			var te *TransitionError
			if !errors.As(err, &te) {
				t.Fatalf("Transition(%s -> %s) error = %v, want *TransitionError", tt.from, tt.to, err)
			}
			if got != tt.from {
				t.Errorf("status = %s, want unchanged %s", got, tt.from)
			}
		})
	}
}

func TestLocalTransitions(t *testing.T) {
	if !Local(chat.StatusSending, chat.StatusFailed) {
		t.Error("sending -> failed should be local")
	}
	if !Local(chat.StatusFailed, chat.StatusSending) {
		t.Error("failed -> sending (retry) should be local")
	}
	if Local(chat.StatusSending, chat.StatusSent) {
		t.Error("sending -> sent is remote-driven")
	}
	if Local(chat.StatusDelivered, chat.StatusRead) {
		t.Error("delivered -> read is remote-driven")
	}
}

// TestGroupReadThreshold covers a three-person group where only one of the
// two recipients has read the message.
func TestGroupReadThreshold(t *testing.T) {
	m := chat.Message{ID: "m1", SenderID: "A", Status: chat.StatusDelivered, ReadBy: []string{"B"}}
	d := Display(m)
	if d.Status != chat.StatusRead {
		t.Errorf("display status = %s, want read", d.Status)
	}
	if d.ReadCount != 1 {
		t.Errorf("read count = %d, want 1", d.ReadCount)
	}
}

func TestSenderNeverCountsAsReader(t *testing.T) {
	m := chat.Message{ID: "m1", SenderID: "A", Status: chat.StatusSent, ReadBy: []string{"A"}}
	d := Display(m)
	if d.ReadCount != 0 {
		t.Errorf("read count = %d, want 0 (sender excluded)", d.ReadCount)
	}
	if d.Status != chat.StatusSent {
		t.Errorf("display status = %s, want sent", d.Status)
	}

	m.ReadBy = []string{"A", "B", "B", "C"}
	if got := ReadCount(m); got != 2 {
		t.Errorf("ReadCount = %d, want 2", got)
	}
}

func TestDisplayKeepsLocalStates(t *testing.T) {
	m := chat.Message{ID: "m1", SenderID: "A", Status: chat.StatusFailed, ReadBy: []string{"B"}}
	if d := Display(m); d.Status != chat.StatusFailed {
		t.Errorf("display status = %s, want failed", d.Status)
	}
}
