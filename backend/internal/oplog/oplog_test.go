package oplog

import (
	"errors"
	"testing"
	"time"

	"flowcollab/backend/internal/ot/flowop"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func addNode(id string) flowop.Operation {
	return flowop.Operation{Type: flowop.KindAddNode, TargetID: id}
}

func fill(t *testing.T, l *Log, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := l.Append("alice", addNode("n"), t0.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
}

func sequences(entries []flowop.Entry) []uint64 {
	out := make([]uint64, len(entries))
	for i, e := range entries {
		out[i] = e.Sequence
	}
	return out
}

func equalSeqs(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestLog_MonotonicSequences(t *testing.T) {
	l := New(10)
	for want := uint64(1); want <= 25; want++ {
		e, err := l.Append("alice", addNode("n"), t0)
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if e.Sequence != want {
			t.Fatalf("Append() sequence = %d, want %d", e.Sequence, want)
		}
	}
	if l.Head() != 25 {
		t.Fatalf("Head() = %d, want 25", l.Head())
	}
}

func TestLog_BoundedHistory(t *testing.T) {
	l := New(5)
	fill(t, l, 12)

	if l.Len() != 5 {
		t.Fatalf("Len() = %d, want 5", l.Len())
	}
	if l.Oldest() != 8 {
		t.Fatalf("Oldest() = %d, want 8", l.Oldest())
	}
	if got, want := sequences(l.History(0)), []uint64{8, 9, 10, 11, 12}; !equalSeqs(got, want) {
		t.Fatalf("History(0) = %v, want %v", got, want)
	}
	if got, want := sequences(l.History(2)), []uint64{11, 12}; !equalSeqs(got, want) {
		t.Fatalf("History(2) = %v, want %v", got, want)
	}
	if err := l.Verify(); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
}

func TestLog_ConcurrentSince(t *testing.T) {
	l := New(5)
	fill(t, l, 12) // retains 8..12

	tests := []struct {
		name    string
		base    uint64
		want    []uint64
		wantErr error
	}{
		{"at head", 12, nil, nil},
		{"one behind", 11, []uint64{12}, nil},
		{"oldest minus one", 7, []uint64{8, 9, 10, 11, 12}, nil},
		{"before retention", 6, nil, ErrDesync},
		{"from zero", 0, nil, ErrDesync},
		{"future", 13, nil, ErrFutureSequence},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := l.ConcurrentSince(tt.base)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ConcurrentSince(%d) error = %v, want %v", tt.base, err, tt.wantErr)
			}
			if !equalSeqs(sequences(got), tt.want) {
				t.Fatalf("ConcurrentSince(%d) = %v, want %v", tt.base, sequences(got), tt.want)
			}
		})
	}
}

func TestLog_EmptyLog(t *testing.T) {
	l := New(3)
	if got, err := l.ConcurrentSince(0); err != nil || len(got) != 0 {
		t.Fatalf("ConcurrentSince(0) = %v, %v; want empty", got, err)
	}
	if l.Oldest() != 1 {
		t.Fatalf("Oldest() = %d, want 1", l.Oldest())
	}
	if h := l.History(10); len(h) != 0 {
		t.Fatalf("History() = %v, want empty", h)
	}
}

func TestLog_AppendClonesOperation(t *testing.T) {
	l := New(3)
	op := flowop.Operation{Type: flowop.KindAddNode, TargetID: "n1", Payload: flowop.Payload{"label": "A"}}
	if _, err := l.Append("alice", op, t0); err != nil {
		t.Fatal(err)
	}
	op.Payload["label"] = "B"
	if got := l.History(1)[0].Operation.Payload["label"]; got != "A" {
		t.Fatalf("logged label = %v, want A", got)
	}
}

func TestLog_TrimAfterShrink(t *testing.T) {
	l := New(10)
	fill(t, l, 10)
	l.SetMaxEntries(4)
	if dropped := l.Trim(); dropped != 6 {
		t.Fatalf("Trim() = %d, want 6", dropped)
	}
	if got, want := sequences(l.History(0)), []uint64{7, 8, 9, 10}; !equalSeqs(got, want) {
		t.Fatalf("History(0) = %v, want %v", got, want)
	}
	fill(t, l, 1)
	if got, want := sequences(l.History(0)), []uint64{8, 9, 10, 11}; !equalSeqs(got, want) {
		t.Fatalf("History(0) after append = %v, want %v", got, want)
	}
}

func TestLog_ResetKeepsHead(t *testing.T) {
	l := New(5)
	fill(t, l, 3)
	l.Reset()
	if l.Head() != 3 || l.Len() != 0 {
		t.Fatalf("after Reset head=%d len=%d, want 3/0", l.Head(), l.Len())
	}
	if _, err := l.ConcurrentSince(1); !errors.Is(err, ErrDesync) {
		t.Fatalf("ConcurrentSince(1) error = %v, want ErrDesync", err)
	}
	e, err := l.Append("bob", addNode("x"), t0)
	if err != nil || e.Sequence != 4 {
		t.Fatalf("Append() = %d, %v; want 4", e.Sequence, err)
	}
}

func TestLog_VerifyDetectsCollision(t *testing.T) {
	l := New(5)
	fill(t, l, 3)
	l.ring[1].Sequence = 1

	if err := l.Verify(); !errors.Is(err, ErrSequenceCollision) {
		t.Fatalf("Verify() error = %v, want ErrSequenceCollision", err)
	}
	if _, err := l.Append("alice", addNode("n"), t0); !errors.Is(err, ErrSequenceCollision) {
		t.Fatalf("Append() error = %v, want ErrSequenceCollision", err)
	}
}

func TestLog_LastActivity(t *testing.T) {
	l := New(5)
	fill(t, l, 3)
	if want := t0.Add(2 * time.Second); !l.LastActivity().Equal(want) {
		t.Fatalf("LastActivity() = %v, want %v", l.LastActivity(), want)
	}
}
