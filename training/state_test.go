package training

import (
	"testing"

	"github.com/pkg/errors"
)

func TestLifecycleHappyPath(t *testing.T) {
	l := NewLifecycle(nil)
	for _, s := range []State{Compiled, Running, StoppedEarly, Evaluated, Persisted} {
		if err := l.To(s); err != nil {
			t.Fatalf("to %s: %v", s, err)
		}
	}
	trail := l.Trail()
	if len(trail) != 6 || trail[0] != Configured || trail[5] != Persisted {
		t.Errorf("trail = %v", trail)
	}
	l.Fail()
	if l.State() != Persisted {
		t.Errorf("a persisted run cannot fail, got %s", l.State())
	}
}

func TestLifecycleRejectsSkips(t *testing.T) {
	tests := []struct {
		from []State
		to   State
	}{
		{nil, Running},
		{[]State{Compiled}, Evaluated},
		{[]State{Compiled, Running}, Persisted},
		{[]State{Compiled, Running, Exhausted}, Running},
	}
	for _, tt := range tests {
		l := NewLifecycle(nil)
		for _, s := range tt.from {
			if err := l.To(s); err != nil {
				t.Fatal(err)
			}
		}
		err := l.To(tt.to)
		if errors.Cause(err) != ErrInvalidTransition {
			t.Errorf("%s -> %s: err = %v", l.State(), tt.to, err)
		}
	}
}

func TestLifecycleFail(t *testing.T) {
	l := NewLifecycle(nil)
	_ = l.To(Compiled)
	l.Fail()
	if l.State() != Failed {
		t.Fatalf("state = %s", l.State())
	}
	if err := l.To(Running); err == nil {
		t.Error("failed runs cannot continue")
	}
}

func TestStateStrings(t *testing.T) {
	if Running.String() != "training" || StoppedEarly.String() != "stopped_early" || State(99).String() != "unknown" {
		t.Error("unexpected state names")
	}
	if !Converged.Finished() || !Exhausted.Finished() || Running.Finished() {
		t.Error("Finished misreports terminal fit states")
	}
}
