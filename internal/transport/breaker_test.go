package transport

import (
	"errors"
	"sync"
	"testing"
	"time"
)

var errDial = errors.New("dial failed")

func newTestBreaker(threshold int, timeout time.Duration) (*Breaker, *time.Time) {
	now := time.Unix(1700000000, 0)
	b := NewBreaker(BreakerConfig{FailureThreshold: threshold, OpenTimeout: timeout})
	b.now = func() time.Time { return now }
	return b, &now
}

func TestNewBreaker_Defaults(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: -1})
	if b.config.FailureThreshold != 5 {
		t.Errorf("FailureThreshold = %d, want 5", b.config.FailureThreshold)
	}
	if b.config.OpenTimeout != time.Minute {
		t.Errorf("OpenTimeout = %v, want 1m", b.config.OpenTimeout)
	}
	if b.State() != StateClosed {
		t.Errorf("State() = %v, want closed", b.State())
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("Allow() #%d error = %v", i, err)
		}
		b.Record(errDial)
	}
	if b.State() != StateOpen {
		t.Fatalf("State() = %v, want open", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Allow() error = %v, want ErrCircuitOpen", err)
	}
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)

	b.Allow()
	b.Record(errDial)
	b.Allow()
	b.Record(nil)
	b.Allow()
	b.Record(errDial)

	if b.State() != StateClosed {
		t.Errorf("State() = %v, want closed", b.State())
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)
	b.Allow()
	b.Record(errDial)

	*now = now.Add(30 * time.Second)
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow() before timeout error = %v", err)
	}

	*now = now.Add(31 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe Allow() error = %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("State() = %v, want half-open", b.State())
	}
	// Only one probe at a time.
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second Allow() error = %v, want ErrCircuitOpen", err)
	}

	b.Record(nil)
	if b.State() != StateClosed {
		t.Errorf("State() = %v, want closed after successful probe", b.State())
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)
	b.Allow()
	b.Record(errDial)

	*now = now.Add(2 * time.Minute)
	b.Allow()
	b.Record(errDial)

	if b.State() != StateOpen {
		t.Fatalf("State() = %v, want open", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Allow() error = %v, want ErrCircuitOpen", err)
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	var mu sync.Mutex
	var transitions []string
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 1,
		OnStateChange: func(from, to State) {
			mu.Lock()
			transitions = append(transitions, from.String()+">"+to.String())
			mu.Unlock()
		},
	})

	b.Allow()
	b.Record(errDial)
	b.Reset()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"closed>open", "open>closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, transitions[i], want[i])
		}
	}
}
