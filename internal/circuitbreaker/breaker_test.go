package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests move past the open duration without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New(threshold, time.Minute)
	b.now = clock.Now
	return b, clock
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)

	b.RecordFailure("card-checkout")
	b.RecordFailure("card-checkout")
	assert.True(t, b.Allow("card-checkout"))

	b.RecordFailure("card-checkout")
	assert.False(t, b.Allow("card-checkout"))
	assert.Equal(t, StateOpen, b.State("card-checkout"))
	assert.Equal(t, []string{"card-checkout"}, b.OpenKeys())
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clock := newTestBreaker(1)

	b.RecordFailure("wallet")
	assert.False(t, b.Allow("wallet"))

	clock.Advance(time.Minute)
	assert.True(t, b.Allow("wallet"), "probe admitted")
	assert.Equal(t, StateHalfOpen, b.State("wallet"))
	assert.False(t, b.Allow("wallet"), "second call during probe rejected")

	b.RecordSuccess("wallet")
	assert.Equal(t, StateClosed, b.State("wallet"))
	assert.Empty(t, b.OpenKeys())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(1)

	b.RecordFailure("wallet")
	clock.Advance(time.Minute)
	require.True(t, b.Allow("wallet"))

	b.RecordFailure("wallet")
	assert.Equal(t, StateOpen, b.State("wallet"))
	assert.False(t, b.Allow("wallet"))
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(2)

	b.RecordFailure("k")
	b.RecordSuccess("k")
	b.RecordFailure("k")
	assert.Equal(t, StateClosed, b.State("k"))
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b, _ := newTestBreaker(1)

	b.RecordFailure("a")
	assert.False(t, b.Allow("a"))
	assert.True(t, b.Allow("b"))
	assert.Equal(t, StateClosed, b.State("unknown"))
}

func TestBreaker_Do(t *testing.T) {
	b, _ := newTestBreaker(1)
	transient := errors.New("timeout")
	permanent := errors.New("declined")
	countable := func(err error) bool { return errors.Is(err, transient) }

	err := b.Do("k", countable, func() error { return permanent })
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, StateClosed, b.State("k"), "permanent errors do not trip")

	err = b.Do("k", countable, func() error { return transient })
	assert.ErrorIs(t, err, transient)
	assert.Equal(t, StateOpen, b.State("k"))

	called := false
	err = b.Do("k", countable, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreaker_OnTransitionCallback(t *testing.T) {
	b, _ := newTestBreaker(1)

	got := make(chan [2]State, 1)
	b.OnTransition(func(_ string, from, to State) { got <- [2]State{from, to} })
	b.RecordFailure("k")

	select {
	case tr := <-got:
		assert.Equal(t, [2]State{StateClosed, StateOpen}, tr)
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
