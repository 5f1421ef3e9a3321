package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

var errDown = errors.New("provider down")

func fail() error    { return errDown }
func succeed() error { return nil }

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := New(3, time.Minute)

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Execute("stripe", fail, nil), errDown)
	}
	assert.Equal(t, StateOpen, b.State("stripe"))
	assert.ErrorIs(t, b.Execute("stripe", succeed, nil), ErrOpen)

	// other keys unaffected
	assert.NoError(t, b.Execute("paystack", succeed, nil))
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := New(1, 10*time.Second).WithClock(clock.now)

	_ = b.Execute("stripe", fail, nil)
	assert.Equal(t, StateOpen, b.State("stripe"))

	clock.advance(11 * time.Second)
	assert.True(t, b.Allow("stripe"))
	assert.Equal(t, StateHalfOpen, b.State("stripe"))
	assert.False(t, b.Allow("stripe"), "only one probe while half-open")

	b.RecordSuccess("stripe")
	assert.Equal(t, StateClosed, b.State("stripe"))
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := New(1, time.Second).WithClock(clock.now)

	_ = b.Execute("paystack", fail, nil)
	clock.advance(2 * time.Second)
	assert.ErrorIs(t, b.Execute("paystack", fail, nil), errDown)
	assert.Equal(t, StateOpen, b.State("paystack"))
}

func TestBreaker_UncountableErrorsDoNotTrip(t *testing.T) {
	b := New(1, time.Minute)
	notOutage := func(err error) bool { return false }

	for i := 0; i < 5; i++ {
		_ = b.Execute("stripe", fail, notOutage)
	}
	assert.Equal(t, StateClosed, b.State("stripe"))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
