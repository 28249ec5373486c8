package errors

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := newBreaker(3, time.Hour, nil)

	for i := 0; i < 2; i++ {
		assert.True(t, b.Allow())
		b.Failure()
	}
	assert.Equal(t, BreakerClosed, b.State())

	assert.True(t, b.Allow())
	b.Failure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	b := newBreaker(2, time.Hour, nil)

	b.Failure()
	b.Success()
	b.Failure()
	assert.Equal(t, BreakerClosed, b.State(), "non-consecutive failures must not trip the circuit")
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := newBreaker(1, 20*time.Millisecond, nil)

	b.Failure()
	require.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())

	time.Sleep(30 * time.Millisecond)

	// One probe is admitted; concurrent calls stay refused until it
	// resolves.
	assert.True(t, b.Allow())
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.False(t, b.Allow())

	b.Success()
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	b := newBreaker(1, 20*time.Millisecond, nil)

	b.Failure()
	time.Sleep(30 * time.Millisecond)
	require.True(t, b.Allow())
	b.Failure()

	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerSetKeysHostsIndependently(t *testing.T) {
	var changes []string
	set := NewBreakerSet(1, time.Hour, func(host string, from, to BreakerState) {
		changes = append(changes, host+":"+from.String()+">"+to.String())
	})

	require.True(t, set.Allow("192.168.1.40:80"))
	set.Failure("192.168.1.40:80")

	assert.False(t, set.Allow("192.168.1.40:80"))
	assert.True(t, set.Allow("192.168.1.41:80"), "one dead host must not shade its neighbors")
	assert.Equal(t, BreakerOpen, set.State("192.168.1.40:80"))
	assert.Equal(t, BreakerClosed, set.State("192.168.1.41:80"))
	assert.Equal(t, BreakerClosed, set.State("10.0.0.1:80"), "unseen hosts are closed")
	assert.Equal(t, []string{"192.168.1.40:80:closed>open"}, changes)
}
