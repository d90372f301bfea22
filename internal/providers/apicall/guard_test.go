package apicall

import (
	"errors"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
)

var (
	errServer   = errors.New("503 backend error")
	errNotFound = errors.New("404 not found")
)

func serverErrorsTrip(err error) bool {
	return errors.Is(err, errServer)
}

func TestGuardTripsOnServerErrors(t *testing.T) {
	g := New("gmail", "acct-1", Config{ConsecutiveFailures: 3})

	for i := 0; i < 3; i++ {
		err := g.Do("messages.get", serverErrorsTrip, func() error { return errServer })
		assert.ErrorIs(t, err, errServer)
	}
	assert.Equal(t, "open", g.State())

	called := false
	err := g.Do("messages.get", serverErrorsTrip, func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.False(t, called)
}

func TestGuardIgnoresClientErrors(t *testing.T) {
	g := New("outlook", "acct-2", Config{ConsecutiveFailures: 2})

	for i := 0; i < 5; i++ {
		err := g.Do("messages.get", serverErrorsTrip, func() error { return errNotFound })
		assert.ErrorIs(t, err, errNotFound)
	}
	assert.Equal(t, "closed", g.State())
	assert.NoError(t, g.Do("profile", serverErrorsTrip, func() error { return nil }))
}

func TestGuardLimiterDefaults(t *testing.T) {
	g := New("gmail", "acct-3", Config{})
	assert.NotNil(t, g.Limiter())
	assert.Equal(t, 20, g.Limiter().Burst())
}
