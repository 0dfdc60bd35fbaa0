package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChecker_NoChecksIsReady(t *testing.T) {
	c := NewChecker()

	readiness := c.Readiness()
	assert.Equal(t, StatusOK, readiness.Status)
	assert.Empty(t, readiness.Checks)
}

func TestChecker_AggregatesCheckResults(t *testing.T) {
	c := NewChecker()
	c.RegisterCheck("ok", func() Check {
		return Check{Status: StatusOK}
	})
	c.RegisterCheck("down", func() Check {
		return Check{Status: StatusUnavailable, Message: "unreachable"}
	})

	readiness := c.Readiness()
	assert.Equal(t, StatusUnavailable, readiness.Status)
	assert.Equal(t, StatusOK, readiness.Checks["ok"].Status)
	assert.Equal(t, "unreachable", readiness.Checks["down"].Message)
}

func TestChecker_Uptime(t *testing.T) {
	c := NewChecker()
	assert.GreaterOrEqual(t, c.Uptime().Nanoseconds(), int64(0))
}
