package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFake_AdvanceAndSet(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(base)

	assert.Equal(t, base, c.Now())

	c.Advance(90 * time.Second)
	assert.Equal(t, base.Add(90*time.Second), c.Now())

	c.Set(base)
	assert.Equal(t, base, c.Now())
}

func TestReal_Monotonic(t *testing.T) {
	c := Real()
	a := c.Now()
	b := c.Now()
	assert.False(t, b.Before(a))
}
