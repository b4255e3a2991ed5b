package astiflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var clockReference = newClockReference(3271034319, 58)

func TestClockReference(t *testing.T) {
	assert.Equal(t, 36344825768814*time.Nanosecond, clockReference.Duration())
	assert.Equal(t, int64(36344), clockReference.Time().Unix())
}

func TestClockReferencePCR(t *testing.T) {
	assert.Equal(t, int64(3271034319)*300+58, clockReference.PCR())
}

func TestClockReferenceWrap(t *testing.T) {
	a := newClockReference(100, 0)
	b := newClockReference(200, 0)
	assert.True(t, precedesWithWrap(a, b))
	assert.False(t, precedesWithWrap(b, a))
	assert.False(t, precedesWithWrap(a, a))
}

func TestClockReferenceAddPackets(t *testing.T) {
	base := newClockReference(0, 0)
	next := base.addPackets(1000, 8000) // 1000 packets at 8Mbps
	assert.Greater(t, next.PCR(), base.PCR())
}
