package access

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryFlagsOnThreshold(t *testing.T) {
	h := NewHistory(DefaultDDoSConfig())
	ip := MakeIP(203, 0, 113, 7)

	var detected []uint32
	h.OnDetect(func(ip uint32, count int) {
		detected = append(detected, ip)
	})

	tick := int64(100000)
	for i := 1; i < 10; i++ {
		assert.Equal(t, Accept, h.Check(ip, Accept, tick), "attempt %d", i)
		tick += 200
	}
	assert.Empty(t, detected)

	// 10th attempt inside the window
	assert.Equal(t, Reject, h.Check(ip, Accept, tick))
	assert.Equal(t, []uint32{ip}, detected)

	rec, ok := h.Lookup(ip)
	require.True(t, ok)
	assert.True(t, rec.DDoS)
	assert.Equal(t, 10, rec.Count)

	// still rejected outside the window while flagged
	tick += 10000
	assert.Equal(t, Reject, h.Check(ip, Accept, tick))

	// autoreset elapses with no attempts, sweep clears the flag
	tick += h.Config().Autoreset + 1
	cleared, total := h.Sweep(tick)
	assert.Equal(t, 1, cleared)
	assert.Equal(t, 1, total)
	assert.Equal(t, Accept, h.Check(ip, Accept, tick))
}

func TestHistoryDegradesUnconditional(t *testing.T) {
	h := NewHistory(DDoSConfig{Interval: 1000, Count: 2, Autoreset: 5000})
	ip := MakeIP(198, 51, 100, 1)

	assert.Equal(t, AcceptUnconditional, h.Check(ip, AcceptUnconditional, 0))
	assert.Equal(t, Accept, h.Check(ip, AcceptUnconditional, 10))
	assert.Equal(t, Accept, h.Check(ip, AcceptUnconditional, 20))
	assert.Equal(t, Reject, h.Check(ip, Accept, 30))
	assert.Equal(t, Reject, h.Check(ip, Reject, 40))
}

func TestHistoryWindowReset(t *testing.T) {
	h := NewHistory(DDoSConfig{Interval: 1000, Count: 3, Autoreset: 5000})
	ip := MakeIP(192, 0, 2, 1)

	h.Check(ip, Accept, 0)
	h.Check(ip, Accept, 500)
	rec, _ := h.Lookup(ip)
	assert.Equal(t, 2, rec.Count)

	// outside the interval the window restarts
	assert.Equal(t, Accept, h.Check(ip, Accept, 2000))
	rec, _ = h.Lookup(ip)
	assert.Equal(t, 1, rec.Count)
	assert.False(t, rec.DDoS)
}

func TestHistorySweep(t *testing.T) {
	h := NewHistory(DDoSConfig{Interval: 1000, Count: 2, Autoreset: 10000})
	idle := MakeIP(10, 0, 0, 1)
	recent := MakeIP(10, 0, 0, 2)
	flagged := MakeIP(10, 0, 0, 3)

	h.Check(idle, Accept, 0)
	h.Check(flagged, Accept, 0)
	h.Check(flagged, Accept, 100)
	h.Check(recent, Accept, 3000)

	cleared, total := h.Sweep(3500)
	assert.Equal(t, 1, cleared)
	assert.Equal(t, 3, total)

	_, ok := h.Lookup(idle)
	assert.False(t, ok)
	_, ok = h.Lookup(flagged)
	assert.True(t, ok, "flagged records live until autoreset")

	cleared, _ = h.Sweep(100 + 10001)
	assert.Equal(t, 2, cleared)
	assert.Zero(t, h.Len())
}

func TestHistoryResetAndRecords(t *testing.T) {
	h := NewHistory(DDoSConfig{Interval: 1000, Count: 2, Autoreset: 10000})
	a := MakeIP(10, 0, 0, 9)
	b := MakeIP(10, 0, 0, 1)

	h.Check(a, Accept, 0)
	h.Check(a, Accept, 1)
	h.Check(b, Accept, 0)

	recs := h.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, "10.0.0.1", recs[0].Addr)
	assert.Len(t, h.Flagged(), 1)

	assert.True(t, h.Reset(a))
	assert.False(t, h.Reset(a))
	assert.Empty(t, h.Flagged())
}
