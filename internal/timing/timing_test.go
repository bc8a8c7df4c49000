package timing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeClock(steps ...time.Duration) func() time.Time {
	base := time.Date(2025, 9, 10, 0, 0, 0, 0, time.UTC)
	i := 0
	return func() time.Time {
		t := base
		if i < len(steps) {
			base = base.Add(steps[i])
		}
		i++
		return t
	}
}

func TestRecorderOrderAndTotals(t *testing.T) {
	r := NewRecorder()
	r.now = fakeClock(2*time.Second, time.Second, 5*time.Second, 0)

	stop := r.Start("dedupe")
	stop()
	stop()
	r.Start("units")()
	r.Add("dedupe", time.Second)

	stages := r.Stages()
	require.Len(t, stages, 2)
	assert.Equal(t, Stage{Name: "dedupe", Duration: 3 * time.Second}, stages[0])
	assert.Equal(t, Stage{Name: "units", Duration: 5 * time.Second}, stages[1])

	slowest, ok := r.Slowest()
	require.True(t, ok)
	assert.Equal(t, "units", slowest.Name)
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.Start("x")()
	r.Add("x", time.Second)
	assert.Nil(t, r.Stages())
	_, ok := r.Slowest()
	assert.False(t, ok)
}
