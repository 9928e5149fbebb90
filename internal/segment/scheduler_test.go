package segment

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinpoker/endpoint-agent/pkg/signal"
)

type fakeSegment struct {
	name     string
	category signal.Category
	interval time.Duration
	ticks    atomic.Int64
	cleaned  atomic.Bool
}

func (f *fakeSegment) Name() string               { return f.name }
func (f *fakeSegment) Category() signal.Category   { return f.category }
func (f *fakeSegment) Interval() time.Duration     { return f.interval }
func (f *fakeSegment) Cleanup()                    { f.cleaned.Store(true) }
func (f *fakeSegment) Tick(ctx context.Context, emit func(signal.Signal)) error {
	f.ticks.Add(1)
	emit(signal.Signal{Category: f.category, Name: f.name, Status: signal.StatusInfo})
	return nil
}

func TestStaggerOffset_SpreadsAcrossBatchInterval(t *testing.T) {
	assert.Equal(t, time.Duration(0), staggerOffset(0, 4, 4*time.Second))
	assert.Equal(t, time.Second, staggerOffset(1, 4, 4*time.Second))
	assert.Equal(t, 2*time.Second, staggerOffset(2, 4, 4*time.Second))
	assert.Equal(t, 2*time.Second, staggerOffset(0, 1, 4*time.Second))
}

func TestScheduler_TicksAndCleansUpOnStop(t *testing.T) {
	t.Setenv("SYNC_SEGMENTS", "true")
	seg := &fakeSegment{name: "fake", category: signal.CategoryAuto, interval: 5 * time.Millisecond}
	var received int64
	sched := NewScheduler([]Segment{seg}, func(signal.Signal) { atomic.AddInt64(&received, 1) })

	sched.Start(context.Background())
	require.Eventually(t, func() bool { return seg.ticks.Load() >= 2 }, time.Second, time.Millisecond)

	sched.Stop(time.Second)
	assert.True(t, seg.cleaned.Load())
	assert.False(t, sched.Running("fake"))
}

func TestRegister_PanicsOnDuplicateName(t *testing.T) {
	resetForTest()
	defer resetForTest()
	Register("dup", func() Segment { return nil })
	assert.Panics(t, func() {
		Register("dup", func() Segment { return nil })
	})
}
