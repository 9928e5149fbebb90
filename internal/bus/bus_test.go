package bus

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinpoker/endpoint-agent/pkg/signal"
)

func TestEmit_InvokesListenersInSubscriptionOrder(t *testing.T) {
	b := New()
	var order []string
	b.Subscribe("detection", func(signal.Signal) { order = append(order, "first") })
	b.Subscribe("detection", func(signal.Signal) { order = append(order, "second") })

	b.Emit("detection", signal.Signal{Category: signal.CategoryPrograms, Name: "x"})

	assert.Equal(t, []string{"first", "second"}, order)
}

func TestEmit_PanickingListenerDoesNotStopSiblings(t *testing.T) {
	b := New()
	got := false
	b.Subscribe("detection", func(signal.Signal) { panic("boom") })
	b.Subscribe("detection", func(signal.Signal) { got = true })

	b.Emit("detection", signal.Signal{Category: signal.CategoryAuto, Name: "x"})

	assert.True(t, got)
}

func TestEmit_ReentrantEmitIsRejected(t *testing.T) {
	b := New()
	b.Subscribe("detection", func(signal.Signal) {
		b.Emit("detection", signal.Signal{Name: "nested"})
	})

	b.Emit("detection", signal.Signal{Name: "outer"})

	history := b.History("", 0)
	require.Len(t, history, 1)
	assert.Equal(t, "outer", history[0].Name)
}

func TestHistory_BoundedToCapacityDroppingOldest(t *testing.T) {
	b := New()
	for i := 0; i < HistoryCapacity+50; i++ {
		b.Emit("detection", signal.Signal{Category: signal.CategoryNetwork, Name: fmt.Sprintf("sig-%d", i)})
	}

	history := b.History("", 0)
	require.Len(t, history, HistoryCapacity)
	assert.Equal(t, "sig-50", history[0].Name)
	assert.Equal(t, fmt.Sprintf("sig-%d", HistoryCapacity+49), history[len(history)-1].Name)
}

func TestHistory_FiltersByCategoryAndLimits(t *testing.T) {
	b := New()
	b.Emit("detection", signal.Signal{Category: signal.CategoryAuto, Name: "a1"})
	b.Emit("detection", signal.Signal{Category: signal.CategoryNetwork, Name: "n1"})
	b.Emit("detection", signal.Signal{Category: signal.CategoryAuto, Name: "a2"})

	auto := b.History(signal.CategoryAuto, 0)
	require.Len(t, auto, 2)

	last := b.History(signal.CategoryAuto, 1)
	require.Len(t, last, 1)
	assert.Equal(t, "a2", last[0].Name)
}

func TestCleanup_DropsListenersAndHistory(t *testing.T) {
	b := New()
	calls := 0
	b.Subscribe("detection", func(signal.Signal) { calls++ })
	b.Emit("detection", signal.Signal{Name: "x"})
	require.Equal(t, 1, calls)

	b.Cleanup()
	b.Emit("detection", signal.Signal{Name: "y"})

	assert.Equal(t, 1, calls)
	assert.Len(t, b.History("", 0), 1, "post-cleanup emits still record history")
}
