package collector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goshops-com/opsagent/pkg/events"
	"github.com/goshops-com/opsagent/pkg/models"
)

func TestTopByOrdersAndTruncates(t *testing.T) {
	infos := []models.ProcessInfo{
		{PID: 1, Name: "a", CPUPercent: 5},
		{PID: 2, Name: "b", CPUPercent: 90},
		{PID: 3, Name: "c", CPUPercent: 30},
		{PID: 4, Name: "d", CPUPercent: 60},
		{PID: 5, Name: "e", CPUPercent: 10},
		{PID: 6, Name: "f", CPUPercent: 45},
		{PID: 7, Name: "g", CPUPercent: 20},
	}

	top := topBy(infos, func(a, b models.ProcessInfo) bool {
		return a.CPUPercent > b.CPUPercent
	})
	require.Len(t, top, topProcessCount)
	assert.Equal(t, "b", top[0].Name)
	assert.Equal(t, "d", top[1].Name)
	// Input order is preserved.
	assert.Equal(t, int32(1), infos[0].PID)
}

func TestTopByShortInput(t *testing.T) {
	top := topBy([]models.ProcessInfo{{Name: "only"}}, func(a, b models.ProcessInfo) bool {
		return a.CPUPercent > b.CPUPercent
	})
	require.Len(t, top, 1)
	assert.Equal(t, "only", top[0].Name)
}

func TestCollectorProducesSamples(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	coll := New(100*time.Millisecond, bus)
	coll.Start(context.Background())
	coll.Start(context.Background()) // second start: no-op

	select {
	case sample := <-coll.Samples():
		require.NotNil(t, sample)
		assert.False(t, sample.Timestamp.IsZero())
		assert.NotZero(t, sample.Processes.Total)
	case <-time.After(5 * time.Second):
		t.Fatal("no sample produced")
	}

	coll.Stop()
	// The stream is closed after Stop; drain until closed.
	for range coll.Samples() {
	}
}

func TestCollectorStopWithoutStart(t *testing.T) {
	coll := New(time.Second, events.NewBus())
	coll.Stop()
}

func TestFirstSampleHasZeroRates(t *testing.T) {
	s := newSampler()
	sample, err := s.sample(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sample.Network.RxRate)
	assert.Zero(t, sample.Disk.IOReadRate)
}
