package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-governance-core/internal/metrics"
)

type memStorage struct {
	mu     sync.Mutex
	events []Event
}

func (m *memStorage) WriteBatch(ctx context.Context, events []Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

func (m *memStorage) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func TestTrail_DrainsOnStop(t *testing.T) {
	storage := &memStorage{}
	trail := NewTrail(storage, 100, 10, time.Hour, nil, zap.NewNop()) // flush только по размеру/Stop
	trail.Start()

	for i := 0; i < 25; i++ {
		trail.Record(Event{AgentID: "a1", Type: EventRevalidated})
	}
	trail.Stop()

	require.Equal(t, 25, storage.count(), "final flush must drain the whole buffer")
}

func TestTrail_FillsDefaults(t *testing.T) {
	storage := &memStorage{}
	trail := NewTrail(storage, 10, 1, time.Hour, nil, zap.NewNop())
	trail.Start()

	trail.Record(Event{AgentID: "a1", Type: EventCreated})
	trail.Stop()

	require.Equal(t, 1, storage.count())
	storage.mu.Lock()
	defer storage.mu.Unlock()
	assert.NotEmpty(t, storage.events[0].ID)
	assert.False(t, storage.events[0].Timestamp.IsZero())
}

func TestTrail_ReportsBufferFill(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	trail := NewTrail(&memStorage{}, 10, 10, time.Hour, m, zap.NewNop())

	// Воркер не запущен: события копятся в канале
	for i := 0; i < 3; i++ {
		trail.Record(Event{AgentID: "a1", Type: EventCreated})
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(m.HistoryBufferFill))
}

func TestTrail_DropsAfterStop(t *testing.T) {
	storage := &memStorage{}
	trail := NewTrail(storage, 10, 10, time.Hour, nil, zap.NewNop())
	trail.Start()
	trail.Stop()

	trail.Record(Event{AgentID: "late", Type: EventDisabled})
	assert.Equal(t, 0, storage.count())
}
