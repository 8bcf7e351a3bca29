package audit

/*
Файл trail.go реализует асинхронный журнал AgentHistory.

Ключевые особенности архитектуры:
- Non-blocking Logging: события уходят в буферизованный канал, задержки
  записи в БД не влияют на Response Time проверок допуска.
- Batching: накопление в памяти и пакетная запись (Bulk Insert) в PostgreSQL
  по таймеру или при достижении лимита.
- Drain Pattern & Graceful Shutdown: при остановке буфер вычитывается до
  конца, финальный flush гарантирует отсутствие потерь при перезагрузке.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-governance-core/internal/metrics"
)

// StorageInterface определяет, куда физически сохраняются строки журнала.
type StorageInterface interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []Event) error
}

// Recorder — интерфейс записи для компонентов ядра.
type Recorder interface {
	Record(event Event)
}

type Trail struct {
	ch      chan Event
	repo    StorageInterface
	metrics *metrics.Metrics
	logger  *zap.Logger
	wg      sync.WaitGroup

	batchSize     int
	flushInterval time.Duration

	// Защита от записи после остановки
	isClosed int32 // Атомарный флаг (0 - открыт, 1 - закрыт)
}

func NewTrail(repo StorageInterface, bufferSize, batchSize int, flushInterval time.Duration, m *metrics.Metrics, logger *zap.Logger) *Trail {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 500 * time.Millisecond
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Trail{
		ch:            make(chan Event, bufferSize),
		repo:          repo,
		metrics:       m,
		logger:        logger.With(zap.String("mod", "audit-trail")),
		batchSize:     batchSize,
		flushInterval: flushInterval,
	}
}

func (t *Trail) Start() {
	t.wg.Add(1)
	go t.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (t *Trail) Stop() {
	atomic.StoreInt32(&t.isClosed, 1)

	// Крошечная пауза, чтобы текущие Record успели проскочить
	time.Sleep(10 * time.Millisecond)

	t.logger.Info("stopping audit trail: closing channel and flushing buffer...")
	close(t.ch)
	t.wg.Wait()
	t.logger.Info("audit trail stopped gracefully")
}

func (t *Trail) Record(event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if atomic.LoadInt32(&t.isClosed) == 1 {
		t.logger.Warn("history event dropped: trail is stopping", zap.String("id", event.ID))
		return
	}

	// Load Shedding: при переполнении буфера фиксируем факт в логгере,
	// чтобы событие не пропало бесследно
	select {
	case t.ch <- event:
		t.metrics.HistoryBufferFill.Set(float64(len(t.ch)))
	default:
		t.logger.Error("history_buffer_overflow",
			zap.String("agent_id", event.AgentID),
			zap.String("type", string(event.Type)),
		)
	}
}

func (t *Trail) worker() {
	defer t.wg.Done()

	batch := make([]Event, 0, t.batchSize)
	ticker := time.NewTicker(t.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) > 0 {
			// Background: основной контекст может быть уже закрыт
			if err := t.repo.WriteBatch(context.Background(), batch); err != nil {
				t.logger.Error("history flush failed", zap.Error(err))
			}
			batch = batch[:0]
		}
	}

	for {
		select {
		case event, ok := <-t.ch:
			if !ok {
				// Канал закрыт в Stop(): вычитали остатки, финальный flush, выход
				flush()
				t.logger.Info("audit trail worker finished")
				return
			}
			batch = append(batch, event)
			t.metrics.HistoryBufferFill.Set(float64(len(t.ch)))
			if len(batch) >= t.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
