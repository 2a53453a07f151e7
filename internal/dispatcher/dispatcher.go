package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"team_chat/internal/config"
	"team_chat/internal/domain"
	"team_chat/internal/metrics"
	"team_chat/internal/service"
	"team_chat/pkg/logger"
)

// EventMessageBatch — одно событие на топик со всеми сообщениями флаша
const EventMessageBatch = "message:batch"

// Persister сохраняет сообщение без рассылки (реализуется ChatService)
type Persister interface {
	PersistMessage(ctx context.Context, in service.SendMessageInput) (*domain.Message, error)
}

// Broadcaster — транспорт рассылки (реализуется ws.Hub)
type Broadcaster interface {
	EmitToTopic(topicID uuid.UUID, event string, payload any)
}

// Item — отложенная отправка в очереди пользователя
type Item struct {
	Input      service.SendMessageInput
	EnqueuedAt time.Time
}

type FailedItem struct {
	Item Item
	Err  error
}

// BatchResult — манифест одного флаша: сколько дошло и что упало.
// Повторная отправка упавших — забота вызывающей стороны.
type BatchResult struct {
	UserID    uuid.UUID
	Succeeded int
	Failed    []FailedItem
}

func (r BatchResult) AllDelivered() bool {
	return len(r.Failed) == 0
}

type userQueue struct {
	mu       sync.Mutex
	items    []Item
	flushing bool
}

// Dispatcher копит исходящие отправки в FIFO-очередях по пользователям и
// сбрасывает их по таймеру либо досрочно при достижении порога. Флаши разных
// пользователей независимы; флаш одного пользователя никогда не
// перекрывается со следующим тиком для него же.
type Dispatcher struct {
	persister   Persister
	broadcaster Broadcaster
	cfg         config.DispatcherConfig
	metrics     *metrics.Metrics
	log         logger.Logger

	mu     sync.Mutex
	queues map[uuid.UUID]*userQueue

	onResult func(BatchResult)

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

func New(persister Persister, broadcaster Broadcaster, cfg config.DispatcherConfig, m *metrics.Metrics, log logger.Logger) *Dispatcher {
	return &Dispatcher{
		persister:   persister,
		broadcaster: broadcaster,
		cfg:         cfg,
		metrics:     m,
		log:         log,
		queues:      make(map[uuid.UUID]*userQueue),
		stop:        make(chan struct{}),
	}
}

// OnResult задает получателя манифестов флашей. Вызывать до Run.
func (d *Dispatcher) OnResult(fn func(BatchResult)) {
	d.onResult = fn
}

// Enqueue ставит отправку в очередь ее пользователя. При достижении порога
// очередь сбрасывается досрочно, не дожидаясь тика.
func (d *Dispatcher) Enqueue(item Item) {
	userID := item.Input.SenderID

	// Добавление под общим локом, чтобы очередь не выпала из реестра
	// между выборкой и записью (flushAll снимает пустые очереди)
	d.mu.Lock()
	q := d.queues[userID]
	if q == nil {
		q = &userQueue{}
		d.queues[userID] = q
	}
	q.mu.Lock()
	q.items = append(q.items, item)
	length := len(q.items)
	flushing := q.flushing
	q.mu.Unlock()
	d.mu.Unlock()

	if length >= d.cfg.FlushThreshold && !flushing {
		d.spawnFlush(userID, q)
	}
}

// Run крутит общий таймер флашей до отмены контекста или Shutdown
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			d.flushAll()
		}
	}
}

// flushAll запускает независимый флаш для каждой непустой очереди.
// Медленный стор одного пользователя не задерживает остальных.
// Простаивающие очереди по пути снимаются с реестра, чтобы он не рос
// с каждым когда-либо виденным отправителем.
func (d *Dispatcher) flushAll() {
	d.mu.Lock()
	snapshot := make(map[uuid.UUID]*userQueue, len(d.queues))
	for userID, q := range d.queues {
		q.mu.Lock()
		idle := len(q.items) == 0 && !q.flushing
		q.mu.Unlock()
		if idle {
			delete(d.queues, userID)
			continue
		}
		snapshot[userID] = q
	}
	d.mu.Unlock()

	for userID, q := range snapshot {
		d.spawnFlush(userID, q)
	}
}

func (d *Dispatcher) spawnFlush(userID uuid.UUID, q *userQueue) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.flushUser(userID, q)
	}()
}

func (d *Dispatcher) flushUser(userID uuid.UUID, q *userQueue) {
	q.mu.Lock()
	if q.flushing || len(q.items) == 0 {
		// Предыдущий флаш еще идет — элементы подождут следующего тика
		q.mu.Unlock()
		return
	}
	q.flushing = true
	items := q.items
	q.items = nil
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.flushing = false
		q.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result := BatchResult{UserID: userID}
	byTopic := make(map[uuid.UUID][]*domain.Message)

	// Последовательно, с сохранением порядка постановки. Ошибка одного
	// элемента не прерывает остальные: ровно одна попытка на элемент.
	for _, item := range items {
		message, err := d.persister.PersistMessage(ctx, item.Input)
		if err != nil {
			d.log.Error("Failed to persist queued message", "error", err, "user_id", userID)
			result.Failed = append(result.Failed, FailedItem{Item: item, Err: err})
			if d.metrics != nil {
				d.metrics.DispatchFailures.Inc()
			}
			continue
		}
		result.Succeeded++
		byTopic[message.ConversationID] = append(byTopic[message.ConversationID], message)
	}

	// Один broadcast на топик за флаш
	for topicID, messages := range byTopic {
		d.broadcaster.EmitToTopic(topicID, EventMessageBatch, messages)
	}

	if d.metrics != nil {
		d.metrics.FlushBatchSize.Observe(float64(len(items)))
	}
	if d.onResult != nil {
		d.onResult(result)
	}
}

// Shutdown останавливает таймер, дофлашивает очереди и ждет завершения.
// Очередь, чей флаш шел в момент остановки, дофлашивается повторным проходом.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.stopOnce.Do(func() { close(d.stop) })

	for {
		d.flushAll()

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}

		if d.pending() == 0 {
			return nil
		}
	}
}

func (d *Dispatcher) pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	total := 0
	for _, q := range d.queues {
		q.mu.Lock()
		total += len(q.items)
		q.mu.Unlock()
	}
	return total
}
