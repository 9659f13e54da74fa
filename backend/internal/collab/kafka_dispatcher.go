package collab

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
)

var ErrDispatcherClosed = errors.New("DISPATCHER_CLOSED")

// KafkaDispatcher: bounded local queue + async workers + limited retries.
// - Enqueue never waits on Kafka, only on queue space
// - short Kafka stalls are absorbed by the queue and retried in background
// - when the queue stays full the event is dropped instead of growing memory
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queue chan DocOpEvent

	// sem bounds concurrent SendMessage calls.
	kafkaSem *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	logger      *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// DispatcherStats is a point-in-time view of the dispatcher.
type DispatcherStats struct {
	Queued  int    `json:"queued"`
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Logger      *slog.Logger
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, kafkaSem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 10_000
	}
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan DocOpEvent, opt.QueueSize),
		kafkaSem:    kafkaSem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
		logger:      opt.Logger.With("component", "kafka_dispatcher"),
	}

	d.Start()
	return d
}

// Enqueue puts evt on the local queue, waiting for space until ctx is done.
// Delivery is not required for correctness, so callers may drop on error.
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt DocOpEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports the queue depth and delivery counters.
func (d *KafkaDispatcher) Stats() DispatcherStats {
	return DispatcherStats{Queued: len(d.queue), Sent: d.sent.Load(), Dropped: d.dropped.Load()}
}

func (d *KafkaDispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

// Close stops accepting events and waits until queued ones are sent or
// dropped.
func (d *KafkaDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt DocOpEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.kafkaSem != nil {
			// workers may wait indefinitely, they are off the request path
			_ = d.kafkaSem.Acquire(context.Background())
		}

		err := d.sendOnce(evt)

		if d.kafkaSem != nil {
			_ = d.kafkaSem.Release()
		}

		if err == nil {
			d.sent.Add(1)
			return
		}

		if attempt == d.maxRetry {
			d.dropped.Add(1)
			d.logger.Error("kafka send failed, drop event",
				"doc", evt.DocID, "op", evt.OperationID, "seq", evt.Sequence, "worker", workerID, "err", err)
			return
		}

		// exponential backoff, capped
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if d.maxBackoff > 0 && backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(evt DocOpEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		// keyed by flow so one flow stays on one partition; consumers still
		// order by the sequence header since workers run in parallel
		Key:   sarama.StringEncoder(evt.DocID),
		Value: sarama.ByteEncoder(b),
	}
	msg.Headers = []sarama.RecordHeader{
		{Key: []byte("event-type"), Value: []byte(evt.EventType)},
		{Key: []byte("sequence"), Value: []byte(strconv.FormatUint(evt.Sequence, 10))},
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
