// Package events publishes applied operations to Kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/manpreetbhatti/taskroom/internal/room"
)

const TypeOpApplied = "OP_APPLIED"

var ErrClosed = errors.New("dispatcher closed")

// OpApplied is the message body written for every applied operation.
type OpApplied struct {
	Type        string         `json:"type"`
	RoomID      string         `json:"roomId"`
	OperationID uint64         `json:"operationId"`
	Kind        room.Kind      `json:"kind"`
	UserID      string         `json:"userId"`
	ClientID    string         `json:"clientId,omitempty"`
	TaskID      string         `json:"taskId,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Operation   room.Operation `json:"operation"`
}

func NewOpApplied(roomID string, op room.Operation) OpApplied {
	evt := OpApplied{
		Type:        TypeOpApplied,
		RoomID:      roomID,
		OperationID: op.ID,
		UserID:      op.UserID,
		ClientID:    op.ClientID,
		TaskID:      op.TaskID(),
		Timestamp:   op.Timestamp,
		Operation:   op,
	}
	if op.Mutation != nil {
		evt.Kind = op.Mutation.Kind()
	}
	return evt
}

type Options struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultOptions() Options {
	return Options{
		QueueSize:   10_000,
		Workers:     4,
		MaxRetry:    3,
		BaseBackoff: 50 * time.Millisecond,
		MaxBackoff:  time.Second,
	}
}

// Dispatcher queues events locally and sends them from a worker pool with
// bounded retries. When the queue is full, Publish waits until its context
// expires and then drops the event; delivery is best effort.
type Dispatcher struct {
	producer sarama.SyncProducer
	topic    string
	sem      *Semaphore
	opts     Options

	queue  chan OpApplied
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(producer sarama.SyncProducer, topic string, sem *Semaphore, opts Options) *Dispatcher {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	d := &Dispatcher{
		producer: producer,
		topic:    topic,
		sem:      sem,
		opts:     opts,
		queue:    make(chan OpApplied, opts.QueueSize),
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
	return d
}

// Publish queues an OP_APPLIED event for op.
func (d *Dispatcher) Publish(ctx context.Context, roomID string, op room.Operation) error {
	return d.Enqueue(ctx, NewOpApplied(roomID, op))
}

func (d *Dispatcher) Enqueue(ctx context.Context, evt OpApplied) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events and waits for queued ones to be sent.
func (d *Dispatcher) Close() {
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

func (d *Dispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *Dispatcher) sendWithRetry(workerID int, evt OpApplied) {
	for attempt := 0; attempt <= d.opts.MaxRetry; attempt++ {
		if d.sem != nil {
			_ = d.sem.Acquire(context.Background())
		}
		err := d.sendOnce(evt)
		if d.sem != nil {
			_ = d.sem.Release()
		}

		if err == nil {
			return
		}
		if attempt == d.opts.MaxRetry {
			log.Printf("kafka send failed, dropping event room=%s op=%d worker=%d: %v",
				evt.RoomID, evt.OperationID, workerID, err)
			return
		}
		time.Sleep(d.backoff(attempt))
	}
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	b := d.opts.BaseBackoff * time.Duration(1<<attempt)
	if d.opts.MaxBackoff > 0 && b > d.opts.MaxBackoff {
		b = d.opts.MaxBackoff
	}
	return b
}

func (d *Dispatcher) sendOnce(evt OpApplied) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, _, err = d.producer.SendMessage(&sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.RoomID),
		Value: sarama.ByteEncoder(b),
	})
	return err
}

// NewProducer builds a sync producer that waits for the leader's ack.
func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	return sarama.NewSyncProducer(brokers, cfg)
}
