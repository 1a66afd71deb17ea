package notifier

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"fleetstat/internal/protocol"
)

// ErrSinkBusy is returned when a sink's delivery queue is full
var ErrSinkBusy = errors.New("sink delivery queue full")

const defaultQueueSize = 64

// deliveryQueue runs delivery jobs for one sink on a dedicated goroutine
type deliveryQueue struct {
	jobs   chan func()
	done   chan struct{}
	logger logrus.FieldLogger
	once   sync.Once
}

func newDeliveryQueue(size int, logger logrus.FieldLogger) *deliveryQueue {
	if size <= 0 {
		size = defaultQueueSize
	}
	q := &deliveryQueue{
		jobs:   make(chan func(), size),
		done:   make(chan struct{}),
		logger: logger,
	}
	go q.run()
	return q
}

func (q *deliveryQueue) run() {
	defer close(q.done)
	for job := range q.jobs {
		q.safeRun(job)
	}
}

func (q *deliveryQueue) safeRun(job func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.WithField("panic", r).Error("delivery job panicked")
		}
	}()
	job()
}

// submit queues job without blocking
func (q *deliveryQueue) submit(job func()) error {
	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrSinkBusy
	}
}

// close stops accepting jobs and waits for queued ones to finish
func (q *deliveryQueue) close() {
	q.once.Do(func() {
		close(q.jobs)
	})
	<-q.done
}

// Message is the structured payload published by machine-facing sinks
type Message struct {
	ID        string             `json:"id"`
	Event     string             `json:"event"`
	Timestamp int64              `json:"timestamp"`
	Host      protocol.HostState `json:"host"`
}

// NewMessage wraps an event for publishing
func NewMessage(kind EventKind, host *protocol.HostState, now time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		Event:     kind.String(),
		Timestamp: now.Unix(),
		Host:      *host,
	}
}
