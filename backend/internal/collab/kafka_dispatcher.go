package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

var ErrDispatcherClosed = errors.New("kafka dispatcher closed")

// KafkaDispatcher publishes op-log events through a bounded local queue and a
// pool of workers with capped exponential backoff. Enqueue never waits on
// Kafka itself; when the queue stays full past ctx the event is dropped.
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string
	log      zerolog.Logger

	queue chan DocOpEvent
	sem   *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

var _ OpLog = (*KafkaDispatcher)(nil)

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, sem *SemaphoreControl, log zerolog.Logger, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 1024
	}
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		log:         log.With().Str("component", "kafka_dispatcher").Logger(),
		queue:       make(chan DocOpEvent, opt.QueueSize),
		sem:         sem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	d.start()
	return d
}

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

// Close stops accepting events and waits for the queue to drain.
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

func (d *KafkaDispatcher) start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

// newBackOff doubles the wait from baseBackoff up to maxBackoff and gives up
// after maxRetry retries.
func (d *KafkaDispatcher) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if d.baseBackoff > 0 {
		b.InitialInterval = d.baseBackoff
	}
	if d.maxBackoff > 0 {
		b.MaxInterval = d.maxBackoff
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(max(0, d.maxRetry)))
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt DocOpEvent) {
	send := func() error {
		if d.sem != nil {
			// workers may wait indefinitely, they are off the edit path
			_ = d.sem.Acquire(context.Background())
			defer d.sem.Release()
		}
		return d.sendOnce(evt)
	}
	retrying := func(err error, wait time.Duration) {
		d.log.Debug().Err(err).Str("op", evt.OperationID).Dur("wait", wait).Msg("kafka send failed, retrying")
	}
	if err := backoff.RetryNotify(send, d.newBackOff(), retrying); err != nil {
		d.log.Error().Err(err).
			Str("doc", evt.DocumentID).
			Str("op", evt.OperationID).
			Uint64("version", evt.Version).
			Int("worker", workerID).
			Msg("kafka send failed, dropping event")
	}
}

func (d *KafkaDispatcher) sendOnce(evt DocOpEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return backoff.Permanent(err)
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.DocumentID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}

// NewSyncProducer builds the producer used by the dispatcher: all replicas
// acknowledge, keyed by document so one document stays on one partition.
func NewSyncProducer(brokers []string, clientID string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	return sarama.NewSyncProducer(brokers, cfg)
}
