package usage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/nghyane/omnigate/internal/logging"
)

const (
	defaultBatchSize     = 100
	defaultFlushInterval = 5 * time.Second
	defaultRetentionDays = 30
	defaultQueueSize     = 1000
	cleanupInterval      = 24 * time.Hour
)

// store is the storage half of a backend; batchWriter owns the queues and
// background loops.
type store interface {
	writeRecords(ctx context.Context, records []Record) error
	writeAttempts(ctx context.Context, attempts []Attempt) error
	Cleanup(ctx context.Context, before time.Time) (int64, error)
}

type batchWriter struct {
	store         store
	records       chan Record
	attempts      chan Attempt
	stopChan      chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
	dropped       atomic.Int64
	batchSize     int
	flushInterval time.Duration
	retentionDays int
}

func newBatchWriter(s store, cfg BackendConfig) *batchWriter {
	w := &batchWriter{
		store:         s,
		stopChan:      make(chan struct{}),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		retentionDays: cfg.RetentionDays,
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultBatchSize
	}
	if w.flushInterval <= 0 {
		w.flushInterval = defaultFlushInterval
	}
	if w.retentionDays <= 0 {
		w.retentionDays = defaultRetentionDays
	}
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = defaultQueueSize
	}
	w.records = make(chan Record, queue)
	w.attempts = make(chan Attempt, queue)
	return w
}

func (w *batchWriter) Enqueue(record Record) {
	if w == nil {
		return
	}
	select {
	case w.records <- record:
	default:
		w.dropped.Add(1)
		log.Warnf("Usage persistence queue full, dropping record for %s/%s", record.Provider, record.Model)
	}
}

func (w *batchWriter) EnqueueAttempt(attempt Attempt) {
	if w == nil {
		return
	}
	select {
	case w.attempts <- attempt:
	default:
		w.dropped.Add(1)
		log.Debugf("Usage attempt queue full, dropping attempt %d of %s", attempt.Number, attempt.RequestID)
	}
}

func (w *batchWriter) Dropped() int64 {
	if w == nil {
		return 0
	}
	return w.dropped.Load()
}

// Flush drains both queues synchronously.
func (w *batchWriter) Flush(ctx context.Context) error {
	if w == nil {
		return nil
	}
	records := make([]Record, 0, w.batchSize)
	attempts := make([]Attempt, 0, w.batchSize)
	for {
		select {
		case r := <-w.records:
			records = append(records, r)
			if len(records) >= w.batchSize {
				if err := w.store.writeRecords(ctx, records); err != nil {
					return err
				}
				records = records[:0]
			}
		case a := <-w.attempts:
			attempts = append(attempts, a)
			if len(attempts) >= w.batchSize {
				if err := w.store.writeAttempts(ctx, attempts); err != nil {
					return err
				}
				attempts = attempts[:0]
			}
		default:
			if len(records) > 0 {
				if err := w.store.writeRecords(ctx, records); err != nil {
					return err
				}
			}
			if len(attempts) > 0 {
				return w.store.writeAttempts(ctx, attempts)
			}
			return nil
		}
	}
}

func (w *batchWriter) start() {
	w.wg.Add(2)
	go w.writeLoop()
	go w.cleanupLoop()
}

// stop signals the loops and waits for the final flush.
func (w *batchWriter) stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.wg.Wait()
	})
}

func (w *batchWriter) writeLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	records := make([]Record, 0, w.batchSize)
	attempts := make([]Attempt, 0, w.batchSize)

	flush := func() {
		if len(records) == 0 && len(attempts) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if len(records) > 0 {
			if err := w.store.writeRecords(ctx, records); err != nil {
				log.Errorf("Failed to write usage batch: %v", err)
			}
			records = records[:0]
		}
		if len(attempts) > 0 {
			if err := w.store.writeAttempts(ctx, attempts); err != nil {
				log.Errorf("Failed to write attempt batch: %v", err)
			}
			attempts = attempts[:0]
		}
	}

	for {
		select {
		case r := <-w.records:
			records = append(records, r)
			if len(records) >= w.batchSize {
				flush()
			}
		case a := <-w.attempts:
			attempts = append(attempts, a)
			if len(attempts) >= w.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.stopChan:
			for {
				select {
				case r := <-w.records:
					records = append(records, r)
				case a := <-w.attempts:
					attempts = append(attempts, a)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *batchWriter) cleanupLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.cleanup()
		case <-w.stopChan:
			return
		}
	}
}

func (w *batchWriter) cleanup() {
	cutoff := time.Now().AddDate(0, 0, -w.retentionDays)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	deleted, err := w.store.Cleanup(ctx, cutoff)
	if err != nil {
		log.Errorf("Failed to cleanup old usage records: %v", err)
	} else if deleted > 0 {
		log.Infof("Cleaned up %d usage rows older than %d days", deleted, w.retentionDays)
	}
}
