package recorder

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"gorm.io/gorm"

	"main/pkg/conn"
	"main/pkg/monitor"
)

const (
	defaultQueueSize     = 1024
	defaultBatchSize     = 64
	defaultFlushInterval = 5 * time.Second
)

var ErrNilDB = errors.New("recorder: nil db")

// Config controls the persistence sink behavior.
type Config struct {
	// QueueSize is the in-flight event buffer; full queues drop. Optional.
	QueueSize int
	// BatchSize is the insert batch threshold. Optional.
	BatchSize int
	// FlushInterval bounds how long a partial batch may wait. Optional.
	FlushInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	return c
}

// ConnectionEvent is the persisted form of a monitor history entry.
type ConnectionEvent struct {
	ID         uint      `gorm:"primaryKey"`
	Timestamp  time.Time `gorm:"index"`
	Kind       string    `gorm:"size:16;index"`
	Success    bool
	DurationMS int64
}

// TableName pins the table regardless of gorm naming strategy.
func (ConnectionEvent) TableName() string {
	return "connection_events"
}

func toModel(entry monitor.HistoryEntry) ConnectionEvent {
	return ConnectionEvent{
		Timestamp:  entry.Timestamp,
		Kind:       string(entry.Kind),
		Success:    entry.Success,
		DurationMS: entry.Duration.Milliseconds(),
	}
}

// Recorder persists connection lifecycle events in batches. Recording never
// blocks the connection path; the queue drops when the database falls behind.
type Recorder struct {
	cfg     Config
	db      *gorm.DB
	queue   chan ConnectionEvent
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	dropped atomic.Uint64
}

// New migrates the event table through the connector and starts the
// background writer.
func New(pg *conn.Client, config ...Config) (*Recorder, error) {
	if pg == nil || pg.DB() == nil {
		return nil, ErrNilDB
	}
	var cfg Config
	if len(config) != 0 {
		cfg = config[0]
	}
	cfg = cfg.withDefaults()

	if err := pg.AutoMigrate(&ConnectionEvent{}); err != nil {
		return nil, errors.Wrap(err, "migrate connection events")
	}

	r := &Recorder{
		cfg:   cfg,
		db:    pg.DB(),
		queue: make(chan ConnectionEvent, cfg.QueueSize),
		done:  make(chan struct{}),
	}
	r.wg.Add(1)
	go r.run()
	return r, nil
}

// Record enqueues one history entry. Non-blocking; returns false when the
// queue is full and the event was dropped.
func (r *Recorder) Record(entry monitor.HistoryEntry) bool {
	select {
	case r.queue <- toModel(entry):
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

// Dropped reports how many events were lost to a full queue.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Close drains the queue, writes the final batch and stops the writer.
func (r *Recorder) Close() {
	r.once.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]ConnectionEvent, 0, r.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := r.db.Create(&batch).Error; err != nil {
			logs.Errorf("recorder flush %d events, err: %+v", len(batch), err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-r.done:
			for {
				select {
				case ev := <-r.queue:
					batch = append(batch, ev)
					if len(batch) >= r.cfg.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		case ev := <-r.queue:
			batch = append(batch, ev)
			if len(batch) >= r.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
