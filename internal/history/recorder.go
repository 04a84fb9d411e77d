// Package history records EventBus traffic as InfluxDB points so state
// changes, push events and livestream sessions can be charted over time.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"eufy-go-home/internal/coordinator"
)

var (
	ErrConnectionFailed = errors.New("influxdb: connection failed")
	ErrMissingBucket    = errors.New("influxdb: org and bucket are required")
)

const (
	connectTimeout = 10 * time.Second

	defaultBatchSize     = 100
	defaultFlushInterval = 10 // seconds
)

// Config describes the InfluxDB v2 target.
type Config struct {
	URL           string
	Token         string
	Org           string
	Bucket        string
	BatchSize     int
	FlushInterval int // seconds
}

// PointWriter is the non-blocking part of the InfluxDB write API.
type PointWriter interface {
	WritePoint(point *write.Point)
}

// Recorder turns EventBus events into points.
type Recorder struct {
	writer PointWriter
	logger *slog.Logger

	mu     sync.Mutex
	unsub  func()
	closer func()
}

// NewRecorder records through w. It does not subscribe to any bus.
func NewRecorder(w PointWriter, logger *slog.Logger) *Recorder {
	return &Recorder{writer: w, logger: logger.With("component", "history")}
}

// Connect pings the server and returns a recorder backed by a batching
// write API. Write failures are logged asynchronously.
func Connect(cfg Config, logger *slog.Logger) (*Recorder, error) {
	if cfg.Org == "" || cfg.Bucket == "" {
		return nil, ErrMissingBucket
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	flush := cfg.FlushInterval
	if flush <= 0 {
		flush = defaultFlushInterval
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batch)).
			SetFlushInterval(uint(flush)*1000))

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	r := NewRecorder(writeAPI, logger)
	go func() {
		for err := range writeAPI.Errors() {
			r.logger.Warn("influxdb write failed", "err", err)
		}
	}()
	r.closer = func() {
		writeAPI.Flush()
		client.Close()
	}
	r.logger.Info("history connected", "url", cfg.URL, "bucket", cfg.Bucket)
	return r, nil
}

// Attach subscribes the recorder to every event on bus.
func (r *Recorder) Attach(bus *coordinator.EventBus) {
	unsub := bus.OnAll(r.Record)
	r.mu.Lock()
	r.unsub = unsub
	r.mu.Unlock()
}

// Record writes the point for event, if it has one.
func (r *Recorder) Record(event coordinator.Event) {
	p := PointFor(event, time.Now())
	if p == nil {
		return
	}
	r.writer.WritePoint(p)
}

// Close unsubscribes and flushes pending points.
func (r *Recorder) Close() {
	r.mu.Lock()
	unsub, closer := r.unsub, r.closer
	r.unsub, r.closer = nil, nil
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if closer != nil {
		closer()
	}
}
