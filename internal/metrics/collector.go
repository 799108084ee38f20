package metrics

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	bolt "go.etcd.io/bbolt"
)

// MailingStats contains mailing counts for the status gauges
type MailingStats struct {
	Scheduled int
	Sending   int
}

// MailingStatsProvider provides mailing counts for metrics
type MailingStatsProvider interface {
	MailingStats(ctx context.Context) (*MailingStats, error)
}

var (
	bucketMetrics = []byte("metrics")
	countersKey   = []byte("counters")
)

// persisted maps metric name to label key to value
type persisted map[string]map[string]float64

// Collector persists counters across restarts and updates the system gauges
type Collector struct {
	db            *bolt.DB
	metrics       *Metrics
	stats         MailingStatsProvider
	storagePath   string
	flushInterval time.Duration
	startTime     time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCollector creates a collector and restores previously persisted counters
func NewCollector(db *bolt.DB, m *Metrics, stats MailingStatsProvider, storagePath string, flushInterval time.Duration) (*Collector, error) {
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetrics)
		return err
	})
	if err != nil {
		return nil, err
	}

	c := &Collector{
		db:            db,
		metrics:       m,
		stats:         stats,
		storagePath:   storagePath,
		flushInterval: flushInterval,
		startTime:     time.Now(),
		stopCh:        make(chan struct{}),
	}

	if err := c.loadCounters(); err != nil {
		return nil, err
	}
	return c, nil
}

// Start begins the collector background tasks
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(2)
	go c.persistLoop(ctx)
	go c.updateSystemMetrics(ctx)
}

// Stop stops the collector and persists final values
func (c *Collector) Stop() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return c.persistCounters()
}

// counters lists the counters whose values survive restarts, by metric name
func (c *Collector) counters() map[string]counterVec {
	m := c.metrics
	return map[string]counterVec{
		"newsmail_messages_sent_total":          {vec: m.MessagesSentTotal, labels: []string{"source"}},
		"newsmail_messages_failed_total":        {vec: m.MessagesFailedTotal, labels: []string{"source", "error_type"}},
		"newsmail_messages_skipped_total":       {vec: m.MessagesSkippedTotal, labels: []string{"source"}},
		"newsmail_batches_total":                {vec: m.BatchesTotal, labels: []string{"result"}},
		"newsmail_jump_requests_total":          {vec: m.JumpRequestsTotal, labels: []string{"type"}},
		"newsmail_bounces_total":                {vec: m.BouncesTotal, labels: []string{"reason"}},
		"newsmail_recipients_deactivated_total": {single: m.RecipientsDeactivatedTotal},
	}
}

// loadCounters adds persisted counter values to the fresh registry
func (c *Collector) loadCounters() error {
	return c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}
		data := bucket.Get(countersKey)
		if data == nil {
			return nil
		}

		var saved persisted
		if err := json.Unmarshal(data, &saved); err != nil {
			return nil // Skip invalid data
		}

		known := c.counters()
		for name, values := range saved {
			vec, ok := known[name]
			if !ok {
				continue
			}
			for key, v := range values {
				labels := splitLabelKey(key, len(vec.labelNames()))
				vec.add(labels, v)
			}
		}
		return nil
	})
}

// persistCounters snapshots counter values from the registry into BoltDB
func (c *Collector) persistCounters() error {
	families, err := c.metrics.Registry().Gather()
	if err != nil {
		return err
	}

	known := c.counters()
	snapshot := persisted{}
	for _, mf := range families {
		vec, ok := known[mf.GetName()]
		if !ok {
			continue
		}
		values := map[string]float64{}
		for _, metric := range mf.GetMetric() {
			byName := map[string]string{}
			for _, lp := range metric.GetLabel() {
				byName[lp.GetName()] = lp.GetValue()
			}
			labels := make([]string, 0, len(vec.labelNames()))
			for _, name := range vec.labelNames() {
				labels = append(labels, byName[name])
			}
			values[makeLabelKey(labels)] = metric.GetCounter().GetValue()
		}
		snapshot[mf.GetName()] = values
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}
		return bucket.Put(countersKey, data)
	})
}

// persistLoop periodically persists counter values
func (c *Collector) persistLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.persistCounters()
		}
	}
}

// updateSystemMetrics periodically updates system gauges
func (c *Collector) updateSystemMetrics(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collectSystemMetrics(ctx)
		}
	}
}

func (c *Collector) collectSystemMetrics(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.stats != nil {
		stats, err := c.stats.MailingStats(ctx)
		if err == nil {
			c.metrics.MailingsScheduled.Set(float64(stats.Scheduled))
			c.metrics.MailingsSending.Set(float64(stats.Sending))
		}
	}
}

// counterVec is either a labelled vector or a single counter
type counterVec struct {
	vec    *prometheus.CounterVec
	single prometheus.Counter
	labels []string
}

func (v counterVec) labelNames() []string { return v.labels }

func (v counterVec) add(labels []string, value float64) {
	if v.vec != nil {
		v.vec.WithLabelValues(labels...).Add(value)
		return
	}
	v.single.Add(value)
}

func makeLabelKey(labels []string) string {
	return strings.Join(labels, "|")
}

// splitLabelKey splits key into n label values. Missing values are empty.
func splitLabelKey(key string, n int) []string {
	if n == 0 {
		return nil
	}
	parts := strings.SplitN(key, "|", n)
	for len(parts) < n {
		parts = append(parts, "")
	}
	return parts
}
