package metrics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

type staticStats struct {
	stats MailingStats
}

func (s staticStats) MailingStats(ctx context.Context) (*MailingStats, error) {
	return &s.stats, nil
}

func openBolt(t *testing.T) (*bolt.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, path
}

func TestCollectorPersistence(t *testing.T) {
	db, path := openBolt(t)

	m := New()
	c, err := NewCollector(db, m, nil, path, time.Hour)
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	m.MessagesSentTotal.WithLabelValues("tt_address").Add(3)
	m.MessagesFailedTotal.WithLabelValues("fe_users", "permanent").Inc()
	m.RecipientsDeactivatedTotal.Add(2)
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	// a fresh process restores the totals
	restored := New()
	if _, err := NewCollector(db, restored, nil, path, time.Hour); err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	if got := counterValue(t, restored.MessagesSentTotal.WithLabelValues("tt_address")); got != 3 {
		t.Errorf("sent = %v, want 3", got)
	}
	if got := counterValue(t, restored.MessagesFailedTotal.WithLabelValues("fe_users", "permanent")); got != 1 {
		t.Errorf("failed = %v, want 1", got)
	}
	if got := counterValue(t, restored.RecipientsDeactivatedTotal); got != 2 {
		t.Errorf("deactivated = %v, want 2", got)
	}
}

func TestCollectorSystemMetrics(t *testing.T) {
	db, path := openBolt(t)

	m := New()
	c, err := NewCollector(db, m, staticStats{MailingStats{Scheduled: 2, Sending: 1}}, path, time.Hour)
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	c.collectSystemMetrics(context.Background())

	if got := gaugeValue(t, m.MailingsScheduled); got != 2 {
		t.Errorf("scheduled = %v, want 2", got)
	}
	if got := gaugeValue(t, m.MailingsSending); got != 1 {
		t.Errorf("sending = %v, want 1", got)
	}
	if got := gaugeValue(t, m.StorageUsedBytes); got <= 0 {
		t.Errorf("storage = %v, want > 0", got)
	}
}

func TestCollectorStartStop(t *testing.T) {
	db, path := openBolt(t)

	c, err := NewCollector(db, New(), nil, path, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	c.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	// second stop only persists again
	if err := c.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
}

func TestLabelKeyHelpers(t *testing.T) {
	key := makeLabelKey([]string{"fe_users", "permanent"})
	if key != "fe_users|permanent" {
		t.Errorf("makeLabelKey() = %q", key)
	}

	tests := []struct {
		key  string
		n    int
		want []string
	}{
		{"fe_users|permanent", 2, []string{"fe_users", "permanent"}},
		{"tt_address", 2, []string{"tt_address", ""}},
		{"", 0, nil},
	}
	for _, tt := range tests {
		got := splitLabelKey(tt.key, tt.n)
		if len(got) != len(tt.want) {
			t.Errorf("splitLabelKey(%q, %d) = %v, want %v", tt.key, tt.n, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("splitLabelKey(%q, %d) = %v, want %v", tt.key, tt.n, got, tt.want)
			}
		}
	}
}
