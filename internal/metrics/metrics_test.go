package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestSnapshotReflectsCounters(t *testing.T) {
	var c Counters
	c.SentLocal.Add(2)
	c.Retries.Add(5)
	c.DeadLettered.Add(1)

	snap := c.Snapshot()
	if snap.SentLocal != 2 || snap.Retries != 5 || snap.DeadLettered != 1 {
		t.Fatalf("snapshot mismatch: %+v", snap)
	}
	if snap.Timestamp == 0 {
		t.Fatal("snapshot missing timestamp")
	}
}

func TestWriteSnapshot(t *testing.T) {
	var c Counters
	c.InboundAccepted.Add(3)
	path := filepath.Join(t.TempDir(), "metrics.json")
	if err := c.WriteSnapshot(path); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.InboundAccepted != 3 {
		t.Fatalf("counter lost: %+v", snap)
	}
}
