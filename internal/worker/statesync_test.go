package worker

import (
	"context"
	"testing"
	"time"

	relay "github.com/keymux/keymux/internal"
	"github.com/keymux/keymux/internal/keystate"
	"github.com/keymux/keymux/internal/storage/sqlite"
)

func TestStateSyncFlushesPeriodically(t *testing.T) {
	t.Parallel()

	store, err := sqlite.New(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	state := keystate.New(store)
	hash := relay.HashKey("sk-a")
	state.RecordUse("g1", hash)

	w := NewStateSyncWorker(state, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		usage, err := store.ListKeyUsage(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if len(usage) == 1 && usage[0].UsageCount == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("usage never flushed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// State recorded after the last tick must reach storage via the final
	// drain flush.
	state.RecordUse("g1", hash)
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	usage, err := store.ListKeyUsage(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(usage) != 1 || usage[0].UsageCount != 2 {
		t.Errorf("usage after drain = %+v, want count 2", usage)
	}
}

func TestStateSyncDefaultInterval(t *testing.T) {
	t.Parallel()

	w := NewStateSyncWorker(nil, 0)
	if w.interval != stateSyncInterval {
		t.Errorf("interval = %v, want default", w.interval)
	}
}
