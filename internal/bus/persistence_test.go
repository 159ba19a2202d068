package bus

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/qrelscope/qrelscope/internal/config"
)

func TestJournalAppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "events.jsonl")

	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("OpenJournal() error = %v", err)
	}

	first := NewEvent(TopicCorpusCreated, "store", map[string]any{"corpus_name": "c1"})
	second := NewEvent(TopicDatasetCreated, "store", nil)
	if err := j.Append(TopicCorpusCreated, first); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := j.Append(TopicDatasetCreated, second); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	entries, err := j.Entries(time.Time{}, 0)
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	if len(entries) != 2 || entries[0].Event.ID != first.ID || entries[1].Topic != TopicDatasetCreated {
		t.Fatalf("entries = %+v", entries)
	}

	limited, _ := j.Entries(time.Time{}, 1)
	if len(limited) != 1 {
		t.Errorf("Entries(limit 1) returned %d", len(limited))
	}

	future, _ := j.Entries(time.Now().Add(time.Hour), 0)
	if len(future) != 0 {
		t.Errorf("Entries(future) returned %d, want 0", len(future))
	}

	if err := j.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := j.Append(TopicCorpusCreated, first); err == nil {
		t.Error("Append() after Close should fail")
	}

	// reopening appends
	j2, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer j2.Close()
	j2.Append(TopicCorpusRemoved, NewEvent(TopicCorpusRemoved, "store", nil))
	all, _ := ReadJournal(path, time.Time{}, 0)
	if len(all) != 3 {
		t.Errorf("entries after reopen = %d, want 3", len(all))
	}
}

func TestReadJournalSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	content := `{"event":{"id":"a"},"topic":"corpus.created","timestamp":"2024-01-01T00:00:00Z"}
garbage
{"event":{"id":"b"},"topic":"corpus.removed","timestamp":"2024-01-02T00:00:00Z"}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	entries, err := ReadJournal(path, time.Time{}, 0)
	if err != nil {
		t.Fatalf("ReadJournal() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}

	since := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	later, _ := ReadJournal(path, since, 0)
	if len(later) != 1 || later[0].Event.ID != "b" {
		t.Errorf("entries since %v = %+v", since, later)
	}

	missing, err := ReadJournal(filepath.Join(t.TempDir(), "none.jsonl"), time.Time{}, 0)
	if err != nil || len(missing) != 0 {
		t.Errorf("ReadJournal(missing) = %v, %v", missing, err)
	}
}

func TestJournalReplay(t *testing.T) {
	j, err := OpenJournal(filepath.Join(t.TempDir(), "events.jsonl"))
	if err != nil {
		t.Fatalf("OpenJournal() error = %v", err)
	}
	defer j.Close()

	for _, topic := range []string{TopicCorpusCreated, TopicDocumentsAdded} {
		j.Append(topic, NewEvent(topic, "store", nil))
	}

	target := NewMemoryBus(nil)
	defer target.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var replayed []string
	SubscribeAll(context.Background(), target, MutationTopics, func(ctx context.Context, event Event) error {
		mu.Lock()
		replayed = append(replayed, event.Type)
		mu.Unlock()
		wg.Done()
		return nil
	})

	wg.Add(2)
	n, err := j.Replay(context.Background(), target, time.Time{})
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Replay() = %d, want 2", n)
	}
	waitGroup(t, &wg)

	if len(replayed) != 2 {
		t.Errorf("replayed %v, want 2 events", replayed)
	}
}

func TestNewBusWithJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	b, err := NewBus(config.BusConfig{Type: "memory", EventLog: path}, nil)
	if err != nil {
		t.Fatalf("NewBus() error = %v", err)
	}

	jb, ok := b.(*JournaledBus)
	if !ok {
		t.Fatalf("NewBus() = %T, want *JournaledBus", b)
	}
	if jb.Journal().Path() != path {
		t.Errorf("journal path = %q", jb.Journal().Path())
	}

	if err := b.Publish(context.Background(), TopicQRelsAdded, NewEvent(TopicQRelsAdded, "store", nil)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	entries, _ := ReadJournal(path, time.Time{}, 0)
	if len(entries) != 1 || entries[0].Topic != TopicQRelsAdded {
		t.Errorf("journal entries = %+v", entries)
	}
}

func TestNewBusTypes(t *testing.T) {
	b, err := NewBus(config.BusConfig{Type: "memory"}, nil)
	if err != nil {
		t.Fatalf("NewBus(memory) error = %v", err)
	}
	if _, ok := b.(*MemoryBus); !ok {
		t.Errorf("NewBus(memory) = %T", b)
	}
	b.Close()

	if _, err := NewBus(config.BusConfig{Type: "kafka"}, nil); err == nil {
		t.Error("NewBus(kafka without brokers) should fail")
	}
	if _, err := NewBus(config.BusConfig{Type: "nats"}, nil); err == nil {
		t.Error("NewBus(unknown) should fail")
	}
}
