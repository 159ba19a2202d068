package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/qrelscope/qrelscope/internal/bus"
	"github.com/qrelscope/qrelscope/internal/config"
	"github.com/qrelscope/qrelscope/internal/pkg/logger"
)

func TestReplayJournalNeedsSharedBus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	j, err := bus.OpenJournal(path)
	if err != nil {
		t.Fatalf("OpenJournal() error = %v", err)
	}
	j.Append(bus.TopicCorpusCreated, bus.NewEvent(bus.TopicCorpusCreated, "store", nil))
	j.Close()

	for _, busType := range []string{"", "memory", "Memory"} {
		cmd := &cobra.Command{}
		var out bytes.Buffer
		cmd.SetOut(&out)
		err := replayJournal(cmd, config.BusConfig{Type: busType}, path, time.Time{}, logger.Discard())
		if err == nil || !strings.Contains(err.Error(), "shared bus") {
			t.Errorf("replayJournal(type %q) error = %v, want shared bus error", busType, err)
		}
		if out.Len() != 0 {
			t.Errorf("replayJournal(type %q) wrote %q", busType, out.String())
		}
	}
}

func TestReplayJournalUnknownBus(t *testing.T) {
	cmd := &cobra.Command{}
	err := replayJournal(cmd, config.BusConfig{Type: "carrier-pigeon"}, filepath.Join(t.TempDir(), "events.jsonl"), time.Time{}, logger.Discard())
	if err == nil {
		t.Fatal("replayJournal() with an unknown bus type should fail")
	}
}
