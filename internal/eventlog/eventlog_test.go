package eventlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hqnet/reliagram/lalog"
)

func TestEmitAndRecent(t *testing.T) {
	sink, err := New(&lalog.Logger{ComponentName: "test"}, "")
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()

	sink.Emit(Record{Event: EventSent, Sequence: 1, SrcIP: "127.0.0.1", SrcPort: 9000, DstIP: "127.0.0.1", DstPort: 9001})
	sink.Emit(Record{Event: EventAcknowledged, Sequence: 1, Ack: 1, LatencyMS: 12})

	recent := sink.Recent(10)
	if len(recent) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recent))
	}
	if recent[0].Event != EventAcknowledged {
		t.Fatalf("expected most recent event first, got %+v", recent[0])
	}
}

func TestEmitWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson")
	sink, err := New(&lalog.Logger{ComponentName: "test"}, path)
	if err != nil {
		t.Fatal(err)
	}
	sink.Emit(Record{Event: EventDropped, Sequence: 3})
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}

	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(body) == 0 {
		t.Fatal("expected non-empty event log file")
	}
}

func TestRecentLimit(t *testing.T) {
	sink, err := New(&lalog.Logger{ComponentName: "test"}, "")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		sink.Emit(Record{Event: EventForwarded, Sequence: i})
	}
	if recent := sink.Recent(2); len(recent) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recent))
	}
}
