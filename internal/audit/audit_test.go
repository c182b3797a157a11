package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestTrailAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "trades.jsonl")
	trail := New(path, zerolog.Nop())
	if trail == nil {
		t.Fatalf("New returned nil for non-empty path")
	}

	trail.Log(Event{Event: "decision", TokenID: "123", Side: "BUY", Price: "0.64", Edge: "0.031"})
	trail.Log(Event{Event: "order_ack", OrderID: "0xabc", Ok: true})
	if err := trail.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit file: %v", err)
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("line %d not valid JSON: %v", len(events)+1, err)
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("events=%d want 2", len(events))
	}
	if events[0].Event != "decision" || events[0].Price != "0.64" {
		t.Fatalf("first event=%+v want decision at 0.64", events[0])
	}
	if events[0].TsMs == 0 {
		t.Fatalf("TsMs not stamped")
	}
	if events[1].OrderID != "0xabc" || !events[1].Ok {
		t.Fatalf("second event=%+v want ack for 0xabc", events[1])
	}
}

func TestTrailNilAndDisabled(t *testing.T) {
	if trail := New("   ", zerolog.Nop()); trail != nil {
		t.Fatalf("New with blank path = %v, want nil", trail)
	}

	var trail *Trail
	trail.Log(Event{Event: "decision"}) // must not panic
	if err := trail.Close(); err != nil {
		t.Fatalf("nil Close: %v", err)
	}
}
