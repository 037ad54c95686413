package klog

import "testing"

type recordingSink struct {
	lines []string
}

func (r *recordingSink) WriteLine(line string) { r.lines = append(r.lines, line) }

func TestThresholdFiltersBelowLevel(t *testing.T) {
	SetSink(nil)
	SetThreshold(Warn)
	defer SetThreshold(Info)

	Infof("should be dropped")
	Warnf("should be kept")

	lines := Dump(0)
	if len(lines) == 0 {
		t.Fatal("Dump returned nothing after a Warnf at or above threshold")
	}
	last := lines[len(lines)-1]
	if last != "[WARN] should be kept" {
		t.Fatalf("last line = %q, want %q", last, "[WARN] should be kept")
	}
}

func TestSinkReceivesOnlyAtOrAboveThreshold(t *testing.T) {
	sink := &recordingSink{}
	SetSink(sink)
	defer SetSink(nil)
	SetThreshold(Error)
	defer SetThreshold(Info)

	Warnf("dropped")
	Errorf("kept")

	if len(sink.lines) != 1 {
		t.Fatalf("sink got %d lines, want 1", len(sink.lines))
	}
	if sink.lines[0] != "[ERROR] kept" {
		t.Fatalf("sink line = %q, want %q", sink.lines[0], "[ERROR] kept")
	}
}

func TestDumpReturnsMostRecentMax(t *testing.T) {
	SetSink(nil)
	SetThreshold(Debug)
	defer SetThreshold(Info)

	for i := 0; i < 5; i++ {
		Debugf("line %d", i)
	}

	got := Dump(2)
	if len(got) != 2 {
		t.Fatalf("Dump(2) returned %d lines, want 2", len(got))
	}
	if got[0] != "[DEBUG] line 3" || got[1] != "[DEBUG] line 4" {
		t.Fatalf("Dump(2) = %v, want last two of lines 0..4", got)
	}
}

// TestDumpWrapsAroundRing exercises the ring buffer's wraparound once
// more records than ringSize have been written.
func TestDumpWrapsAroundRing(t *testing.T) {
	SetSink(nil)
	SetThreshold(Debug)
	defer SetThreshold(Info)

	total := ringSize + 10
	for i := 0; i < total; i++ {
		Debugf("line %d", i)
	}

	got := Dump(0)
	if len(got) != ringSize {
		t.Fatalf("Dump(0) after overflow returned %d lines, want %d", len(got), ringSize)
	}
	wantFirst := "[DEBUG] line 10"
	if got[0] != wantFirst {
		t.Fatalf("oldest retained line = %q, want %q", got[0], wantFirst)
	}
	wantLast := "[DEBUG] line " + itoa(total-1)
	if got[len(got)-1] != wantLast {
		t.Fatalf("newest retained line = %q, want %q", got[len(got)-1], wantLast)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
