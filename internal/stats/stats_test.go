package stats

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestIncrementsAccumulate(t *testing.T) {
	st := New()
	st.IncRegisteredUsers()
	st.IncRegisteredUsers()
	st.IncOnline()
	st.IncDeliveredMessages()
	st.IncUndeliveredMessages()
	st.IncDeliveredFiles()
	st.IncUndeliveredFiles()
	st.IncErrors()

	snap := st.Snapshot()
	if snap.RegisteredUsers != 2 {
		t.Errorf("RegisteredUsers = %d, want 2", snap.RegisteredUsers)
	}
	if snap.Online != 1 || snap.DeliveredMessages != 1 || snap.UndeliveredMessages != 1 ||
		snap.DeliveredFiles != 1 || snap.UndeliveredFiles != 1 || snap.Errors != 1 {
		t.Errorf("snapshot = %+v, want all remaining counters at 1", snap)
	}
}

func TestDecNeverGoesNegative(t *testing.T) {
	st := New()
	st.DecRegisteredUsers()
	st.DecOnline()
	snap := st.Snapshot()
	if snap.RegisteredUsers != 0 || snap.Online != 0 {
		t.Errorf("snapshot = %+v, want both zero", snap)
	}
}

func TestDecAfterIncReturnsToZero(t *testing.T) {
	st := New()
	st.IncOnline()
	st.IncOnline()
	st.DecOnline()
	st.DecOnline()
	st.DecOnline()
	if got := st.Snapshot().Online; got != 0 {
		t.Errorf("Online = %d, want 0", got)
	}
}

func TestDumpWritesSevenCountersPlusAux(t *testing.T) {
	st := New()
	st.IncRegisteredUsers()
	st.IncOnline()
	var buf bytes.Buffer
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	aux := Aux{OldestRegistered: now, MostRecentSeen: now, CPUPercent: 12.5, RSSMB: 128}
	if err := st.Dump(&buf, now, aux); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	line := buf.String()
	fields := strings.Fields(line)
	if len(fields) != 12 {
		t.Fatalf("Dump line has %d fields, want 12 (timestamp + 7 counters + 4 aux fields): %q", len(fields), line)
	}
	if !strings.HasSuffix(line, "\n") {
		t.Error("Dump line missing trailing newline")
	}
}

func TestDumpWritesDashForZeroAuxTimes(t *testing.T) {
	st := New()
	var buf bytes.Buffer
	now := time.Now().UTC()
	if err := st.Dump(&buf, now, Aux{}); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	fields := strings.Fields(buf.String())
	if fields[8] != "-" || fields[9] != "-" {
		t.Errorf("zero aux times = %q/%q, want \"-\"/\"-\"", fields[8], fields[9])
	}
}

func TestDumpIsAppendOnly(t *testing.T) {
	st := New()
	var buf bytes.Buffer
	now := time.Now().UTC()
	st.Dump(&buf, now, Aux{})
	st.IncErrors()
	st.Dump(&buf, now, Aux{})
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2 appended dumps", len(lines))
	}
}

func TestConcurrentIncrementsAreRaceFree(t *testing.T) {
	st := New()
	var wg sync.WaitGroup
	const n = 100
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st.IncDeliveredMessages()
		}()
	}
	wg.Wait()
	if got := st.Snapshot().DeliveredMessages; got != n {
		t.Errorf("DeliveredMessages = %d, want %d", got, n)
	}
}
