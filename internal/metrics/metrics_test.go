package metrics

import (
	"testing"
	"time"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.IncExtraction("AUTO")
	m.AddProposals("created", 2)
	m.IncTransition("PENDING", "LINKED")
	m.IncImportGate("allowed")
	m.IncJob("reconcile_pass", "completed")
	m.ObservePass(time.Second)
	m.ObserveHTTP("GET /health", 200, time.Millisecond)

	snap := m.Snapshot()
	if snap.Passes != 0 || len(snap.ExtractionsByState) != 0 {
		t.Errorf("Snapshot() of nil metrics = %+v", snap)
	}
}

func TestSnapshot(t *testing.T) {
	m := New()
	m.IncExtraction("AUTO")
	m.IncExtraction("AUTO")
	m.IncExtraction("MANUAL")
	m.AddProposals("created", 3)
	m.AddProposals("auto_linked", 0)
	m.IncImportGate("blocked")
	m.ObservePass(120 * time.Millisecond)

	snap := m.Snapshot()
	if got := snap.ExtractionsByState["AUTO"]; got != 2 {
		t.Errorf("AUTO extractions = %v, want 2", got)
	}
	if got := snap.ExtractionsByState["MANUAL"]; got != 1 {
		t.Errorf("MANUAL extractions = %v, want 1", got)
	}
	if got := snap.ProposalsByOutcome["created"]; got != 3 {
		t.Errorf("created proposals = %v, want 3", got)
	}
	if got := snap.ProposalsByOutcome["auto_linked"]; got != 0 {
		t.Errorf("auto_linked proposals = %v, want 0", got)
	}
	if got := snap.ImportGate["blocked"]; got != 1 {
		t.Errorf("blocked = %v, want 1", got)
	}
	if snap.Passes != 1 {
		t.Errorf("Passes = %d, want 1", snap.Passes)
	}
}

func TestNewUsesPrivateRegistry(t *testing.T) {
	a, b := New(), New()
	a.IncExtraction("AUTO")
	if got := b.Snapshot().ExtractionsByState["AUTO"]; got != 0 {
		t.Errorf("second registry saw %v extractions, want 0", got)
	}
	families, err := a.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if len(families) == 0 {
		t.Error("Gather() returned no metric families")
	}
}
