package store

import (
	"strings"
	"testing"
)

func TestCampaignStateValidity(t *testing.T) {
	valid := []CampaignState{
		CampaignCreated, CampaignSyncing, CampaignRunning,
		CampaignPaused, CampaignCompleted, CampaignFailed,
	}
	for _, s := range valid {
		if !s.IsValid() {
			t.Errorf("%q should be valid", s)
		}
	}
	if CampaignState("cancelled").IsValid() {
		t.Error("unknown state should be invalid")
	}
}

func TestCampaignStateTerminal(t *testing.T) {
	if !CampaignCompleted.IsTerminal() || !CampaignFailed.IsTerminal() {
		t.Error("completed and failed are terminal")
	}
	if CampaignRunning.IsTerminal() || CampaignPaused.IsTerminal() {
		t.Error("running and paused are not terminal")
	}
}

func TestQueuedRunStateValidity(t *testing.T) {
	for _, s := range []QueuedRunState{QueuedRunQueued, QueuedRunProcessing, QueuedRunDone, QueuedRunFailed} {
		if !s.IsValid() {
			t.Errorf("%q should be valid", s)
		}
	}
	if QueuedRunState("pending").IsValid() {
		t.Error("unknown state should be invalid")
	}
}

func TestToolKindValidity(t *testing.T) {
	for _, k := range []ToolKind{ToolHTTP, ToolEndCall, ToolTransferCall, ToolKnowledgeBase} {
		if !k.IsValid() {
			t.Errorf("%q should be valid", k)
		}
	}
	if ToolKind("mcp").IsValid() {
		t.Error("unknown kind should be invalid")
	}
}

func TestQualifyRunColumns(t *testing.T) {
	got := qualifyRunColumns()
	if !strings.HasPrefix(got, "r.id") {
		t.Errorf("first column not qualified: %s", got[:20])
	}
	if strings.Contains(got, " r.\n") || strings.Contains(got, "r.r.") {
		t.Errorf("malformed qualification: %s", got)
	}
	for _, col := range []string{"r.public_access_token", "r.duration_seconds", "r.completed_at"} {
		if !strings.Contains(got, col) {
			t.Errorf("missing %s in %s", col, got)
		}
	}
}
