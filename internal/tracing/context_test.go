package tracing

import (
	"context"
	"testing"
)

func TestNewTxnID(t *testing.T) {
	id1 := NewTxnID()
	id2 := NewTxnID()

	if id1 == "" {
		t.Error("NewTxnID returned empty string")
	}

	if id1 == id2 {
		t.Error("NewTxnID returned duplicate IDs")
	}
}

func TestNewTraceDefaults(t *testing.T) {
	tr := NewTrace("orchestrator")

	if tr.TxnID == "" {
		t.Fatal("expected a generated txn ID")
	}
	if tr.OriginTxnID != tr.TxnID {
		t.Errorf("root origin should equal txn ID, got %s vs %s", tr.OriginTxnID, tr.TxnID)
	}
	if tr.ParentTxnID != "" {
		t.Errorf("root trace should have no parent, got %s", tr.ParentTxnID)
	}
	if tr.CallPath != "orchestrator" {
		t.Errorf("expected call path orchestrator, got %s", tr.CallPath)
	}
	if !tr.IsRoot() {
		t.Error("root trace should report IsRoot")
	}
}

func TestNormalizePreservesProvidedFields(t *testing.T) {
	tr := Trace{TxnID: "txn-1", OriginTxnID: "origin-1", CallPath: "a->b"}.Normalize("b")

	if tr.TxnID != "txn-1" || tr.OriginTxnID != "origin-1" || tr.CallPath != "a->b" {
		t.Errorf("Normalize modified provided fields: %+v", tr)
	}
}

func TestNormalizeFillsDerivedFields(t *testing.T) {
	tr := Trace{TxnID: "txn-9"}.Normalize("worker")

	if tr.OriginTxnID != "txn-9" {
		t.Errorf("origin should default to txn ID, got %s", tr.OriginTxnID)
	}
	if tr.CallPath != "worker" {
		t.Errorf("call path should default to agent name, got %s", tr.CallPath)
	}
}

func TestChildTrace(t *testing.T) {
	parent := Trace{TxnID: "txn-p", OriginTxnID: "txn-root", CallPath: "root->mid"}
	child := parent.Child("researcher")

	if child.TxnID == "" || child.TxnID == parent.TxnID {
		t.Errorf("child must get a fresh txn ID, got %s", child.TxnID)
	}
	if child.OriginTxnID != "txn-root" {
		t.Errorf("child must inherit origin, got %s", child.OriginTxnID)
	}
	if child.ParentTxnID != "txn-p" {
		t.Errorf("child parent should be spawner txn, got %s", child.ParentTxnID)
	}
	if child.CallPath != "root->mid->researcher" {
		t.Errorf("unexpected call path %s", child.CallPath)
	}
	if child.IsRoot() {
		t.Error("child trace should not report IsRoot")
	}
}

func TestContextRoundTrip(t *testing.T) {
	tr := Trace{
		TxnID:       "txn-1",
		OriginTxnID: "txn-0",
		ParentTxnID: "txn-parent",
		CallPath:    "root->child",
	}

	ctx := WithTrace(context.Background(), tr)
	got := FromContext(ctx)

	if got != tr {
		t.Errorf("expected %+v, got %+v", tr, got)
	}
}

func TestSessionKeyRoundTrip(t *testing.T) {
	ctx := WithSessionKey(context.Background(), "agent:telegram:42")

	if got := GetSessionKey(ctx); got != "agent:telegram:42" {
		t.Errorf("unexpected session key %s", got)
	}
}

func TestEmptyContext(t *testing.T) {
	tr := FromContext(context.Background())

	if tr.TxnID != "" || tr.OriginTxnID != "" || tr.ParentTxnID != "" || tr.CallPath != "" {
		t.Errorf("expected zero trace from empty context, got %+v", tr)
	}
}
