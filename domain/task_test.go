package domain

import (
	"strings"
	"testing"

	"github.com/bytedance/sonic"
)

func TestTaskMarshalIncludesZeroPosition(t *testing.T) {
	task := Task{ID: "t1", Name: "Title", StatusID: "todo", Position: 0}

	payload, err := sonic.Marshal(task)
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}

	if !strings.Contains(string(payload), "\"position\":0") {
		t.Fatalf("expected position field to be present, got %s", payload)
	}
}

func TestPendingUpdatePayloadOmitsStatusWithinGroup(t *testing.T) {
	payload, err := sonic.Marshal(PendingUpdate{ItemID: "a3", NewPosition: 2}.Payload())
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if string(payload) != `{"position":2}` {
		t.Fatalf("unexpected payload %s", payload)
	}

	group := "B"
	upd := PendingUpdate{ItemID: "a2", NewGroupID: &group, NewPosition: 2}.Payload()
	group = "mutated"
	if upd.StatusID == nil || *upd.StatusID != "B" {
		t.Fatalf("expected payload to own its status id, got %#v", upd.StatusID)
	}
}

func TestMoveClassification(t *testing.T) {
	same := Move{ItemID: "a", SourceGroupID: "A", SourceIndex: 1, Destination: &Destination{GroupID: "A", Index: 1}}
	if !same.IsNoop() || same.CrossGroup() {
		t.Fatalf("expected same-slot move to be a no-op")
	}
	cross := Move{ItemID: "a", SourceGroupID: "A", SourceIndex: 1, Destination: &Destination{GroupID: "B", Index: 1}}
	if cross.IsNoop() || !cross.CrossGroup() {
		t.Fatalf("expected cross group move")
	}
	dropped := Move{ItemID: "a", SourceGroupID: "A"}
	if dropped.IsNoop() || dropped.CrossGroup() {
		t.Fatalf("expected dropped move to be neither no-op nor cross group")
	}
}
