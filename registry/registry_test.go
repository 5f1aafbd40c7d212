package registry

import (
	"testing"
	"time"

	"github.com/asinka/asinka/wire"
)

func taskObject(id string, version uint32, title string) Object {
	return Object{
		ID:       id,
		TypeName: "Task",
		Version:  version,
		Fields: map[string]wire.Value{
			"title":     wire.StringValue(title),
			"completed": wire.BoolValue(false),
		},
	}
}

func TestRegisterGet(t *testing.T) {
	r := New(nil)
	r.Register(taskObject("t1", 1, "buy milk"))
	obj, ok := r.Get("t1")
	if !ok {
		t.Fatalf("expected object to be present")
	}
	if obj.Version != 1 || obj.Fields["title"].Str != "buy milk" {
		t.Fatalf("unexpected object: %+v", obj)
	}
}

func TestUpdateBumpsVersionAndIsNoopWhenUnknown(t *testing.T) {
	r := New(nil)
	r.Update("missing", map[string]wire.Value{"x": wire.StringValue("y")})
	if _, ok := r.Get("missing"); ok {
		t.Fatalf("expected update on unknown id to remain a no-op")
	}

	r.Register(taskObject("t1", 1, "buy milk"))
	r.Update("t1", map[string]wire.Value{"completed": wire.BoolValue(true)})
	obj, _ := r.Get("t1")
	if obj.Version != 2 {
		t.Fatalf("expected version 2, got %d", obj.Version)
	}
	if !obj.Fields["completed"].Bool {
		t.Fatalf("expected completed=true")
	}
	if obj.Fields["title"].Str != "buy milk" {
		t.Fatalf("expected untouched field preserved")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	r := New(nil)
	r.Register(taskObject("t1", 1, "buy milk"))
	ch, cancel := r.ObserveAll()
	defer cancel()

	r.Delete("t1")
	select {
	case c := <-ch:
		if c.Kind != Deleted || c.ObjectID != "t1" {
			t.Fatalf("expected Deleted(t1), got %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for delete notification")
	}

	if _, ok := r.Get("t1"); ok {
		t.Fatalf("expected object removed")
	}

	r.Delete("t1") // second delete: no error, no panic, no emission
	select {
	case c := <-ch:
		t.Fatalf("expected no second emission, got %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestApplyRemoteUpdateVersionGate(t *testing.T) {
	r := New(nil)
	r.Register(taskObject("t1", 2, "buy milk"))
	ch, cancel := r.Observe("t1")
	defer cancel()
	// drain the Register emission
	<-ch

	r.ApplyRemoteUpdate(wire.ObjectUpdate{ObjectID: "t1", TypeName: "Task", Version: 2, Fields: map[string]wire.Value{"title": wire.StringValue("stale")}})
	select {
	case c := <-ch:
		t.Fatalf("expected equal version to be dropped silently, got %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
	obj, _ := r.Get("t1")
	if obj.Fields["title"].Str != "buy milk" {
		t.Fatalf("expected pre-state unchanged, got %+v", obj)
	}

	r.ApplyRemoteUpdate(wire.ObjectUpdate{ObjectID: "t1", TypeName: "Task", Version: 3, Fields: map[string]wire.Value{"title": wire.StringValue("bread")}})
	select {
	case c := <-ch:
		if c.Object.Version != 3 {
			t.Fatalf("expected version 3 update, got %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for accepted update")
	}
}

func TestApplyRemoteUpdateInsertsUnknownObject(t *testing.T) {
	r := New(nil)
	r.ApplyRemoteUpdate(wire.ObjectUpdate{ObjectID: "t9", TypeName: "Task", Version: 1, Fields: map[string]wire.Value{"title": wire.StringValue("new")}})
	obj, ok := r.Get("t9")
	if !ok || obj.Version != 1 {
		t.Fatalf("expected insert of unknown object, got %+v ok=%v", obj, ok)
	}
}

func TestApplyRemoteDeleteDropsUnknownSilently(t *testing.T) {
	r := New(nil)
	r.ApplyRemoteDelete(wire.ObjectDelete{ObjectID: "nope", TypeName: "Task"})
	if _, ok := r.Get("nope"); ok {
		t.Fatalf("unexpected object present")
	}
}

func TestObserveDoesNotReplayCurrentValue(t *testing.T) {
	r := New(nil)
	r.Register(taskObject("t1", 1, "buy milk"))
	ch, cancel := r.Observe("t1")
	defer cancel()

	select {
	case c := <-ch:
		t.Fatalf("expected no replay on subscribe, got %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPerObjectObserveIsSubsequenceOfGlobal(t *testing.T) {
	r := New(nil)
	all, cancelAll := r.ObserveAll()
	defer cancelAll()
	one, cancelOne := r.Observe("t1")
	defer cancelOne()

	r.Register(taskObject("t1", 1, "a"))
	r.Register(taskObject("t2", 1, "b"))
	r.Update("t1", map[string]wire.Value{"title": wire.StringValue("c")})

	var globalIDs []string
	for i := 0; i < 3; i++ {
		select {
		case c := <-all:
			globalIDs = append(globalIDs, c.ObjectID)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for global change %d", i)
		}
	}
	if globalIDs[0] != "t1" || globalIDs[1] != "t2" || globalIDs[2] != "t1" {
		t.Fatalf("unexpected global order: %v", globalIDs)
	}

	for i := 0; i < 2; i++ {
		select {
		case c := <-one:
			if c.ObjectID != "t1" {
				t.Fatalf("expected only t1 changes on filtered stream, got %+v", c)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for filtered change %d", i)
		}
	}
}

func TestCapacityDropIncrementsOnOverflow(t *testing.T) {
	r := New(nil)
	ch, cancel := r.ObserveAll()
	defer cancel()
	_ = ch // never drained, forcing overflow

	for i := 0; i < subscriberBufferSize+10; i++ {
		r.Register(taskObject("t1", uint32(i+1), "x"))
	}
	if r.DropCount() == 0 {
		t.Fatalf("expected drop count to be non-zero after overflowing the subscriber buffer")
	}
}
