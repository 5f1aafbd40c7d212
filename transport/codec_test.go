package transport

import (
	"testing"

	"github.com/asinka/asinka/wire"
)

func TestEventResponseRoundTrip(t *testing.T) {
	want := &EventResponse{Success: true, EventID: "evt-1"}
	b, err := want.marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got := new(EventResponse)
	if err := got.unmarshal(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if *got != *want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestHeartbeatRoundTrip(t *testing.T) {
	req := &HeartbeatRequest{SessionID: "s1", TimestampMS: -42}
	b, err := req.marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got := new(HeartbeatRequest)
	if err := got.unmarshal(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if *got != *req {
		t.Fatalf("got %+v, want %+v", got, req)
	}

	resp := &HeartbeatResponse{Success: true, ServerTimestampMS: 99}
	b, err = resp.marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	gotResp := new(HeartbeatResponse)
	if err := gotResp.unmarshal(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if *gotResp != *resp {
		t.Fatalf("got %+v, want %+v", gotResp, resp)
	}
}

func TestWireMessageWrappersRoundTrip(t *testing.T) {
	hreq := &HandshakeRequest{HandshakeRequest: wire.HandshakeRequest{AppID: "a"}}
	b, err := hreq.marshal()
	if err != nil {
		t.Fatalf("marshal handshake request: %v", err)
	}
	gotReq := new(HandshakeRequest)
	if err := gotReq.unmarshal(b); err != nil {
		t.Fatalf("unmarshal handshake request: %v", err)
	}
	if gotReq.AppID != "a" {
		t.Fatalf("unexpected app id: %q", gotReq.AppID)
	}

	sm := &SyncMessage{SyncMessage: wire.SyncMessage{
		Kind:   wire.SyncDelete,
		Delete: &wire.ObjectDelete{ObjectID: "obj-1"},
	}}
	b, err = sm.marshal()
	if err != nil {
		t.Fatalf("marshal sync message: %v", err)
	}
	gotSM := new(SyncMessage)
	if err := gotSM.unmarshal(b); err != nil {
		t.Fatalf("unmarshal sync message: %v", err)
	}
	if gotSM.Kind != wire.SyncDelete || gotSM.Delete.ObjectID != "obj-1" {
		t.Fatalf("unexpected sync message: %+v", gotSM)
	}
}

func TestWireCodecRejectsForeignType(t *testing.T) {
	c := wireCodec{}
	if _, err := c.Marshal(struct{}{}); err == nil {
		t.Fatalf("expected error marshaling a non-wireMessage value")
	}
	if err := c.Unmarshal(nil, struct{}{}); err == nil {
		t.Fatalf("expected error unmarshaling into a non-wireMessage value")
	}
}
