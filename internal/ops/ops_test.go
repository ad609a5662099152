package ops

import (
	"testing"

	"caracaldb/internal/key"
)

func TestResponseCode_String(t *testing.T) {
	if UnsupportedOp.String() != "UNSUPPORTED_OP" {
		t.Fatalf("unexpected name %q", UnsupportedOp.String())
	}
	if ResponseCode(42).String() != "ResponseCode(42)" {
		t.Fatalf("unexpected name %q", ResponseCode(42).String())
	}
}

func TestRequest_CompareAndReply(t *testing.T) {
	a := NewGet(1, "a:1", key.FromString("x"))
	b := NewPut(2, "a:1", key.FromString("x"), []byte("v"))
	c := NewGet(1, "b:1", key.FromString("x"))

	if a.Compare(b) >= 0 || b.Compare(a) <= 0 {
		t.Fatalf("ids not ordered")
	}
	if a.Compare(c) >= 0 {
		t.Fatalf("origins not ordered")
	}
	if a.Compare(a) != 0 {
		t.Fatalf("request not equal to itself")
	}

	resp := b.Reply(Success)
	if resp.ID != 2 || resp.Origin != "a:1" || resp.Kind != KindPut || resp.Code != Success {
		t.Fatalf("unexpected reply %+v", resp)
	}
}
