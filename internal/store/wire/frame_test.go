package wire

import "testing"

func TestFrameRoundTrip(t *testing.T) {
	val, err := EncodeValue(map[string]any{"status": "countdown", "startTimestamp": 1700000000000})
	if err != nil {
		t.Fatal(err)
	}
	in := &Frame{Op: OpCAS, Seq: 7, Path: "rooms/box/state", Value: val, Expected: nil}

	b, err := Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := Unmarshal(b)
	if err != nil {
		t.Fatal(err)
	}
	if out.Op != OpCAS || out.Seq != 7 || out.Path != in.Path {
		t.Fatalf("decoded %+v", out)
	}

	v, err := DecodeValue(out.Value)
	if err != nil {
		t.Fatal(err)
	}
	m := v.(map[string]any)
	if m["startTimestamp"] != float64(1700000000000) {
		t.Fatalf("startTimestamp = %v", m["startTimestamp"])
	}
}

func TestDecodeEmptyValue(t *testing.T) {
	v, err := DecodeValue(nil)
	if err != nil || v != nil {
		t.Fatalf("DecodeValue(nil) = %v, %v", v, err)
	}
}
