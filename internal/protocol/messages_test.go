package protocol

import (
	"reflect"
	"testing"
)

func roundTrip(t *testing.T, msg any) any {
	t.Helper()
	typ, payload, err := EncodePayload(msg)
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}

	packet, err := Encode(typ, payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	gotType, gotPayload, err := Decode(packet)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if gotType != typ {
		t.Fatalf("type = %s, want %s", gotType, typ)
	}

	decoded, err := DecodePayload(gotType, gotPayload)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	return decoded
}

func TestAddDisplayRoundTrip(t *testing.T) {
	original := &AddDisplayMsg{Key: 1, EventPort: 1100, FramebufferPort: 1101, DirtyRectPort: 1102, CursorPort: 1103}
	got := roundTrip(t, original)
	if !reflect.DeepEqual(got, original) {
		t.Fatalf("got %+v, want %+v", got, original)
	}
}

func TestSetDisplayRoundTrip(t *testing.T) {
	original := &SetDisplayMsg{Width: 1920, Height: 1080, Stride: 7680}
	got := roundTrip(t, original)
	if !reflect.DeepEqual(got, original) {
		t.Fatalf("got %+v, want %+v", got, original)
	}
}

func TestMoveCursorRoundTrip(t *testing.T) {
	original := &MoveCursorMsg{X: 42, Y: 99}
	got := roundTrip(t, original)
	if !reflect.DeepEqual(got, original) {
		t.Fatalf("got %+v, want %+v", got, original)
	}
}

func TestUpdateCursorRoundTrip(t *testing.T) {
	for _, visible := range []bool{true, false} {
		original := &UpdateCursorMsg{HotspotX: 3, HotspotY: 7, Visible: visible}
		got := roundTrip(t, original)
		if !reflect.DeepEqual(got, original) {
			t.Fatalf("got %+v, want %+v", got, original)
		}
	}
}

func TestBlankDisplayRoundTrip(t *testing.T) {
	for _, reason := range []BlankReason{ReasonSleep, ReasonWake, ReasonFillEnable, ReasonFillDisable} {
		original := &BlankDisplayMsg{Reason: reason}
		got := roundTrip(t, original)
		if !reflect.DeepEqual(got, original) {
			t.Fatalf("got %+v, want %+v", got, original)
		}
	}
}

func TestBlankReasonTable(t *testing.T) {
	cases := []struct {
		dpms, blank bool
		want        BlankReason
	}{
		{true, true, ReasonSleep},
		{true, false, ReasonWake},
		{false, true, ReasonFillEnable},
		{false, false, ReasonFillDisable},
	}
	for _, c := range cases {
		if got := BlankReasonFor(c.dpms, c.blank); got != c.want {
			t.Errorf("BlankReasonFor(%v, %v) = %v, want %v", c.dpms, c.blank, got, c.want)
		}
	}
}

func TestDirtyRectRoundTrip(t *testing.T) {
	original := DirtyRect{X: 10, Y: 10, W: 100, H: 100}
	buf := EncodeDirtyRect(original)
	if len(buf) != DirtyRectRecordSize {
		t.Fatalf("encoded dirty rect is %d bytes, want %d", len(buf), DirtyRectRecordSize)
	}
	got, err := DecodeDirtyRect(buf)
	if err != nil {
		t.Fatalf("DecodeDirtyRect: %v", err)
	}
	if got != original {
		t.Fatalf("got %+v, want %+v", got, original)
	}
}

func TestDriverCapabilitiesExamplePayload(t *testing.T) {
	// Checks the documented 16-byte total payload contract isn't
	// accidentally narrowed: max_displays, version, capabilities, and a
	// trailing reserved word, each 4 bytes.
	original := &DriverCapabilitiesMsg{MaxDisplays: 4, Version: 0x00000001}
	typ, payload, err := EncodePayload(original)
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	if typ != DriverCapabilities {
		t.Fatalf("type = %s, want DRIVER_CAPABILITIES", typ)
	}
	if len(payload) != 16 {
		t.Fatalf("payload = %d bytes, want 16 (max_displays+version+capabilities+reserved)", len(payload))
	}

	packet, err := Encode(typ, payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	gotCRC := Checksum(packet[:len(packet)-FooterSize])
	footer, err := DecodeFooter(packet[len(packet)-FooterSize:])
	if err != nil {
		t.Fatalf("DecodeFooter: %v", err)
	}
	if footer.CRC != gotCRC {
		t.Fatalf("footer CRC %#04x != checksum(header||payload) %#04x", footer.CRC, gotCRC)
	}
}

func TestHostDisplayListRoundTrip(t *testing.T) {
	original := &HostDisplayListMsg{Displays: []DisplayInfo{
		{Key: 1, Width: 1920, Height: 1080},
		{Key: 2, Width: 1280, Height: 720},
	}}
	got := roundTrip(t, original)
	if !reflect.DeepEqual(got, original) {
		t.Fatalf("got %+v, want %+v", got, original)
	}
}

func TestZeroLengthPayloadRoundTrips(t *testing.T) {
	packet, err := Encode(RemoveDisplay, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	typ, payload, err := Decode(packet)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if typ != RemoveDisplay || len(payload) != 0 {
		t.Fatalf("got type=%s payload=%v", typ, payload)
	}
}

func TestOversizePayloadRejected(t *testing.T) {
	_, err := Encode(SetDisplay, make([]byte, MaxPayloadSize+1))
	if err == nil {
		t.Fatal("expected error for oversize payload")
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	packet, err := Encode(SetDisplay, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	packet[0] ^= 0xFF
	if _, _, err := Decode(packet); err == nil {
		t.Fatal("expected error for corrupted magic")
	}
}

func TestDecodeRejectsCRCFlip(t *testing.T) {
	packet, err := Encode(SetDisplay, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Flip a bit in the payload region, after the header.
	packet[HeaderSize] ^= 0x01
	if _, _, err := Decode(packet); err == nil {
		t.Fatal("expected error for corrupted payload")
	}
}
