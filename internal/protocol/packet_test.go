package protocol

import "testing"

func TestMaxPayloadSizeInvariant(t *testing.T) {
	if HeaderSize+MaxPayloadSize+FooterSize != MaxPacketSize {
		t.Fatalf("header(%d)+maxpayload(%d)+footer(%d) != maxpacket(%d)",
			HeaderSize, MaxPayloadSize, FooterSize, MaxPacketSize)
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	if _, err := Encode(SetDisplay, make([]byte, MaxPayloadSize)); err != nil {
		t.Fatalf("max-size payload should be accepted: %v", err)
	}
	if _, err := Encode(SetDisplay, make([]byte, MaxPayloadSize+1)); err == nil {
		t.Fatal("expected rejection of payload one byte over the max")
	}
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	if _, _, err := Decode(make([]byte, HeaderSize)); err == nil {
		t.Fatal("expected error decoding a buffer shorter than header+footer")
	}
}

func TestDecodeRejectsLengthOverrun(t *testing.T) {
	packet, err := Encode(SetDisplay, []byte{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Claim a longer payload than the buffer actually carries.
	header, _ := DecodeHeader(packet[:HeaderSize])
	header.Length = 1000
	bad := append(EncodeHeader(header), packet[HeaderSize:]...)
	if _, _, err := Decode(bad); err == nil {
		t.Fatal("expected error for length overrunning the buffer")
	}
}

func TestPacketTypeRanges(t *testing.T) {
	control := []Type{DriverCapabilities, HostDisplayList, AdvertisedDisplayList, AddDisplay, RemoveDisplay, DisplayNoLongerAvailable, TextMode}
	for _, typ := range control {
		if !typ.IsControl() || typ.IsEvent() {
			t.Errorf("%s should be in the control range", typ)
		}
	}

	event := []Type{SetDisplay, UpdateCursor, MoveCursor, BlankDisplay}
	for _, typ := range event {
		if !typ.IsEvent() || typ.IsControl() {
			t.Errorf("%s should be in the event range", typ)
		}
	}
}
