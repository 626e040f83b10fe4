package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/paravirt/dh/internal/dherr"
)

// Header is the fixed-layout, little-endian header that precedes every
// packet payload except raw dirty-rectangle records.
type Header struct {
	Magic1 uint16
	Magic2 uint16
	Type   Type
	Length uint32 // payload length in bytes, excluding the footer
	_      uint32 // reserved
}

// Footer follows a packet's payload and carries the CRC over header||payload.
type Footer struct {
	CRC uint16
	_   uint16 // reserved
	_   uint32 // reserved
}

func validMagic(h Header) bool {
	return h.Magic1 == Magic1 && h.Magic2 == Magic2
}

// EncodeHeader writes h into a HeaderSize-byte buffer.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint16(buf[0:2], h.Magic1)
	binary.LittleEndian.PutUint16(buf[2:4], h.Magic2)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.Type))
	binary.LittleEndian.PutUint32(buf[8:12], h.Length)
	binary.LittleEndian.PutUint32(buf[12:16], 0)
	return buf
}

// DecodeHeader parses a HeaderSize-byte buffer into a Header. It does not
// validate magics; callers that need that check call validMagic or rely on
// Decode/the partial-read state machine to do so.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("decode header: %w", dherr.Protocol)
	}
	return Header{
		Magic1: binary.LittleEndian.Uint16(buf[0:2]),
		Magic2: binary.LittleEndian.Uint16(buf[2:4]),
		Type:   Type(binary.LittleEndian.Uint32(buf[4:8])),
		Length: binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}

// EncodeFooter writes f into a FooterSize-byte buffer.
func EncodeFooter(f Footer) []byte {
	buf := make([]byte, FooterSize)
	binary.LittleEndian.PutUint16(buf[0:2], f.CRC)
	binary.LittleEndian.PutUint16(buf[2:4], 0)
	binary.LittleEndian.PutUint32(buf[4:8], 0)
	return buf
}

// DecodeFooter parses a FooterSize-byte buffer into a Footer.
func DecodeFooter(buf []byte) (Footer, error) {
	if len(buf) < FooterSize {
		return Footer{}, fmt.Errorf("decode footer: %w", dherr.Protocol)
	}
	return Footer{CRC: binary.LittleEndian.Uint16(buf[0:2])}, nil
}

// Encode lays down a full packet: header, payload, footer. The CRC in the
// footer is computed over header||payload, per the data model invariant.
func Encode(t Type, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("encode %s: payload %d bytes exceeds max %d: %w",
			t, len(payload), MaxPayloadSize, dherr.Protocol)
	}

	header := EncodeHeader(Header{Magic1: Magic1, Magic2: Magic2, Type: t, Length: uint32(len(payload))})

	buf := make([]byte, 0, HeaderSize+len(payload)+FooterSize)
	buf = append(buf, header...)
	buf = append(buf, payload...)

	crc := Checksum(buf)
	buf = append(buf, EncodeFooter(Footer{CRC: crc})...)
	return buf, nil
}

// Decode parses a complete packet buffer (header+payload+footer), validating
// magics, length bounds, and the CRC. Decode(Encode(t, p)) always reproduces
// t and p.
func Decode(buf []byte) (Type, []byte, error) {
	if len(buf) < HeaderSize+FooterSize {
		return 0, nil, fmt.Errorf("decode: packet too short: %w", dherr.Protocol)
	}

	header, err := DecodeHeader(buf[:HeaderSize])
	if err != nil {
		return 0, nil, err
	}
	if !validMagic(header) {
		return 0, nil, fmt.Errorf("decode: bad magic: %w", dherr.Protocol)
	}
	if int(header.Length) > len(buf)-HeaderSize-FooterSize {
		return 0, nil, fmt.Errorf("decode: length %d overruns buffer: %w", header.Length, dherr.Protocol)
	}
	if HeaderSize+int(header.Length)+FooterSize > MaxPacketSize {
		return 0, nil, fmt.Errorf("decode: packet exceeds %d bytes: %w", MaxPacketSize, dherr.Protocol)
	}

	payload := buf[HeaderSize : HeaderSize+int(header.Length)]
	footerStart := HeaderSize + int(header.Length)
	footer, err := DecodeFooter(buf[footerStart : footerStart+FooterSize])
	if err != nil {
		return 0, nil, err
	}

	want := Checksum(buf[:footerStart])
	if footer.CRC != want {
		return 0, nil, fmt.Errorf("decode %s: crc mismatch (got %#04x, want %#04x): %w",
			header.Type, footer.CRC, want, dherr.Protocol)
	}

	return header.Type, payload, nil
}
