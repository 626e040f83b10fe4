package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/paravirt/dh/internal/dherr"
)

// DisplayInfo identifies one host physical display. Key uniquely identifies
// it for the lifetime of the connection.
type DisplayInfo struct {
	Key           uint32
	X, Y          uint32
	Width, Height uint32
}

const displayInfoSize = 20

func encodeDisplayInfo(buf []byte, d DisplayInfo) {
	binary.LittleEndian.PutUint32(buf[0:4], d.Key)
	binary.LittleEndian.PutUint32(buf[4:8], d.X)
	binary.LittleEndian.PutUint32(buf[8:12], d.Y)
	binary.LittleEndian.PutUint32(buf[12:16], d.Width)
	binary.LittleEndian.PutUint32(buf[16:20], d.Height)
}

func decodeDisplayInfo(buf []byte) DisplayInfo {
	return DisplayInfo{
		Key:    binary.LittleEndian.Uint32(buf[0:4]),
		X:      binary.LittleEndian.Uint32(buf[4:8]),
		Y:      binary.LittleEndian.Uint32(buf[8:12]),
		Width:  binary.LittleEndian.Uint32(buf[12:16]),
		Height: binary.LittleEndian.Uint32(buf[16:20]),
	}
}

// --- Control messages ---

// DriverCapabilitiesMsg is the provider's capability advertisement.
type DriverCapabilitiesMsg struct {
	MaxDisplays  uint32
	Version      uint32
	Capabilities uint32 // CapResize | CapHotplug
}

// HostDisplayListMsg is the consumer's list of physical displays.
type HostDisplayListMsg struct {
	Displays []DisplayInfo
}

// AdvertisedDisplayListMsg is the provider's echo of the displays it
// intends to create.
type AdvertisedDisplayListMsg struct {
	Displays []DisplayInfo
}

// AddDisplayMsg requests that the provider open the channels for one
// display. FramebufferPort and EventPort are required; DirtyRectPort and
// CursorPort are zero when the optional channels are not offered.
type AddDisplayMsg struct {
	Key             uint32
	EventPort       uint32
	FramebufferPort uint32
	DirtyRectPort   uint32
	CursorPort      uint32
}

// RemoveDisplayMsg asks the provider to tear a display down.
type RemoveDisplayMsg struct {
	Key uint32
}

// DisplayNoLongerAvailableMsg is the provider's teardown announcement.
type DisplayNoLongerAvailableMsg struct {
	Key uint32
}

// TextModeMsg reports a guest text-mode transition as a single flag.
type TextModeMsg struct {
	Force bool
}

// --- Event messages ---

// SetDisplayMsg announces a display's current geometry.
type SetDisplayMsg struct {
	Width, Height, Stride uint32
}

// UpdateCursorMsg announces a change to the cursor's hotspot, visibility,
// or bitmap. The bitmap itself travels over the cursor shared-memory
// channel, not in this message.
type UpdateCursorMsg struct {
	HotspotX, HotspotY uint32
	Visible            bool
}

// MoveCursorMsg announces a cursor position change.
type MoveCursorMsg struct {
	X, Y uint32
}

// BlankDisplayMsg announces a DPMS or fill-blank transition.
type BlankDisplayMsg struct {
	Reason BlankReason
}

// DirtyRect is a raw 16-byte damage record carried, without header or
// footer, on the dirty-rectangle channel.
type DirtyRect struct {
	X, Y, W, H uint32
}

// EncodeDirtyRect writes a DirtyRect into its raw 16-byte wire form.
func EncodeDirtyRect(r DirtyRect) []byte {
	buf := make([]byte, DirtyRectRecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], r.X)
	binary.LittleEndian.PutUint32(buf[4:8], r.Y)
	binary.LittleEndian.PutUint32(buf[8:12], r.W)
	binary.LittleEndian.PutUint32(buf[12:16], r.H)
	return buf
}

// DecodeDirtyRect parses a raw 16-byte dirty-rectangle record.
func DecodeDirtyRect(buf []byte) (DirtyRect, error) {
	if len(buf) < DirtyRectRecordSize {
		return DirtyRect{}, fmt.Errorf("decode dirty rect: %w", dherr.Protocol)
	}
	return DirtyRect{
		X: binary.LittleEndian.Uint32(buf[0:4]),
		Y: binary.LittleEndian.Uint32(buf[4:8]),
		W: binary.LittleEndian.Uint32(buf[8:12]),
		H: binary.LittleEndian.Uint32(buf[12:16]),
	}, nil
}

// EncodePayload renders a typed message into its packet type and raw
// payload bytes, ready for protocol.Encode.
func EncodePayload(msg any) (Type, []byte, error) {
	switch m := msg.(type) {
	case *DriverCapabilitiesMsg:
		buf := make([]byte, 16)
		binary.LittleEndian.PutUint32(buf[0:4], m.MaxDisplays)
		binary.LittleEndian.PutUint32(buf[4:8], m.Version)
		binary.LittleEndian.PutUint32(buf[8:12], m.Capabilities)
		return DriverCapabilities, buf, nil

	case *HostDisplayListMsg:
		return HostDisplayList, encodeDisplayInfoList(m.Displays), nil

	case *AdvertisedDisplayListMsg:
		return AdvertisedDisplayList, encodeDisplayInfoList(m.Displays), nil

	case *AddDisplayMsg:
		buf := make([]byte, 20)
		binary.LittleEndian.PutUint32(buf[0:4], m.Key)
		binary.LittleEndian.PutUint32(buf[4:8], m.EventPort)
		binary.LittleEndian.PutUint32(buf[8:12], m.FramebufferPort)
		binary.LittleEndian.PutUint32(buf[12:16], m.DirtyRectPort)
		binary.LittleEndian.PutUint32(buf[16:20], m.CursorPort)
		return AddDisplay, buf, nil

	case *RemoveDisplayMsg:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, m.Key)
		return RemoveDisplay, buf, nil

	case *DisplayNoLongerAvailableMsg:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, m.Key)
		return DisplayNoLongerAvailable, buf, nil

	case *TextModeMsg:
		buf := make([]byte, 4)
		if m.Force {
			buf[0] = 1
		}
		return TextMode, buf, nil

	case *SetDisplayMsg:
		buf := make([]byte, 12)
		binary.LittleEndian.PutUint32(buf[0:4], m.Width)
		binary.LittleEndian.PutUint32(buf[4:8], m.Height)
		binary.LittleEndian.PutUint32(buf[8:12], m.Stride)
		return SetDisplay, buf, nil

	case *UpdateCursorMsg:
		buf := make([]byte, 12)
		binary.LittleEndian.PutUint32(buf[0:4], m.HotspotX)
		binary.LittleEndian.PutUint32(buf[4:8], m.HotspotY)
		if m.Visible {
			binary.LittleEndian.PutUint32(buf[8:12], 1)
		}
		return UpdateCursor, buf, nil

	case *MoveCursorMsg:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint32(buf[0:4], m.X)
		binary.LittleEndian.PutUint32(buf[4:8], m.Y)
		return MoveCursor, buf, nil

	case *BlankDisplayMsg:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(m.Reason))
		return BlankDisplay, buf, nil

	default:
		return 0, nil, fmt.Errorf("encode: unsupported message type %T", msg)
	}
}

// DecodePayload decodes a raw payload given its packet type. Unknown types
// are the caller's responsibility to log and ignore, per the failure
// model's forward-compatibility policy; DecodePayload itself just reports
// it as a Protocol error.
func DecodePayload(t Type, payload []byte) (any, error) {
	switch t {
	case DriverCapabilities:
		if len(payload) < 16 {
			return nil, shortPayload(t)
		}
		return &DriverCapabilitiesMsg{
			MaxDisplays:  binary.LittleEndian.Uint32(payload[0:4]),
			Version:      binary.LittleEndian.Uint32(payload[4:8]),
			Capabilities: binary.LittleEndian.Uint32(payload[8:12]),
		}, nil

	case HostDisplayList:
		displays, err := decodeDisplayInfoList(t, payload)
		if err != nil {
			return nil, err
		}
		return &HostDisplayListMsg{Displays: displays}, nil

	case AdvertisedDisplayList:
		displays, err := decodeDisplayInfoList(t, payload)
		if err != nil {
			return nil, err
		}
		return &AdvertisedDisplayListMsg{Displays: displays}, nil

	case AddDisplay:
		if len(payload) < 20 {
			return nil, shortPayload(t)
		}
		return &AddDisplayMsg{
			Key:             binary.LittleEndian.Uint32(payload[0:4]),
			EventPort:       binary.LittleEndian.Uint32(payload[4:8]),
			FramebufferPort: binary.LittleEndian.Uint32(payload[8:12]),
			DirtyRectPort:   binary.LittleEndian.Uint32(payload[12:16]),
			CursorPort:      binary.LittleEndian.Uint32(payload[16:20]),
		}, nil

	case RemoveDisplay:
		if len(payload) < 4 {
			return nil, shortPayload(t)
		}
		return &RemoveDisplayMsg{Key: binary.LittleEndian.Uint32(payload)}, nil

	case DisplayNoLongerAvailable:
		if len(payload) < 4 {
			return nil, shortPayload(t)
		}
		return &DisplayNoLongerAvailableMsg{Key: binary.LittleEndian.Uint32(payload)}, nil

	case TextMode:
		if len(payload) < 1 {
			return nil, shortPayload(t)
		}
		return &TextModeMsg{Force: payload[0] != 0}, nil

	case SetDisplay:
		if len(payload) < 12 {
			return nil, shortPayload(t)
		}
		return &SetDisplayMsg{
			Width:  binary.LittleEndian.Uint32(payload[0:4]),
			Height: binary.LittleEndian.Uint32(payload[4:8]),
			Stride: binary.LittleEndian.Uint32(payload[8:12]),
		}, nil

	case UpdateCursor:
		if len(payload) < 12 {
			return nil, shortPayload(t)
		}
		return &UpdateCursorMsg{
			HotspotX: binary.LittleEndian.Uint32(payload[0:4]),
			HotspotY: binary.LittleEndian.Uint32(payload[4:8]),
			Visible:  binary.LittleEndian.Uint32(payload[8:12]) != 0,
		}, nil

	case MoveCursor:
		if len(payload) < 8 {
			return nil, shortPayload(t)
		}
		return &MoveCursorMsg{
			X: binary.LittleEndian.Uint32(payload[0:4]),
			Y: binary.LittleEndian.Uint32(payload[4:8]),
		}, nil

	case BlankDisplay:
		if len(payload) < 4 {
			return nil, shortPayload(t)
		}
		return &BlankDisplayMsg{Reason: BlankReason(binary.LittleEndian.Uint32(payload))}, nil

	default:
		return nil, fmt.Errorf("decode: unknown type %d: %w", uint32(t), dherr.Protocol)
	}
}

func shortPayload(t Type) error {
	return fmt.Errorf("decode %s: payload too short: %w", t, dherr.Protocol)
}

func encodeDisplayInfoList(displays []DisplayInfo) []byte {
	buf := make([]byte, 4+displayInfoSize*len(displays))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(displays)))
	for i, d := range displays {
		off := 4 + i*displayInfoSize
		encodeDisplayInfo(buf[off:off+displayInfoSize], d)
	}
	return buf
}

func decodeDisplayInfoList(t Type, payload []byte) ([]DisplayInfo, error) {
	if len(payload) < 4 {
		return nil, shortPayload(t)
	}
	count := binary.LittleEndian.Uint32(payload[0:4])
	want := 4 + int(count)*displayInfoSize
	if len(payload) < want {
		return nil, shortPayload(t)
	}
	displays := make([]DisplayInfo, count)
	for i := range displays {
		off := 4 + i*displayInfoSize
		displays[i] = decodeDisplayInfo(payload[off : off+displayInfoSize])
	}
	return displays, nil
}
