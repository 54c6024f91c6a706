package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidPacket is wrapped by every parse and validation failure.
var ErrInvalidPacket = errors.New("invalid packet")

// Protocol constants
const (
	// Packet types
	PacketTypeStart    = 0x01
	PacketTypeAudio    = 0x02
	PacketTypeFinalize = 0x03
	PacketTypeEnd      = 0x04
	PacketTypeResult   = 0x05

	// Version carried in every header
	Version1 = 0x01

	// Packet structure sizes
	HeaderSize             = 8  // 1 + 2 + 4 + 1 bytes
	StartPayloadSize       = 72 // 4 + 64 + 4 bytes
	AudioPayloadHeaderSize = 4  // Sequence number (4 bytes)
	FinalizePayloadSize    = 4
	ResultPayloadSize      = 14 // 1 + 1 + 8 + 4 bytes

	MasterIDSize = 64
	SampleSize   = 4 // float32

	// MaxAudioSamples is the largest sample count that fits in one packet.
	MaxAudioSamples = (math.MaxUint16 - HeaderSize - AudioPayloadHeaderSize) / SampleSize
)

// Header represents the 8-byte packet header
// Layout: [PacketType:1][PacketLen:2][StreamID:4][Version:1]
type Header struct {
	PacketType uint8  // 0x01=Start, 0x02=Audio, 0x03=Finalize, 0x04=End, 0x05=Result
	PacketLen  uint16 // Total packet size (header + payload)
	StreamID   uint32 // Client-chosen stream identifier
	Version    uint8
}

// StartPayload opens a scoring session for a stream.
// Layout: [SampleRate:4][MasterID:64][Timestamp:4]
type StartPayload struct {
	SampleRate uint32
	MasterID   [MasterIDSize]byte // Null-terminated string
	Timestamp  uint32             // Unix timestamp
}

// AudioPayload carries one chunk of mono float32 samples.
// Layout: [Sequence:4][Samples:N*4], samples little-endian
type AudioPayload struct {
	Sequence uint32
	Samples  []float32
}

// FinalizePayload asks for the final analysis. LastSequence is the sequence
// number of the last audio packet the client sent.
type FinalizePayload struct {
	LastSequence uint32
}

// ResultPayload is the server's reply to a Finalize packet.
// Layout: [Status:1][Reliable:1][Score:8][Frames:4]
type ResultPayload struct {
	Status   uint8
	Reliable bool
	Score    float64
	Frames   uint32
}

// ParsedPacket represents a fully parsed packet
type ParsedPacket struct {
	Header   *Header
	Start    *StartPayload    // Only set for start packets
	Audio    *AudioPayload    // Only set for audio packets
	Finalize *FinalizePayload // Only set for finalize packets
	Result   *ResultPayload   // Only set for result packets
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPacket, fmt.Sprintf(format, args...))
}

// ParseHeader parses the 8-byte header from raw bytes
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, invalid("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	return &Header{
		PacketType: data[0],
		PacketLen:  binary.BigEndian.Uint16(data[1:3]),
		StreamID:   binary.BigEndian.Uint32(data[3:7]),
		Version:    data[7],
	}, nil
}

// ParseStartPayload parses the 72-byte start payload
func ParseStartPayload(data []byte) (*StartPayload, error) {
	if len(data) != StartPayloadSize {
		return nil, invalid("start payload size mismatch: expected %d bytes, got %d", StartPayloadSize, len(data))
	}

	payload := &StartPayload{
		SampleRate: binary.BigEndian.Uint32(data[0:4]),
		Timestamp:  binary.BigEndian.Uint32(data[4+MasterIDSize:]),
	}
	copy(payload.MasterID[:], data[4:4+MasterIDSize])

	if payload.SampleRate == 0 {
		return nil, invalid("start packet has zero sample rate")
	}
	if payload.GetMasterID() == "" {
		return nil, invalid("start packet has empty master id")
	}
	return payload, nil
}

// ParseAudioPayload parses an audio payload with variable sample count
func ParseAudioPayload(data []byte) (*AudioPayload, error) {
	if len(data) < AudioPayloadHeaderSize {
		return nil, invalid("audio payload too short: expected at least %d bytes, got %d", AudioPayloadHeaderSize, len(data))
	}

	body := data[AudioPayloadHeaderSize:]
	if len(body)%SampleSize != 0 {
		return nil, invalid("audio payload not aligned to %d-byte samples: %d bytes", SampleSize, len(body))
	}

	samples := make([]float32, len(body)/SampleSize)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[i*SampleSize:]))
	}

	return &AudioPayload{
		Sequence: binary.BigEndian.Uint32(data[0:4]),
		Samples:  samples,
	}, nil
}

// ParseFinalizePayload parses the 4-byte finalize payload
func ParseFinalizePayload(data []byte) (*FinalizePayload, error) {
	if len(data) != FinalizePayloadSize {
		return nil, invalid("finalize payload size mismatch: expected %d bytes, got %d", FinalizePayloadSize, len(data))
	}
	return &FinalizePayload{LastSequence: binary.BigEndian.Uint32(data)}, nil
}

// ParseResultPayload parses the 14-byte result payload
func ParseResultPayload(data []byte) (*ResultPayload, error) {
	if len(data) != ResultPayloadSize {
		return nil, invalid("result payload size mismatch: expected %d bytes, got %d", ResultPayloadSize, len(data))
	}
	return &ResultPayload{
		Status:   data[0],
		Reliable: data[1] != 0,
		Score:    math.Float64frombits(binary.BigEndian.Uint64(data[2:10])),
		Frames:   binary.BigEndian.Uint32(data[10:14]),
	}, nil
}

// ParsePacket parses a complete packet (header + payload)
func ParsePacket(data []byte) (*ParsedPacket, error) {
	if len(data) < HeaderSize {
		return nil, invalid("packet too short: expected at least %d bytes, got %d", HeaderSize, len(data))
	}

	header, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}

	if int(header.PacketLen) != len(data) {
		return nil, invalid("packet length mismatch: header says %d bytes, got %d bytes",
			header.PacketLen, len(data))
	}

	if err := ValidateHeader(header); err != nil {
		return nil, err
	}

	packet := &ParsedPacket{Header: header}
	payloadData := data[HeaderSize:]

	switch header.PacketType {
	case PacketTypeStart:
		packet.Start, err = ParseStartPayload(payloadData)
	case PacketTypeAudio:
		packet.Audio, err = ParseAudioPayload(payloadData)
	case PacketTypeFinalize:
		packet.Finalize, err = ParseFinalizePayload(payloadData)
	case PacketTypeEnd:
	case PacketTypeResult:
		packet.Result, err = ParseResultPayload(payloadData)
	}
	if err != nil {
		return nil, err
	}

	return packet, nil
}

// ValidateHeader validates header fields
func ValidateHeader(header *Header) error {
	if !IsValidPacketType(header.PacketType) {
		return invalid("invalid packet type: 0x%02x", header.PacketType)
	}

	if header.Version != Version1 {
		return invalid("unsupported version: 0x%02x", header.Version)
	}

	if header.PacketLen < HeaderSize {
		return invalid("packet length too small: %d (minimum %d)", header.PacketLen, HeaderSize)
	}

	payloadSize := int(header.PacketLen) - HeaderSize
	switch header.PacketType {
	case PacketTypeStart:
		if payloadSize != StartPayloadSize {
			return invalid("start packet payload size mismatch: expected %d, got %d", StartPayloadSize, payloadSize)
		}
	case PacketTypeAudio:
		if payloadSize < AudioPayloadHeaderSize {
			return invalid("audio packet payload too small: expected at least %d, got %d", AudioPayloadHeaderSize, payloadSize)
		}
	case PacketTypeFinalize:
		if payloadSize != FinalizePayloadSize {
			return invalid("finalize packet payload size mismatch: expected %d, got %d", FinalizePayloadSize, payloadSize)
		}
	case PacketTypeEnd:
		if payloadSize != 0 {
			return invalid("end packet carries %d payload bytes", payloadSize)
		}
	case PacketTypeResult:
		if payloadSize != ResultPayloadSize {
			return invalid("result packet payload size mismatch: expected %d, got %d", ResultPayloadSize, payloadSize)
		}
	}

	return nil
}

// IsValidPacketType checks if the packet type is known
func IsValidPacketType(ptype uint8) bool {
	return ptype >= PacketTypeStart && ptype <= PacketTypeResult
}

// ExtractString returns buf up to the first null byte
func ExtractString(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

// GetMasterID returns the master call id as a string
func (s *StartPayload) GetMasterID() string {
	return ExtractString(s.MasterID[:])
}

func putHeader(buf []byte, ptype uint8, streamID uint32) {
	buf[0] = ptype
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(buf)))
	binary.BigEndian.PutUint32(buf[3:7], streamID)
	buf[7] = Version1
}

// EncodeStart builds a start packet. Master ids longer than 63 bytes are rejected.
func EncodeStart(streamID, sampleRate uint32, masterID string, timestamp uint32) ([]byte, error) {
	if masterID == "" || len(masterID) >= MasterIDSize {
		return nil, invalid("master id length %d out of range [1,%d]", len(masterID), MasterIDSize-1)
	}
	if sampleRate == 0 {
		return nil, invalid("zero sample rate")
	}

	buf := make([]byte, HeaderSize+StartPayloadSize)
	putHeader(buf, PacketTypeStart, streamID)
	p := buf[HeaderSize:]
	binary.BigEndian.PutUint32(p[0:4], sampleRate)
	copy(p[4:4+MasterIDSize], masterID)
	binary.BigEndian.PutUint32(p[4+MasterIDSize:], timestamp)
	return buf, nil
}

// EncodeAudio builds an audio packet carrying samples.
func EncodeAudio(streamID, sequence uint32, samples []float32) ([]byte, error) {
	if len(samples) > MaxAudioSamples {
		return nil, invalid("%d samples exceed packet limit %d", len(samples), MaxAudioSamples)
	}

	buf := make([]byte, HeaderSize+AudioPayloadHeaderSize+len(samples)*SampleSize)
	putHeader(buf, PacketTypeAudio, streamID)
	binary.BigEndian.PutUint32(buf[HeaderSize:], sequence)
	body := buf[HeaderSize+AudioPayloadHeaderSize:]
	for i, s := range samples {
		binary.LittleEndian.PutUint32(body[i*SampleSize:], math.Float32bits(s))
	}
	return buf, nil
}

// EncodeFinalize builds a finalize packet.
func EncodeFinalize(streamID, lastSequence uint32) []byte {
	buf := make([]byte, HeaderSize+FinalizePayloadSize)
	putHeader(buf, PacketTypeFinalize, streamID)
	binary.BigEndian.PutUint32(buf[HeaderSize:], lastSequence)
	return buf
}

// EncodeEnd builds an end packet.
func EncodeEnd(streamID uint32) []byte {
	buf := make([]byte, HeaderSize)
	putHeader(buf, PacketTypeEnd, streamID)
	return buf
}

// EncodeResult builds a result packet.
func EncodeResult(streamID uint32, r ResultPayload) []byte {
	buf := make([]byte, HeaderSize+ResultPayloadSize)
	putHeader(buf, PacketTypeResult, streamID)
	p := buf[HeaderSize:]
	p[0] = r.Status
	if r.Reliable {
		p[1] = 1
	}
	binary.BigEndian.PutUint64(p[2:10], math.Float64bits(r.Score))
	binary.BigEndian.PutUint32(p[10:14], r.Frames)
	return buf
}

// String methods for debugging

func (h *Header) String() string {
	return fmt.Sprintf("Header{Type: %s, Len: %d, StreamID: %d, Version: %d}",
		PacketTypeName(h.PacketType), h.PacketLen, h.StreamID, h.Version)
}

// PacketTypeName returns a short name for logging and metrics labels.
func PacketTypeName(ptype uint8) string {
	switch ptype {
	case PacketTypeStart:
		return "start"
	case PacketTypeAudio:
		return "audio"
	case PacketTypeFinalize:
		return "finalize"
	case PacketTypeEnd:
		return "end"
	case PacketTypeResult:
		return "result"
	default:
		return fmt.Sprintf("unknown(0x%02x)", ptype)
	}
}

func (s *StartPayload) String() string {
	return fmt.Sprintf("Start{MasterID: %s, SampleRate: %d, Timestamp: %d}",
		s.GetMasterID(), s.SampleRate, s.Timestamp)
}

func (a *AudioPayload) String() string {
	return fmt.Sprintf("Audio{Sequence: %d, Samples: %d}", a.Sequence, len(a.Samples))
}
