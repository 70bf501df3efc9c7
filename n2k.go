package n2k

import (
	"context"
	"time"
)

// FastPacketMaxSize is the maximum payload size of a fast-packet message.
//
// NMEA 2000 frames carry 8 bytes and longer payloads are sent with the
// `fast-packet` protocol. A fast-packet message consists of multiple frames
// where:
// * the first frame of the message has 2 leading bytes reserved and up to 6
//   bytes of actual payload
//   - byte 0 carries the order/sequence tag (upper 3 bits) and the frame
//     index (lower 5 bits, always 0 for the first frame)
//   - byte 1 is the total payload size in bytes
// * each following frame reserves byte 0 for the order tag and frame index
//   and carries up to 7 payload bytes
// The maximum of 223 follows from the 5 bit frame index: 6 + 31 * 7 = 223.
const FastPacketMaxSize = 223

const (
	// AddressGlobal is broadcast address. PDU2 (broadcast) messages are always addressed to it.
	AddressGlobal = uint8(255)
	// AddressNull is used by nodes that have not yet claimed an address on the bus.
	AddressNull = uint8(254)
)

// Well-known PGNs of the ISO 11783 / NMEA 2000 network management layer.
const (
	// PGNISORequest requests a PGN from one node or from the whole bus.
	PGNISORequest = uint32(59904)
	// PGNISOAddressClaim announces the 64 bit NAME a node claims its source address with.
	PGNISOAddressClaim = uint32(60928)
	// PGNPGNList lists the PGNs a node transmits or receives.
	PGNPGNList = uint32(126464)
	// PGNProductInfo carries model, version and serial information of a node.
	PGNProductInfo = uint32(126996)
	// PGNConfigurationInformation carries installation notes of a node.
	PGNConfigurationInformation = uint32(126998)
)

// PGNFastPacketAllowed reports whether a PGN is inside the range that may be
// transferred with the fast-packet protocol.
func PGNFastPacketAllowed(pgn uint32) bool {
	return pgn >= 0x10000 && pgn < 0x1FFFF
}

// PGNSingleFrameAllowed reports whether a PGN is inside the range that may be
// sent as a single frame.
func PGNSingleFrameAllowed(pgn uint32) bool {
	return pgn < 0x10000 || pgn >= 0x1F000
}

// RawFrame is a single CAN frame as read from or written to the bus.
type RawFrame struct {
	// Time is when the frame was read from the bus. Filled by the transport.
	Time time.Time

	Header CanBusHeader
	Length uint8 // 1-8
	Data   [8]byte
}

// RawMessage is a complete protocol message assembled from one or more raw
// frames. Single frame messages have up to 8 bytes of data, fast-packet
// messages up to 223 bytes.
type RawMessage struct {
	// Time is when the last frame of the message was read from the bus.
	Time time.Time

	Header CanBusHeader
	Data   RawData
}

// Message is the decoded value of a RawMessage.
type Message struct {
	Header CanBusHeader `json:"header"`
	Fields FieldValues  `json:"fields"`

	// Complete is false when the catalog definition this message was decoded
	// with is only partially reverse engineered. Callers can use it to
	// distinguish a full-confidence decode from a best-effort one.
	Complete bool `json:"complete"`
}

// RawFrameReader reads single CAN frames from a transport.
type RawFrameReader interface {
	ReadRawFrame() (RawFrame, error)
	Close() error
}

// RawFrameWriter writes single CAN frames to a transport.
type RawFrameWriter interface {
	SendFrame(RawFrame) error
	Close() error
}

// RawMessageReader reads complete, reassembled messages from a transport.
type RawMessageReader interface {
	ReadRawMessage(ctx context.Context) (RawMessage, error)
	Initialize() error
	Close() error
}

// RawMessageWriter writes complete messages to a transport, fragmenting them
// when they do not fit a single frame.
type RawMessageWriter interface {
	Write(RawMessage) error
	Close() error
}

// MessageDecoder decodes RawMessage into Message. Implemented by catalog.Decoder.
type MessageDecoder interface {
	Decode(raw RawMessage) (Message, error)
}
