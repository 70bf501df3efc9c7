package n2k

import (
	"fmt"
	"sync"
	"time"
)

const (
	fastPacketIndexOffset = 0 // byte 0 carries order tag + frame index
	fastPacketSizeOffset  = 1 // byte 1 of the first frame is total payload size
	fastPacketFrame0Size  = 6 // payload bytes in the first frame
	fastPacketFrameNSize  = 7 // payload bytes in every following frame
	fastPacketMaxIndex    = 0x1F
)

// ReassemblyError is reported when a fast-packet sequence breaks. The partial
// context is discarded, partial data is never emitted. Errors are local to
// one (source, PGN) sequence and do not affect other in-flight sequences.
type ReassemblyError struct {
	PGN    uint32
	Source uint8
	Reason string

	ExpectedIndex uint8
	ReceivedIndex uint8
	// LastFrameTime is when the aborted sequence last received a frame. Zero
	// when the error did not abort an existing sequence.
	LastFrameTime time.Time
}

func (e *ReassemblyError) Error() string {
	return fmt.Sprintf("fast-packet reassembly failed for PGN %v source %v: %v", e.PGN, e.Source, e.Reason)
}

type sequenceKey struct {
	source uint8
	pgn    uint32
}

// fastPacketSequence is reassembly state for one in-flight fast-packet
// message, keyed by (source, PGN).
type fastPacketSequence struct {
	header CanBusHeader

	lastReceivedFrameTime time.Time
	// order is the sequence/order tag (upper 3 bits of byte 0) that every
	// frame of one message must share. It distinguishes consecutive messages
	// of the same PGN from the same source.
	order uint8
	// lastIndex is the highest frame index received so far. Frames must
	// arrive with strictly consecutive indexes.
	lastIndex uint8
	// length is total payload length in bytes, from byte 1 of the first frame
	length   uint8
	received uint8

	data [FastPacketMaxSize]byte
}

func (m *fastPacketSequence) append(frame RawFrame, index uint8) bool {
	m.lastReceivedFrameTime = frame.Time
	m.lastIndex = index

	if index == 0 {
		n := int(m.length)
		if n > fastPacketFrame0Size {
			n = fastPacketFrame0Size
		}
		copy(m.data[:n], frame.Data[2:2+n])
		m.received = uint8(n)
	} else {
		start := fastPacketFrame0Size + (int(index)-1)*fastPacketFrameNSize
		n := int(m.length) - start
		if n > fastPacketFrameNSize {
			n = fastPacketFrameNSize
		}
		copy(m.data[start:start+n], frame.Data[1:1+n])
		m.received += uint8(n)
	}
	return m.received >= m.length
}

func (m *fastPacketSequence) toRawMessage() RawMessage {
	data := make([]byte, m.length)
	copy(data, m.data[:m.length])
	return RawMessage{
		Time:   m.lastReceivedFrameTime,
		Header: m.header,
		Data:   data,
	}
}

// PendingSequence describes one in-flight fast-packet reassembly. The host
// uses LastFrameTime to implement its staleness policy (see Expire).
type PendingSequence struct {
	PGN           uint32
	Source        uint8
	LastFrameTime time.Time
	Received      uint8
	Length        uint8
}

// FastPacketAssembler assembles fast-packet frames into complete raw
// messages. Frames of single-frame PGNs pass through unchanged. Reassembly
// contexts are kept per (source, PGN) pair so independent sequences from
// different bus nodes can be in flight at the same time. Safe for concurrent
// use.
type FastPacketAssembler struct {
	// pgns is list of PGNs that are transferred as fast-packet frames and
	// should be assembled into RawMessage
	pgns       []uint32
	inTransfer map[sequenceKey]*fastPacketSequence

	now  func() time.Time
	lock sync.Mutex
}

func NewFastPacketAssembler(fpPGNs []uint32) *FastPacketAssembler {
	return &FastPacketAssembler{
		pgns:       append([]uint32{}, fpPGNs...),
		inTransfer: make(map[sequenceKey]*fastPacketSequence),
		now:        time.Now,
	}
}

// Assemble feeds one frame into the assembler. It returns true when `to` now
// holds a complete message: immediately for single-frame PGNs, on the last
// frame of a fast-packet sequence otherwise. A ReassemblyError is returned
// when a sequence breaks; processing of other sequences is unaffected.
func (a *FastPacketAssembler) Assemble(frame RawFrame, to *RawMessage) (bool, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	isFastPacket := false
	if PGNFastPacketAllowed(frame.Header.PGN) {
		for _, pgn := range a.pgns {
			if pgn == frame.Header.PGN {
				isFastPacket = true
				break
			}
		}
	}
	if !isFastPacket {
		to.Time = frame.Time
		to.Header = frame.Header
		to.Data = make([]byte, frame.Length)
		copy(to.Data, frame.Data[0:frame.Length])
		return true, nil
	}

	if frame.Length < 2 {
		return false, &ReassemblyError{
			PGN:    frame.Header.PGN,
			Source: frame.Header.Source,
			Reason: "fast-packet frame is shorter than 2 bytes",
		}
	}

	key := sequenceKey{source: frame.Header.Source, pgn: frame.Header.PGN}
	order := frame.Data[fastPacketIndexOffset] >> 5
	index := frame.Data[fastPacketIndexOffset] & fastPacketMaxIndex
	existing := a.inTransfer[key]

	if index == 0 { // first frame begins a new sequence
		var abortErr error
		if existing != nil {
			// previous sequence never completed, discard its partial bytes
			abortErr = &ReassemblyError{
				PGN:           frame.Header.PGN,
				Source:        frame.Header.Source,
				Reason:        "new sequence started before previous completed",
				LastFrameTime: existing.lastReceivedFrameTime,
			}
			delete(a.inTransfer, key)
		}

		length := frame.Data[fastPacketSizeOffset]
		if int(length) > FastPacketMaxSize {
			return false, &ReassemblyError{
				PGN:    frame.Header.PGN,
				Source: frame.Header.Source,
				Reason: fmt.Sprintf("declared length %v exceeds fast-packet maximum", length),
			}
		}

		fp := &fastPacketSequence{
			header: frame.Header,
			order:  order,
			length: length,
		}
		if fp.append(frame, 0) {
			*to = fp.toRawMessage()
			return true, abortErr
		}
		a.inTransfer[key] = fp
		return false, abortErr
	}

	if existing == nil {
		return false, &ReassemblyError{
			PGN:           frame.Header.PGN,
			Source:        frame.Header.Source,
			Reason:        "frame received for unknown sequence",
			ReceivedIndex: index,
		}
	}
	if existing.order != order {
		delete(a.inTransfer, key)
		return false, &ReassemblyError{
			PGN:           frame.Header.PGN,
			Source:        frame.Header.Source,
			Reason:        "sequence order tag mismatch",
			LastFrameTime: existing.lastReceivedFrameTime,
		}
	}
	if index != existing.lastIndex+1 {
		delete(a.inTransfer, key)
		return false, &ReassemblyError{
			PGN:           frame.Header.PGN,
			Source:        frame.Header.Source,
			Reason:        fmt.Sprintf("expected frame index %v but received %v", existing.lastIndex+1, index),
			ExpectedIndex: existing.lastIndex + 1,
			ReceivedIndex: index,
			LastFrameTime: existing.lastReceivedFrameTime,
		}
	}

	if existing.append(frame, index) {
		delete(a.inTransfer, key)
		*to = existing.toRawMessage()
		return true, nil
	}
	return false, nil
}

// Pending returns the in-flight reassembly contexts. Staleness handling is a
// host policy, the assembler only exposes the last frame times.
func (a *FastPacketAssembler) Pending() []PendingSequence {
	a.lock.Lock()
	defer a.lock.Unlock()

	result := make([]PendingSequence, 0, len(a.inTransfer))
	for key, fp := range a.inTransfer {
		result = append(result, PendingSequence{
			PGN:           key.pgn,
			Source:        key.source,
			LastFrameTime: fp.lastReceivedFrameTime,
			Received:      fp.received,
			Length:        fp.length,
		})
	}
	return result
}

// Expire discards contexts that have not received a frame since the given
// deadline and returns how many were discarded. Incomplete contexts are
// dropped, never emitted as partial data.
func (a *FastPacketAssembler) Expire(olderThan time.Time) int {
	a.lock.Lock()
	defer a.lock.Unlock()

	expired := 0
	for key, fp := range a.inTransfer {
		if fp.lastReceivedFrameTime.Before(olderThan) {
			delete(a.inTransfer, key)
			expired++
		}
	}
	return expired
}

// SingleFrame turns a message of up to 8 bytes into the one frame that
// carries it. Whether a PGN is single-frame or fast-packet is a property of
// its catalog definition, so the choice between SingleFrame and Fragment is
// up to the caller.
func SingleFrame(msg RawMessage) (RawFrame, error) {
	if len(msg.Data) > 8 {
		return RawFrame{}, fmt.Errorf("message data length %v does not fit a single frame", len(msg.Data))
	}
	if !PGNSingleFrameAllowed(msg.Header.PGN) {
		return RawFrame{}, fmt.Errorf("PGN %v is outside single-frame range", msg.Header.PGN)
	}
	frame := RawFrame{
		Time:   msg.Time,
		Header: msg.Header,
		Length: uint8(len(msg.Data)),
	}
	copy(frame.Data[:], msg.Data)
	return frame, nil
}

// Fragment splits a message into fast-packet frames for transmission. The
// framing is byte-identical to what Assemble expects: frame 0 carries the
// total length byte plus the first 6 payload bytes, every following frame an
// incrementing index plus up to 7 more bytes. The 3-bit order tag
// distinguishes consecutive messages of the same PGN from the same source
// and should be incremented (mod 8) by the sender for every message.
func Fragment(msg RawMessage, order uint8) ([]RawFrame, error) {
	if len(msg.Data) > FastPacketMaxSize {
		return nil, fmt.Errorf("message data length %v exceeds fast-packet maximum of %v bytes", len(msg.Data), FastPacketMaxSize)
	}
	if !PGNFastPacketAllowed(msg.Header.PGN) {
		return nil, fmt.Errorf("PGN %v is outside fast-packet range", msg.Header.PGN)
	}

	frameCount := 1
	if len(msg.Data) > fastPacketFrame0Size {
		frameCount += (len(msg.Data) - fastPacketFrame0Size + fastPacketFrameNSize - 1) / fastPacketFrameNSize
	}
	frames := make([]RawFrame, 0, frameCount)

	remaining := msg.Data
	for index := 0; index < frameCount; index++ {
		frame := RawFrame{
			Time:   msg.Time,
			Header: msg.Header,
		}
		frame.Data[fastPacketIndexOffset] = (order&0x7)<<5 | uint8(index)

		var n int
		if index == 0 {
			frame.Data[fastPacketSizeOffset] = uint8(len(msg.Data))
			n = copy(frame.Data[2:], remaining)
			frame.Length = uint8(2 + n)
		} else {
			n = copy(frame.Data[1:], remaining)
			frame.Length = uint8(1 + n)
		}
		remaining = remaining[n:]

		// frames on the wire are padded to 8 bytes with 0xFF
		for i := frame.Length; i < 8; i++ {
			frame.Data[i] = 0xFF
		}
		frame.Length = 8

		frames = append(frames, frame)
	}
	return frames, nil
}
