package n2k

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var testTime = time.Date(2023, 11, 5, 10, 20, 30, 0, time.UTC)

func testPayload(n int) RawData {
	data := make(RawData, n)
	for i := range data {
		data[i] = byte(i)
	}
	return data
}

func TestFragmentAssembleRoundTrip(t *testing.T) {
	header := CanBusHeader{PGN: 130316, Priority: 5, Source: 32, Destination: AddressGlobal}

	var testCases = []struct {
		name         string
		whenSize     int
		expectFrames int
	}{
		{name: "fits first frame", whenSize: 6, expectFrames: 1},
		{name: "two frames", whenSize: 8, expectFrames: 2},
		{name: "three frames", whenSize: 20, expectFrames: 3},
		{name: "maximum size", whenSize: FastPacketMaxSize, expectFrames: 32},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			payload := testPayload(tc.whenSize)
			frames, err := Fragment(RawMessage{Time: testTime, Header: header, Data: payload}, 3)
			assert.NoError(t, err)
			assert.Len(t, frames, tc.expectFrames)
			for _, f := range frames {
				assert.Equal(t, uint8(8), f.Length)
			}

			assembler := NewFastPacketAssembler([]uint32{130316})
			var msg RawMessage
			for i, f := range frames {
				complete, err := assembler.Assemble(f, &msg)
				assert.NoError(t, err)
				assert.Equal(t, i == len(frames)-1, complete)
			}
			assert.Equal(t, header, msg.Header)
			assert.Equal(t, payload, msg.Data)
			assert.Equal(t, testTime, msg.Time)
		})
	}
}

func TestFragmentFrameLayout(t *testing.T) {
	header := CanBusHeader{PGN: 130316, Priority: 5, Source: 32, Destination: AddressGlobal}
	frames, err := Fragment(RawMessage{Header: header, Data: testPayload(8)}, 3)

	assert.NoError(t, err)
	if assert.Len(t, frames, 2) {
		// frame 0: order tag + index 0, total length, first 6 payload bytes
		assert.Equal(t, [8]byte{0x60, 8, 0, 1, 2, 3, 4, 5}, frames[0].Data)
		// frame 1: order tag + index 1, 2 payload bytes, 0xFF padding
		assert.Equal(t, [8]byte{0x61, 6, 7, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, frames[1].Data)
	}
}

func TestAssembleSingleFramePGNPassesThrough(t *testing.T) {
	assembler := NewFastPacketAssembler([]uint32{130316})
	frame := RawFrame{
		Time:   testTime,
		Header: CanBusHeader{PGN: 127251, Source: 12},
		Length: 5,
		Data:   [8]byte{1, 2, 3, 4, 5, 0xFF, 0xFF, 0xFF},
	}

	var msg RawMessage
	complete, err := assembler.Assemble(frame, &msg)

	assert.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, RawData{1, 2, 3, 4, 5}, msg.Data)
	assert.Equal(t, frame.Header, msg.Header)
}

func TestAssembleSkippedFrameAbortsSequence(t *testing.T) {
	header := CanBusHeader{PGN: 130316, Source: 32}
	frames, err := Fragment(RawMessage{Time: testTime, Header: header, Data: testPayload(20)}, 1)
	assert.NoError(t, err)
	assert.Len(t, frames, 3)

	assembler := NewFastPacketAssembler([]uint32{130316})
	var msg RawMessage

	complete, err := assembler.Assemble(frames[0], &msg)
	assert.NoError(t, err)
	assert.False(t, complete)

	// frame index 1 never arrives
	complete, err = assembler.Assemble(frames[2], &msg)
	assert.False(t, complete)
	var reassemblyErr *ReassemblyError
	if assert.ErrorAs(t, err, &reassemblyErr) {
		assert.Equal(t, uint32(130316), reassemblyErr.PGN)
		assert.Equal(t, uint8(32), reassemblyErr.Source)
		assert.Equal(t, uint8(1), reassemblyErr.ExpectedIndex)
		assert.Equal(t, uint8(2), reassemblyErr.ReceivedIndex)
		assert.Equal(t, testTime, reassemblyErr.LastFrameTime)
	}

	// the context is gone, the late middle frame has no sequence to join
	complete, err = assembler.Assemble(frames[1], &msg)
	assert.False(t, complete)
	if assert.ErrorAs(t, err, &reassemblyErr) {
		assert.Equal(t, "frame received for unknown sequence", reassemblyErr.Reason)
	}
}

func TestAssembleOrderTagMismatchAbortsSequence(t *testing.T) {
	header := CanBusHeader{PGN: 130316, Source: 32}
	first, err := Fragment(RawMessage{Header: header, Data: testPayload(20)}, 1)
	assert.NoError(t, err)
	second, err := Fragment(RawMessage{Header: header, Data: testPayload(20)}, 2)
	assert.NoError(t, err)

	assembler := NewFastPacketAssembler([]uint32{130316})
	var msg RawMessage

	_, err = assembler.Assemble(first[0], &msg)
	assert.NoError(t, err)

	// continuation frame carries a different order tag
	complete, err := assembler.Assemble(second[1], &msg)
	assert.False(t, complete)
	var reassemblyErr *ReassemblyError
	if assert.ErrorAs(t, err, &reassemblyErr) {
		assert.Equal(t, "sequence order tag mismatch", reassemblyErr.Reason)
	}
}

func TestAssembleRestartedSequenceReportsAbortAndStartsFresh(t *testing.T) {
	header := CanBusHeader{PGN: 130316, Source: 32}
	frames, err := Fragment(RawMessage{Time: testTime, Header: header, Data: testPayload(20)}, 1)
	assert.NoError(t, err)

	assembler := NewFastPacketAssembler([]uint32{130316})
	var msg RawMessage

	_, err = assembler.Assemble(frames[0], &msg)
	assert.NoError(t, err)

	// duplicate first frame aborts the previous context but starts a new one
	complete, err := assembler.Assemble(frames[0], &msg)
	assert.False(t, complete)
	var reassemblyErr *ReassemblyError
	if assert.ErrorAs(t, err, &reassemblyErr) {
		assert.Equal(t, "new sequence started before previous completed", reassemblyErr.Reason)
	}

	// the fresh context completes normally
	complete, err = assembler.Assemble(frames[1], &msg)
	assert.NoError(t, err)
	assert.False(t, complete)
	complete, err = assembler.Assemble(frames[2], &msg)
	assert.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, testPayload(20), msg.Data)
}

func TestAssembleSequencesFromDifferentSourcesDoNotInterfere(t *testing.T) {
	payload := testPayload(20)
	framesA, err := Fragment(RawMessage{Header: CanBusHeader{PGN: 130316, Source: 32}, Data: payload}, 1)
	assert.NoError(t, err)
	framesB, err := Fragment(RawMessage{Header: CanBusHeader{PGN: 130316, Source: 33}, Data: payload}, 5)
	assert.NoError(t, err)

	assembler := NewFastPacketAssembler([]uint32{130316})
	var msg RawMessage

	// interleave the two sequences
	for i := 0; i < 2; i++ {
		_, err = assembler.Assemble(framesA[i], &msg)
		assert.NoError(t, err)
		_, err = assembler.Assemble(framesB[i], &msg)
		assert.NoError(t, err)
	}
	complete, err := assembler.Assemble(framesA[2], &msg)
	assert.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, uint8(32), msg.Header.Source)

	complete, err = assembler.Assemble(framesB[2], &msg)
	assert.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, uint8(33), msg.Header.Source)
}

func TestAssembleRejectsOversizedDeclaredLength(t *testing.T) {
	assembler := NewFastPacketAssembler([]uint32{130316})
	frame := RawFrame{
		Header: CanBusHeader{PGN: 130316, Source: 32},
		Length: 8,
		Data:   [8]byte{0x20, 0xFF, 0, 1, 2, 3, 4, 5}, // declares 255 byte payload
	}

	var msg RawMessage
	complete, err := assembler.Assemble(frame, &msg)

	assert.False(t, complete)
	var reassemblyErr *ReassemblyError
	assert.ErrorAs(t, err, &reassemblyErr)
}

func TestPendingAndExpire(t *testing.T) {
	header := CanBusHeader{PGN: 130316, Source: 32}
	frames, err := Fragment(RawMessage{Time: testTime, Header: header, Data: testPayload(20)}, 1)
	assert.NoError(t, err)

	assembler := NewFastPacketAssembler([]uint32{130316})
	var msg RawMessage
	_, err = assembler.Assemble(frames[0], &msg)
	assert.NoError(t, err)

	pending := assembler.Pending()
	if assert.Len(t, pending, 1) {
		assert.Equal(t, uint32(130316), pending[0].PGN)
		assert.Equal(t, uint8(32), pending[0].Source)
		assert.Equal(t, uint8(6), pending[0].Received)
		assert.Equal(t, uint8(20), pending[0].Length)
		assert.Equal(t, testTime, pending[0].LastFrameTime)
	}

	// nothing is stale yet
	assert.Equal(t, 0, assembler.Expire(testTime))
	// a deadline past the last frame drops the context
	assert.Equal(t, 1, assembler.Expire(testTime.Add(time.Second)))
	assert.Empty(t, assembler.Pending())
}

func TestSingleFrame(t *testing.T) {
	var testCases = []struct {
		name        string
		whenMsg     RawMessage
		expectError string
	}{
		{
			name:    "ok",
			whenMsg: RawMessage{Header: CanBusHeader{PGN: 127251}, Data: RawData{1, 2, 3, 4, 5}},
		},
		{
			name:        "nok, too long",
			whenMsg:     RawMessage{Header: CanBusHeader{PGN: 127251}, Data: testPayload(9)},
			expectError: "message data length 9 does not fit a single frame",
		},
		{
			name:        "nok, PGN outside single-frame range",
			whenMsg:     RawMessage{Header: CanBusHeader{PGN: 0x10500}, Data: RawData{1}},
			expectError: "PGN 66816 is outside single-frame range",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := SingleFrame(tc.whenMsg)

			if tc.expectError != "" {
				assert.EqualError(t, err, tc.expectError)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, uint8(5), frame.Length)
			assert.Equal(t, tc.whenMsg.Header, frame.Header)
			assert.Equal(t, [8]byte{1, 2, 3, 4, 5, 0, 0, 0}, frame.Data)
		})
	}
}

func TestFragmentErrors(t *testing.T) {
	_, err := Fragment(RawMessage{Header: CanBusHeader{PGN: 130316}, Data: testPayload(FastPacketMaxSize + 1)}, 0)
	assert.EqualError(t, err, "message data length 224 exceeds fast-packet maximum of 223 bytes")

	_, err = Fragment(RawMessage{Header: CanBusHeader{PGN: 59904}, Data: testPayload(20)}, 0)
	assert.EqualError(t, err, "PGN 59904 is outside fast-packet range")
}
