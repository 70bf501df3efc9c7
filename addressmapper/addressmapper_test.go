package addressmapper

import (
	"context"
	"testing"
	"time"

	"github.com/aldrik/go-n2k"
	"github.com/stretchr/testify/assert"
)

type mockWriter struct {
	written chan n2k.RawMessage
}

func newMockWriter() *mockWriter {
	return &mockWriter{written: make(chan n2k.RawMessage, 10)}
}

func (w *mockWriter) Write(msg n2k.RawMessage) error {
	w.written <- msg
	return nil
}

func (w *mockWriter) Close() error { return nil }

func claimMessage(source uint8, name NodeName) n2k.RawMessage {
	return n2k.RawMessage{
		Header: n2k.CanBusHeader{
			PGN:         n2k.PGNISOAddressClaim,
			Priority:    6,
			Source:      source,
			Destination: n2k.AddressGlobal,
		},
		Data: name.Bytes(),
	}
}

func TestNodeNameRoundTrip(t *testing.T) {
	name := NodeName{
		UniqueNumber:            1420237, // 21 bits
		Manufacturer:            229,
		DeviceInstanceLower:     5,
		DeviceInstanceUpper:     21,
		DeviceFunction:          145,
		DeviceClass:             25,
		SystemInstance:          9,
		IndustryGroup:           4, // marine
		ArbitraryAddressCapable: 1,
	}

	b := name.Bytes()
	assert.Len(t, b, 8)

	parsed, err := PGN60928ToNodeName(claimMessage(32, name))
	assert.NoError(t, err)
	assert.Equal(t, name, parsed)
}

func TestPGN60928ToNodeName(t *testing.T) {
	raw := n2k.RawMessage{
		Header: n2k.CanBusHeader{PGN: n2k.PGNISOAddressClaim},
		// unique number 1, manufacturer 229 (Garmin)
		Data: []byte{0x01, 0x00, 0xA0, 0x1C, 0x00, 0x00, 0x00, 0x00},
	}

	name, err := PGN60928ToNodeName(raw)

	assert.NoError(t, err)
	assert.Equal(t, uint32(1), name.UniqueNumber)
	assert.Equal(t, uint16(229), name.Manufacturer)
}

func TestPGN60928ToNodeNameErrors(t *testing.T) {
	var testCases = []struct {
		name        string
		given       n2k.RawMessage
		expectError string
	}{
		{
			name:        "nok, wrong PGN",
			given:       n2k.RawMessage{Header: n2k.CanBusHeader{PGN: 127250}, Data: make([]byte, 8)},
			expectError: "device name can only be created from rawMessage with PGN 60928",
		},
		{
			name:        "nok, wrong length",
			given:       n2k.RawMessage{Header: n2k.CanBusHeader{PGN: n2k.PGNISOAddressClaim}, Data: make([]byte, 5)},
			expectError: "rawMessage has invalid length to be ISO Address claim",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := PGN60928ToNodeName(tc.given)
			assert.EqualError(t, err, tc.expectError)
		})
	}
}

func TestProcessISOAddressClaim(t *testing.T) {
	mapper := NewAddressMapper(newMockWriter(), nil)

	higher := NodeName{UniqueNumber: 2000, Manufacturer: 229}
	lower := NodeName{UniqueNumber: 1000, Manufacturer: 229}

	// first claim for address 32 is accepted as is
	changed, err := mapper.Process(claimMessage(32, higher))
	assert.NoError(t, err)
	assert.True(t, changed)

	inUse := mapper.NodesInUseBySource()
	assert.Equal(t, higher.Uint64(), inUse[32].NAME)

	// a lower NAME wins the address from the current owner
	changed, err = mapper.Process(claimMessage(32, lower))
	assert.NoError(t, err)
	assert.True(t, changed)

	inUse = mapper.NodesInUseBySource()
	assert.Equal(t, lower.Uint64(), inUse[32].NAME)

	// the displaced node is still known but no longer holds an address
	nodes := mapper.Nodes()
	assert.Len(t, nodes, 2)
	for _, node := range nodes {
		if node.NAME == higher.Uint64() {
			assert.Equal(t, n2k.AddressNull, node.Source)
		}
	}

	// a higher NAME does not take over
	changed, err = mapper.Process(claimMessage(32, higher))
	assert.NoError(t, err)
	assert.False(t, changed)
}

func productInfoPayload(modelID string) []byte {
	data := make([]byte, 134)
	for i := range data {
		data[i] = 0xFF
	}
	data[0], data[1] = 0x34, 0x08 // NMEA2000 version 2100
	data[2], data[3] = 0xD2, 0x04 // product code 1234
	copy(data[4:36], modelID)
	data[132] = 1 // certification level
	data[133] = 4 // load equivalency
	return data
}

func TestProcessProductInfo(t *testing.T) {
	mapper := NewAddressMapper(newMockWriter(), nil)

	name := NodeName{UniqueNumber: 42, Manufacturer: 229}
	_, err := mapper.Process(claimMessage(32, name))
	assert.NoError(t, err)

	_, err = mapper.Process(n2k.RawMessage{
		Header: n2k.CanBusHeader{PGN: n2k.PGNProductInfo, Source: 32},
		Data:   productInfoPayload("GPSMAP 1222"),
	})
	assert.NoError(t, err)

	node := mapper.NodesInUseBySource()[32]
	assert.True(t, node.ValidProductInfo)
	assert.Equal(t, uint16(2100), node.ProductInfo.NMEA2000Version)
	assert.Equal(t, uint16(1234), node.ProductInfo.ProductCode)
	assert.Equal(t, "GPSMAP 1222", node.ProductInfo.ModelID)
	assert.Equal(t, uint8(1), node.ProductInfo.CertificationLevel)
	assert.Equal(t, uint8(4), node.ProductInfo.LoadEquivalency)
}

func TestCreateISORequest(t *testing.T) {
	msg := createISORequest(n2k.PGNISOAddressClaim, n2k.AddressGlobal)

	assert.Equal(t, n2k.PGNISORequest, msg.Header.PGN)
	assert.Equal(t, n2k.AddressNull, msg.Header.Source)
	assert.Equal(t, n2k.AddressGlobal, msg.Header.Destination)
	// requested PGN 60928 (0xEE00) as little endian
	assert.Equal(t, n2k.RawData{0x00, 0xEE, 0x00}, msg.Data)
}

func TestRunWritesQueuedRequests(t *testing.T) {
	writer := newMockWriter()
	mapper := NewAddressMapper(writer, nil)
	mapper.ToggleWrite()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- mapper.Run(ctx)
	}()

	mapper.BroadcastIsoAddressClaimRequest()

	select {
	case msg := <-writer.written:
		assert.Equal(t, n2k.PGNISORequest, msg.Header.PGN)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for queued request to be written")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestQueueBounds(t *testing.T) {
	q := newQueue[int](2)

	assert.True(t, q.Enqueue(1))
	assert.True(t, q.Enqueue(2))
	assert.False(t, q.Enqueue(3))

	v, ok := q.Dequeue()
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = q.Dequeue()
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok = q.Dequeue()
	assert.False(t, ok)
}
