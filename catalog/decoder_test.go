package catalog

import (
	"testing"

	"github.com/aldrik/go-n2k"
	"github.com/stretchr/testify/assert"
)

func temperatureSchema() Schema {
	signed := true
	return Schema{
		PGNs: []Definition{
			{
				PGN: 130316, ID: "temperatureExtendedRange", Type: PacketTypeFast, Complete: true, Length: 8,
				Fields: []Field{
					{ID: "sid", Order: 1, Type: "UINT8"},
					{ID: "instance", Order: 2, Type: "UINT8"},
					{ID: "source", Order: 3, Type: "LOOKUP", BitLength: 8, LookupEnumeration: "TEMPERATURE_SOURCE"},
					{ID: "temperature", Order: 4, Type: "NUMBER", BitLength: 16, Signed: &signed, Resolution: 0.01},
					{ID: "setTemperature", Order: 5, Type: "NUMBER", BitLength: 16, Signed: &signed, Resolution: 0.01},
					{ID: "reserved", Order: 6, Type: "RESERVED", BitLength: 8},
				},
			},
			{
				PGN: 0x1FF00, ID: "unknownFastPacket", Type: PacketTypeFast, Fallback: true,
				Fields: []Field{
					{ID: "data", Order: 1, Type: "BINARY", BitLengthVariable: true},
				},
			},
		},
		Enums: LookupEnumerations{
			{Name: "TEMPERATURE_SOURCE", Values: []EnumValue{
				{Name: "SEA_TEMPERATURE", Value: 0},
				{Name: "OUTSIDE_TEMPERATURE", Value: 1},
			}},
		},
	}
}

func TestDecodeSimpleMessage(t *testing.T) {
	c, err := New(temperatureSchema())
	assert.NoError(t, err)
	decoder := NewDecoder(c)

	raw := n2k.RawMessage{
		Header: n2k.CanBusHeader{PGN: 130316, Source: 32, Destination: n2k.AddressGlobal, Priority: 5},
		// sid=1, instance=0, source=1, temperature=23.45, setTemperature=no data, reserved
		Data: n2k.RawData{0x01, 0x00, 0x01, 0x29, 0x09, 0xFF, 0x7F, 0xFF},
	}

	msg, err := decoder.Decode(raw)

	assert.NoError(t, err)
	assert.Equal(t, raw.Header, msg.Header)
	assert.True(t, msg.Complete)

	sid, ok := msg.Fields.FindByID("sid")
	assert.True(t, ok)
	assert.Equal(t, uint64(1), sid.Value)

	temperature, ok := msg.Fields.FindByID("temperature")
	assert.True(t, ok)
	assert.Equal(t, "FLOAT64", temperature.Type)
	value, ok := temperature.AsFloat64()
	assert.True(t, ok)
	assert.InDelta(t, 23.45, value, 1e-9)

	setTemperature, ok := msg.Fields.FindByID("setTemperature")
	assert.True(t, ok)
	assert.Equal(t, "NO_DATA", setTemperature.Type)
	assert.Nil(t, setTemperature.Value)

	// reserved fields are not part of the output by default
	_, ok = msg.Fields.FindByID("reserved")
	assert.False(t, ok)
}

func TestDecodeOutOfRangeSentinel(t *testing.T) {
	c, err := New(temperatureSchema())
	assert.NoError(t, err)
	decoder := NewDecoder(c)

	raw := n2k.RawMessage{
		Header: n2k.CanBusHeader{PGN: 130316},
		// temperature carries the signed 16 bit "out of range" pattern 0x7FFE
		Data: n2k.RawData{0x01, 0x00, 0x01, 0xFE, 0x7F, 0xFF, 0x7F, 0xFF},
	}

	msg, err := decoder.Decode(raw)

	assert.NoError(t, err)
	temperature, ok := msg.Fields.FindByID("temperature")
	assert.True(t, ok)
	assert.Equal(t, "OUT_OF_RANGE", temperature.Type)
}

func TestDecodeReservedFieldsWhenConfigured(t *testing.T) {
	c, err := New(temperatureSchema())
	assert.NoError(t, err)
	decoder := NewDecoderWithConfig(c, DecoderConfig{DecodeReservedFields: true})

	raw := n2k.RawMessage{
		Header: n2k.CanBusHeader{PGN: 130316},
		Data:   n2k.RawData{0x01, 0x00, 0x01, 0x29, 0x09, 0xFF, 0x7F, 0xFF},
	}

	msg, err := decoder.Decode(raw)

	assert.NoError(t, err)
	reserved, ok := msg.Fields.FindByID("reserved")
	assert.True(t, ok)
	assert.Equal(t, "BYTES", reserved.Type)
	assert.Equal(t, []byte{0xFF}, reserved.Value)
}

func TestDecodeLookupToEnum(t *testing.T) {
	c, err := New(temperatureSchema())
	assert.NoError(t, err)
	decoder := NewDecoderWithConfig(c, DecoderConfig{DecodeLookupsToEnumType: true})

	var testCases = []struct {
		name       string
		whenSource byte
		expect     interface{}
	}{
		{
			name:       "known enum value",
			whenSource: 0x01,
			expect:     n2k.EnumValue{Value: 1, Code: "OUTSIDE_TEMPERATURE"},
		},
		{
			name:       "unlisted enum value is data not failure",
			whenSource: 0x17,
			expect:     n2k.EnumValue{Value: 0x17, Code: "UNKNOWN ENUM VALUE"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			raw := n2k.RawMessage{
				Header: n2k.CanBusHeader{PGN: 130316},
				Data:   n2k.RawData{0x01, 0x00, tc.whenSource, 0x29, 0x09, 0xFF, 0x7F, 0xFF},
			}

			msg, err := decoder.Decode(raw)

			assert.NoError(t, err)
			source, ok := msg.Fields.FindByID("source")
			assert.True(t, ok)
			assert.Equal(t, tc.expect, source.Value)
		})
	}
}

func TestDecodeShortPayloadDropsTrailingFields(t *testing.T) {
	c, err := New(temperatureSchema())
	assert.NoError(t, err)
	decoder := NewDecoder(c)

	raw := n2k.RawMessage{
		Header: n2k.CanBusHeader{PGN: 130316},
		Data:   n2k.RawData{0x01, 0x00, 0x01}, // ends before the temperature field
	}

	msg, err := decoder.Decode(raw)

	assert.NoError(t, err)
	assert.Len(t, msg.Fields, 3)
	_, ok := msg.Fields.FindByID("temperature")
	assert.False(t, ok)
}

func TestDecodePayloadTooShortMidField(t *testing.T) {
	schema := Schema{
		PGNs: []Definition{
			{
				PGN: 65280, ID: "nibbleAndByte", Type: PacketTypeSingle, Complete: true,
				Fields: []Field{
					{ID: "nibble", Order: 1, Type: "NUMBER", BitLength: 4},
					{ID: "value", Order: 2, Type: "UINT8"},
				},
			},
		},
	}
	unsigned := false
	schema.PGNs[0].Fields[0].Signed = &unsigned

	c, err := New(schema)
	assert.NoError(t, err)
	decoder := NewDecoder(c)

	raw := n2k.RawMessage{
		Header: n2k.CanBusHeader{PGN: 65280},
		Data:   n2k.RawData{0x21}, // second field starts at bit 4 and needs 8 bits
	}

	_, err = decoder.Decode(raw)

	assert.ErrorIs(t, err, ErrPayloadTooShort)
	var decodeErr *DecodeError
	if assert.ErrorAs(t, err, &decodeErr) {
		assert.Equal(t, "value", decodeErr.FieldID)
		assert.Equal(t, uint16(4), decodeErr.BitOffset)
	}
}

func TestDecodeUnknownPGNUsesCatchAll(t *testing.T) {
	c, err := New(temperatureSchema())
	assert.NoError(t, err)
	decoder := NewDecoder(c)

	raw := n2k.RawMessage{
		Header: n2k.CanBusHeader{PGN: 0x1F777},
		Data:   n2k.RawData{0xDE, 0xAD, 0xBE, 0xEF},
	}

	msg, err := decoder.Decode(raw)

	assert.ErrorIs(t, err, ErrUnknownPGN)
	assert.False(t, msg.Complete)
	data, ok := msg.Fields.FindByID("data")
	assert.True(t, ok)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, data.Value)
}

func gnssSatsSchema() Schema {
	return Schema{
		PGNs: []Definition{
			{
				PGN: 129540, ID: "gnssSatsInView", Type: PacketTypeFast, Complete: true,
				RepeatingFieldSet1Size: 2, RepeatingFieldSet1StartField: 4, RepeatingFieldSet1CountField: 3,
				Fields: []Field{
					{ID: "sid", Order: 1, Type: "UINT8"},
					{ID: "mode", Order: 2, Type: "UINT8"},
					{ID: "satsInView", Order: 3, Type: "UINT8"},
					{ID: "prn", Order: 4, Type: "UINT8"},
					{ID: "elevation", Order: 5, Type: "UINT8"},
				},
			},
			{
				PGN: 126464, ID: "pgnList", Type: PacketTypeFast, Complete: true,
				RepeatingFieldSet1Size: 1, RepeatingFieldSet1StartField: 2,
				Fields: []Field{
					{ID: "functionCode", Order: 1, Type: "UINT8"},
					{ID: "pgn", Order: 2, Type: "UINT24"},
				},
			},
		},
	}
}

func TestDecodeRepeatingSetWithCountField(t *testing.T) {
	c, err := New(gnssSatsSchema())
	assert.NoError(t, err)
	decoder := NewDecoder(c)

	raw := n2k.RawMessage{
		Header: n2k.CanBusHeader{PGN: 129540},
		// count says 3 groups, the trailing 0x99 is past the repeating set
		Data: n2k.RawData{0x01, 0x00, 0x03, 0x01, 0x0A, 0x02, 0x14, 0x03, 0x1E, 0x99},
	}

	msg, err := decoder.Decode(raw)

	assert.NoError(t, err)
	count, ok := msg.Fields.FindByID("satsInView")
	assert.True(t, ok)
	assert.Equal(t, uint64(3), count.Value)

	fieldSet, ok := msg.Fields.FindByID("FIELDSET_1")
	assert.True(t, ok)
	assert.Equal(t, "FIELDSET", fieldSet.Type)

	groups, ok := fieldSet.Value.([][]n2k.FieldValue)
	assert.True(t, ok)
	if assert.Len(t, groups, 3) {
		assert.Equal(t, n2k.FieldValue{ID: "prn", Type: "UINT64", Value: uint64(2)}, groups[1][0])
		assert.Equal(t, n2k.FieldValue{ID: "elevation", Type: "UINT64", Value: uint64(20)}, groups[1][1])
	}
}

func TestDecodeRepeatingSetWithoutCountField(t *testing.T) {
	c, err := New(gnssSatsSchema())
	assert.NoError(t, err)
	decoder := NewDecoder(c)

	raw := n2k.RawMessage{
		Header: n2k.CanBusHeader{PGN: 126464},
		// two full 3 byte groups and one stray byte that cannot form a third
		Data: n2k.RawData{0x00, 0x14, 0xF0, 0x01, 0x02, 0xF8, 0x01, 0x99},
	}

	msg, err := decoder.Decode(raw)

	assert.NoError(t, err)
	fieldSet, ok := msg.Fields.FindByID("FIELDSET_1")
	assert.True(t, ok)

	groups, ok := fieldSet.Value.([][]n2k.FieldValue)
	assert.True(t, ok)
	if assert.Len(t, groups, 2) {
		assert.Equal(t, uint64(0x01F014), groups[0][0].Value)
		assert.Equal(t, uint64(0x01F802), groups[1][0].Value)
	}
}
