package n2k

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf16"
)

// NMEA 2000 reserves the most positive bit patterns of a numeric field as
// special values. Fields of 4 and more bits reserve two: all-ones means
// "no data" and all-ones minus one means "out of range". Fields of 2 and 3
// bits reserve only the all-ones "no data" pattern. For signed fields the
// reserved patterns are the two most positive values at the field's own bit
// width (e.g. 0x7F and 0x7E for 8 bits), not the all-ones negative encoding.
var (
	// ErrValueNoData indicates that field carries no data (for example 8 bits uint8=>0xFF, int8=>0x7F)
	ErrValueNoData = errors.New("field value has no data")
	// ErrValueOutOfRange indicates that field value is out of valid range (for example 8 bits uint8=>0xFE, int8=>0x7E)
	ErrValueOutOfRange = errors.New("field value out of range")
	// ErrOutOfBounds indicates that the requested bits extend past the end of the data
	ErrOutOfBounds = errors.New("bitoffset is out of bounds of data")
)

var epoch = time.Unix(0, 0).UTC()

// RawData is the payload of a RawMessage. All bit-level extraction and
// packing primitives are defined on it. Bit offsets are relative to the start
// of the buffer and need not be byte aligned; bit order is little endian as
// on the CAN/J1939 wire.
type RawData []byte

// SpecialValueCount returns how many of the most positive bit patterns are
// reserved as special values for a field of given bit size.
func SpecialValueCount(bitLength uint16) uint16 {
	switch {
	case bitLength >= 4:
		return 2
	case bitLength >= 2:
		return 1
	}
	return 0
}

func (d *RawData) DecodeBytes(bitOffset uint16, bitLength uint16, isVariableSize bool) ([]byte, uint16, error) {
	rawData := []byte(*d)

	endByteIndex := (bitOffset + bitLength - 1) / 8
	if int(endByteIndex) > len(rawData)-1 {
		if isVariableSize { // variable length caps bit length to packet end so we can read shorter data
			endByteIndex = uint16(len(rawData) - 1)
			bitLength -= (bitOffset + bitLength) - uint16(len(rawData)*8)
		} else {
			return nil, 0, ErrOutOfBounds
		}
	}

	length := (bitLength + 7) / 8
	result := make([]byte, length)

	startByteIndex := bitOffset / 8
	startBitIndex := bitOffset % 8
	if startByteIndex == endByteIndex { // single byte, everything starts and ends at the same byte
		result[0] = rawData[startByteIndex] >> startBitIndex
		if unnecessaryBits := bitLength % 8; unnecessaryBits != 0 {
			result[0] &= 0xFF >> (8 - unnecessaryBits)
		}
	} else if startBitIndex != 0 { // multibyte, each result byte combines bits of two adjacent bytes
		for i := uint16(0); i < length; i++ {
			result[i] = rawData[startByteIndex+i] >> startBitIndex
			if startByteIndex+i < endByteIndex {
				result[i] |= rawData[startByteIndex+i+1] << (8 - startBitIndex)
			}
		}
		if unnecessaryBits := bitLength % 8; unnecessaryBits != 0 {
			result[length-1] &= 0xFF >> (8 - unnecessaryBits)
		}
	} else { // multibyte, but starts exactly at byte border
		copy(result, rawData[startByteIndex:endByteIndex+1])
		unnecessaryBits := bitLength % 8
		if unnecessaryBits != 0 {
			result[len(result)-1] &= 0xFF >> (8 - unnecessaryBits)
		}
	}

	return result, bitLength, nil
}

func (d *RawData) DecodeVariableUint(bitOffset uint16, bitLength uint16) (uint64, error) {
	return d.decodeVariableInt(bitOffset, bitLength, false)
}

func (d *RawData) DecodeVariableInt(bitOffset uint16, bitLength uint16) (int64, error) {
	variableUInt, err := d.decodeVariableInt(bitOffset, bitLength, true)
	return int64(variableUInt), err
}

func (d *RawData) decodeVariableInt(bitOffset uint16, bitLength uint16, signed bool) (uint64, error) {
	if bitLength > 64 || bitLength == 0 {
		return 0, fmt.Errorf("bit length must be between 1 and 64")
	}
	startByteIndex := bitOffset / 8
	endByteIndex := ((bitOffset + bitLength + 7) / 8) - 1
	rawData := []byte(*d)
	if int(endByteIndex) >= len(rawData) {
		return 0, ErrOutOfBounds
	}

	rawBytes := make([]byte, 8)
	copy(rawBytes, rawData[startByteIndex:endByteIndex+1])
	result := binary.LittleEndian.Uint64(rawBytes)

	// in case we do not start at a byte border the rightmost bits are what interest us, clear leading bits off
	result >>= bitOffset % 8
	// an unaligned field of up to 64 bits can span 9 bytes, the 9th does not
	// fit the scratch buffer and contributes its bits from the top
	if endByteIndex-startByteIndex+1 > 8 {
		result |= uint64(rawData[endByteIndex]) << (64 - bitOffset%8)
	}
	mask := (^uint64(0)) >> (64 - bitLength)
	// in case we do not end exactly at the end of last byte, clear those bits at the end
	result = result & mask

	isNegative := false
	maxPositive := mask
	if signed {
		// at current bit length check if MSB is set, so cast to int64 would carry the correct sign
		isNegative = result&(1<<(bitLength-1)) != 0
		maxPositive = mask >> 1 // special values are the most positive values, not the all-ones negative encoding
	}

	switch SpecialValueCount(bitLength) {
	case 2:
		if result == maxPositive {
			return 0, ErrValueNoData
		} else if result == maxPositive-1 {
			return 0, ErrValueOutOfRange
		}
	case 1:
		if result == maxPositive {
			return 0, ErrValueNoData
		}
	}

	if isNegative {
		// negative numbers have all higher bits toggled
		negativeMask := ^((^uint64(0)) >> (64 - bitLength))
		result |= negativeMask
	}
	return result, nil
}

// PutVariableUint writes value into given bit range without disturbing
// adjacent bits. It is the exact inverse of DecodeVariableUint.
func (d *RawData) PutVariableUint(bitOffset uint16, bitLength uint16, value uint64) error {
	if bitLength > 64 || bitLength == 0 {
		return fmt.Errorf("bit length must be between 1 and 64")
	}
	endByteIndex := ((bitOffset + bitLength + 7) / 8) - 1
	rawData := []byte(*d)
	if int(endByteIndex) >= len(rawData) {
		return ErrOutOfBounds
	}
	mask := (^uint64(0)) >> (64 - bitLength)
	if value > mask {
		return fmt.Errorf("value does not fit into %v bits", bitLength)
	}

	for i := uint16(0); i < bitLength; i++ {
		bit := bitOffset + i
		byteIndex := bit / 8
		bitIndex := bit % 8
		if value&(1<<i) != 0 {
			rawData[byteIndex] |= 1 << bitIndex
		} else {
			rawData[byteIndex] &^= 1 << bitIndex
		}
	}
	return nil
}

// PutVariableInt writes a signed value into given bit range. The value is
// truncated to the field's own bit width two's complement encoding.
func (d *RawData) PutVariableInt(bitOffset uint16, bitLength uint16, value int64) error {
	if bitLength > 64 || bitLength == 0 {
		return fmt.Errorf("bit length must be between 1 and 64")
	}
	mask := (^uint64(0)) >> (64 - bitLength)
	return d.PutVariableUint(bitOffset, bitLength, uint64(value)&mask)
}

// PutNoData writes the "no data" special value into given bit range.
func (d *RawData) PutNoData(bitOffset uint16, bitLength uint16, signed bool) error {
	mask := (^uint64(0)) >> (64 - bitLength)
	if signed {
		mask >>= 1
	}
	return d.PutVariableUint(bitOffset, bitLength, mask)
}

// PutBytes writes bitLength bits from value into given bit range without
// disturbing adjacent bits.
func (d *RawData) PutBytes(bitOffset uint16, bitLength uint16, value []byte) error {
	if int(bitLength) > len(value)*8 {
		return fmt.Errorf("value is shorter than %v bits", bitLength)
	}
	for remaining := bitLength; remaining > 0; {
		chunk := remaining
		if chunk > 64 {
			chunk = 64
		}
		i := (bitLength - remaining) / 8
		rawBytes := make([]byte, 8)
		copy(rawBytes, value[i:])
		chunkValue := binary.LittleEndian.Uint64(rawBytes) & ((^uint64(0)) >> (64 - chunk))
		if err := d.PutVariableUint(bitOffset+(bitLength-remaining), chunk, chunkValue); err != nil {
			return err
		}
		remaining -= chunk
	}
	return nil
}

// PutStringFix writes a fixed size string field, padding unused trailing
// bytes with 0xFF.
func (d *RawData) PutStringFix(bitOffset uint16, bitLength uint16, value string) error {
	byteLength := int(bitLength / 8)
	if len(value) > byteLength {
		return fmt.Errorf("string is longer than %v bytes", byteLength)
	}
	raw := make([]byte, byteLength)
	copy(raw, value)
	for i := len(value); i < byteLength; i++ {
		raw[i] = 0xFF
	}
	return d.PutBytes(bitOffset, uint16(byteLength)*8, raw)
}

func (d *RawData) DecodeTime(bitOffset uint16, bitLength uint16, resolution float64) (time.Duration, error) {
	// Absolute times in NMEA 2000 are expressed as seconds since midnight (in an undefined timezone)
	rawSeconds, err := d.DecodeVariableUint(bitOffset, bitLength)
	if err != nil {
		return 0, err
	}

	result := time.Duration(uint64(float64(rawSeconds)*resolution)) * time.Second
	if resolution < 1 { // we need to extract decimal parts as smaller than seconds units
		// 1 / resolution => 1 / 0.001 => 1 second is 1000 units (millisecond)
		unitsInSecond := uint64(1 / resolution)
		fraction := rawSeconds % unitsInSecond
		// convert fraction to nanoseconds and then add to result
		result += time.Duration((uint64(time.Second) / unitsInSecond) * fraction)
	}

	return result, nil
}

func (d *RawData) DecodeStringFix(bitOffset uint16, bitLength uint16) (string, error) {
	rawBytes, _, err := d.DecodeBytes(bitOffset, bitLength, false)
	if err != nil {
		return "", err
	}
	length := 0
	for length < len(rawBytes) {
		b := rawBytes[length]
		if b == 0xFF || b == 0x0 || b == '@' {
			break
		}
		length++
	}
	if length == 0 {
		return "", nil
	} else if length == len(rawBytes) {
		return string(rawBytes), nil
	}
	return string(rawBytes[0:length]), nil
}

func (d *RawData) DecodeStringLAU(bitOffset uint16) (string, uint16, error) {
	headerBytes, _, err := d.DecodeBytes(bitOffset, 16, false)
	if err != nil {
		return "", 0, err
	}
	length := uint16(headerBytes[0])
	if length == 2 {
		return "", 16, nil
	} else if length < 2 {
		return "", 0, fmt.Errorf("string lau has invalid size below 2")
	}
	length -= 2 // remove length and encoding bytes size
	encoding := headerBytes[1]
	rawBytes, readBits, err := d.DecodeBytes(bitOffset+16, length*8, true)
	if err != nil {
		return "", 0, err
	}

	readBits += 16 // put len and encoding bits back to report correct read number
	switch encoding {
	case 0: // utf16
		if len(rawBytes) < 2 {
			return "", 0, fmt.Errorf("string lau utf16 content is shorter than 2 bytes")
		}
		bom := [2]byte{rawBytes[0], rawBytes[1]}
		var s string
		switch bom {
		case [2]byte{0xff, 0xfe}:
			s, err = decodeUtf16(rawBytes[2:], binary.LittleEndian)
		case [2]byte{0xfe, 0xff}:
			s, err = decodeUtf16(rawBytes[2:], binary.BigEndian)
		default:
			s, err = decodeUtf16(rawBytes, binary.LittleEndian)
		}
		if err != nil {
			return "", 0, err
		}
		return s, readBits, err
	case 1: // utf8/ascii
		// trim trailing 0x0 and 0xFF off, these mean "no data"
		usableBytesLen := 0
		for _, b := range rawBytes {
			if b == 0 || b == 0xFF {
				break
			}
			usableBytesLen++
		}
		if usableBytesLen != len(rawBytes) {
			rawBytes = rawBytes[0:usableBytesLen]
		}
		return string(rawBytes), readBits, nil
	default:
		return "", 0, fmt.Errorf("invalid string lau encoding")
	}
}

func decodeUtf16(b []byte, order binary.ByteOrder) (string, error) {
	ints := make([]uint16, len(b)/2)
	if err := binary.Read(bytes.NewReader(b), order, &ints); err != nil {
		return "", fmt.Errorf("failed to decode utf16 string, err: %w", err)
	}
	return string(utf16.Decode(ints)), nil
}

func (d *RawData) DecodeStringLZ(bitOffset uint16, bitLength uint16) (string, uint16, error) {
	rawData := []byte(*d)
	lengthByteIndex := bitOffset / 8
	if int(lengthByteIndex) >= len(rawData) {
		return "", 0, ErrOutOfBounds
	}

	actualLength := uint16(rawData[lengthByteIndex])
	fieldLength := (bitLength + 7) / 8
	if actualLength > fieldLength {
		actualLength = fieldLength
	} else if actualLength == 0 {
		return "", 8, nil // empty string
	}

	rawBytes, readBits, err := d.DecodeBytes(bitOffset+8, actualLength*8, true)
	if err != nil {
		return "", 0, err
	}
	// the length byte counts the terminating zero, do not return it
	usableBytesLen := 0
	for _, b := range rawBytes {
		if b == 0 || b == 0xFF {
			break
		}
		usableBytesLen++
	}
	return string(rawBytes[:usableBytesLen]), readBits + 8, nil
}

func (d *RawData) DecodeDate(bitOffset uint16, bitLength uint16) (time.Time, error) {
	if bitLength != 16 {
		return time.Time{}, fmt.Errorf("can only decode date with 16 bits")
	}
	rawBytes, _, err := d.DecodeBytes(bitOffset, bitLength, false)
	if err != nil {
		return time.Time{}, err
	}
	daysSinceEpoch := binary.LittleEndian.Uint16(rawBytes)

	if daysSinceEpoch == math.MaxUint16 {
		return time.Time{}, ErrValueNoData
	} else if daysSinceEpoch == (math.MaxUint16 - 1) {
		return time.Time{}, ErrValueOutOfRange
	}

	return epoch.AddDate(0, 0, int(daysSinceEpoch)), nil
}

func (d *RawData) DecodeDecimal(bitOffset uint16, bitLength uint16) (uint64, error) {
	rawBytes, _, err := d.DecodeBytes(bitOffset, bitLength, false)
	if err != nil {
		return 0, err
	}
	result := uint64(0)
	digits := uint64(1)
	isNoData := true
	for i := len(rawBytes) - 1; i >= 0; i-- {
		b := rawBytes[i]
		if b == 0xff {
			continue
		}
		if b > 99 { // 100+ has 3 digits
			return 0, fmt.Errorf("decimal contains byte with value larger than 2 digits")
		}
		isNoData = false
		right := uint64(b % 10) // right side digit
		left := uint64(b / 10)  // left side digit

		result += digits * right
		digits *= 10
		result += digits * left
		digits *= 10
	}
	if isNoData {
		return 0, ErrValueNoData
	}
	return result, nil
}

func (d *RawData) DecodeFloat(bitOffset uint16, bitLength uint16) (float64, error) {
	if bitLength != 32 {
		return 0.0, fmt.Errorf("can only decode float with 32 bits")
	}
	rawBytes, _, err := d.DecodeBytes(bitOffset, bitLength, false)
	if err != nil {
		return 0., err
	}
	asUint32 := binary.LittleEndian.Uint32(rawBytes)

	if asUint32 == math.MaxUint32 { // NaN as float32
		return 0., ErrValueNoData
	} else if asUint32 == (math.MaxUint32 - 1) { // NaN as float32
		return 0., ErrValueOutOfRange
	}

	return float64(math.Float32frombits(asUint32)), nil
}

func (d *RawData) AsHex() string {
	if d == nil {
		return ""
	}
	return hex.EncodeToString(*d)
}
