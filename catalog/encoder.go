package catalog

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/aldrik/go-n2k"
)

var (
	// ErrFieldNotEncodable is returned when a field's kind or the given value
	// type cannot be packed.
	ErrFieldNotEncodable = errors.New("field is not encodable")
)

// RangeError reports a field value outside the range its bit size and
// resolution can represent.
type RangeError struct {
	FieldID string
	Value   float64
	Min     float64
	Max     float64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("value %v of field %v is outside of range %v to %v", e.Value, e.FieldID, e.Min, e.Max)
}

// Encoder packs field values back into raw payloads using a Catalog. It is
// the inverse of Decoder for every fixed size field kind plus the variable
// size strings. It is stateless and safe for concurrent use.
type Encoder struct {
	catalog *Catalog
}

// NewEncoder creates an Encoder over the given catalog.
func NewEncoder(catalog *Catalog) *Encoder {
	return &Encoder{catalog: catalog}
}

// Encode builds the payload for msg.Header.PGN from msg.Fields. Variants of
// the same PGN are tried in catalog order and the first variant whose match
// fields are consistent with the given values is used; match constants are
// written into the payload automatically and need not be present in the
// input. Fields absent from the input are filled with their "no data"
// pattern, reserved fields with all ones and spare fields with zeros.
func (e *Encoder) Encode(msg n2k.Message) (n2k.RawMessage, error) {
	def, err := e.findDefinition(msg)
	if err != nil {
		return n2k.RawMessage{}, err
	}

	size, err := e.payloadBits(def, msg.Fields)
	if err != nil {
		return n2k.RawMessage{}, err
	}
	data := make(n2k.RawData, (size+7)/8)
	for i := range data {
		data[i] = 0xFF
	}

	bitOffset := uint16(0)
	for i := range def.Fields {
		f := &def.Fields[i]
		if def.RepeatingFieldSet1Size > 0 && i+1 == int(def.RepeatingFieldSet1StartField) {
			break
		}
		written, err := e.encodeField(data, f, bitOffset, msg.Fields)
		if err != nil {
			return n2k.RawMessage{}, err
		}
		bitOffset += written
	}
	if def.RepeatingFieldSet1Size > 0 {
		if err := e.encodeRepeatingSet(data, def, bitOffset, msg.Fields); err != nil {
			return n2k.RawMessage{}, err
		}
	}
	return n2k.RawMessage{Header: msg.Header, Data: data}, nil
}

// findDefinition picks the variant to encode with. A variant with match
// fields applies when the input either omits those fields or carries their
// exact constants.
func (e *Encoder) findDefinition(msg n2k.Message) (*Definition, error) {
	indexes, ok := e.catalog.byNumber[msg.Header.PGN]
	if !ok {
		return nil, ErrUnknownPGN
	}
	for _, i := range indexes {
		def := &e.catalog.definitions[i]
		if def.Fallback {
			continue
		}
		if !def.hasMatchFields || matchFieldsConsistent(def, msg.Fields) {
			return def, nil
		}
	}
	return nil, ErrNoMatchingVariant
}

func matchFieldsConsistent(def *Definition, fields n2k.FieldValues) bool {
	for i := range def.Fields {
		f := &def.Fields[i]
		if f.Match == nil {
			continue
		}
		fv, ok := fields.FindByID(f.ID)
		if !ok {
			continue
		}
		given, ok := fv.AsFloat64()
		if !ok || int64(given) != *f.Match {
			return false
		}
	}
	return true
}

// payloadBits computes the total payload size. Fixed size fields contribute
// their bit length; the variable size strings contribute according to the
// value being encoded.
func (e *Encoder) payloadBits(def *Definition, fields n2k.FieldValues) (uint16, error) {
	total := uint16(0)
	countField := func(f *Field) (uint16, error) {
		ft := f.resolved
		switch ft.Kind {
		case FieldKindStringLz:
			str, _ := stringValue(fields, f.ID)
			return uint16(len(str)+2) * 8, nil // length byte + bytes + terminating zero
		case FieldKindStringLAU:
			str, _ := stringValue(fields, f.ID)
			return uint16(len(str)+2) * 8, nil // length byte + encoding byte + bytes
		}
		if ft.Size == 0 {
			return 0, &DecodeError{FieldID: f.ID, Err: ErrFieldNotEncodable}
		}
		return ft.Size, nil
	}

	for i := range def.Fields {
		f := &def.Fields[i]
		if def.RepeatingFieldSet1Size > 0 && i+1 == int(def.RepeatingFieldSet1StartField) {
			break
		}
		bits, err := countField(f)
		if err != nil {
			return 0, err
		}
		total += bits
	}
	if def.RepeatingFieldSet1Size > 0 {
		groups := fieldSetGroups(fields)
		groupBits := uint16(0)
		startIndex := int(def.RepeatingFieldSet1StartField) - 1
		for gi := 0; gi < int(def.RepeatingFieldSet1Size) && startIndex+gi < len(def.Fields); gi++ {
			bits, err := countField(&def.Fields[startIndex+gi])
			if err != nil {
				return 0, err
			}
			groupBits += bits
		}
		total += groupBits * uint16(len(groups))
	}
	if def.Length > 0 && total < uint16(def.Length)*8 {
		total = uint16(def.Length) * 8
	}
	return total, nil
}

func fieldSetGroups(fields n2k.FieldValues) [][]n2k.FieldValue {
	fv, ok := fields.FindByID("FIELDSET_1")
	if !ok {
		return nil
	}
	groups, _ := fv.Value.([][]n2k.FieldValue)
	return groups
}

func (e *Encoder) encodeRepeatingSet(data n2k.RawData, def *Definition, bitOffset uint16, fields n2k.FieldValues) error {
	startIndex := int(def.RepeatingFieldSet1StartField) - 1
	for _, group := range fieldSetGroups(fields) {
		for gi := 0; gi < int(def.RepeatingFieldSet1Size) && startIndex+gi < len(def.Fields); gi++ {
			f := &def.Fields[startIndex+gi]
			written, err := e.encodeField(data, f, bitOffset, group)
			if err != nil {
				return err
			}
			bitOffset += written
		}
	}
	return nil
}

// encodeField packs one field at bitOffset and returns how many bits it
// occupied.
func (e *Encoder) encodeField(data n2k.RawData, f *Field, bitOffset uint16, fields n2k.FieldValues) (uint16, error) {
	ft := f.resolved
	signed := ft.HasSign != nil && *ft.HasSign

	switch ft.Kind {
	case FieldKindReserved:
		// all ones, which the 0xFF prefill already wrote
		return ft.Size, nil
	case FieldKindSpare:
		if err := data.PutVariableUint(bitOffset, ft.Size, 0); err != nil {
			return 0, &DecodeError{FieldID: f.ID, BitOffset: bitOffset, Err: err}
		}
		return ft.Size, nil
	}

	if f.Match != nil {
		if err := data.PutVariableUint(bitOffset, ft.Size, uint64(*f.Match)); err != nil {
			return 0, &DecodeError{FieldID: f.ID, BitOffset: bitOffset, Err: err}
		}
		return ft.Size, nil
	}

	fv, ok := fields.FindByID(f.ID)
	if !ok || fv.Type == "NO_DATA" {
		switch ft.Kind {
		case FieldKindStringLz:
			return 16, data.PutVariableUint(bitOffset, 16, 0x0001) // length byte 1 + terminating zero
		case FieldKindStringLAU:
			return 16, data.PutVariableUint(bitOffset, 16, 0x0102) // length byte 2 + ASCII marker
		}
		if err := data.PutNoData(bitOffset, ft.Size, signed); err != nil {
			return 0, &DecodeError{FieldID: f.ID, BitOffset: bitOffset, Err: err}
		}
		return ft.Size, nil
	}

	switch ft.Kind {
	case FieldKindNumber, FieldKindLookup, FieldKindIndirectLookup, FieldKindBitLookup, FieldKindMMSI:
		return ft.Size, e.encodeNumber(data, f, bitOffset, fv)
	case FieldKindBinary:
		value, ok := fv.Value.([]byte)
		if !ok {
			return 0, &DecodeError{FieldID: f.ID, BitOffset: bitOffset, Err: ErrFieldNotEncodable}
		}
		if err := data.PutBytes(bitOffset, ft.Size, value); err != nil {
			return 0, &DecodeError{FieldID: f.ID, BitOffset: bitOffset, Err: err}
		}
		return ft.Size, nil
	case FieldKindStringFix:
		str, ok := fv.Value.(string)
		if !ok {
			return 0, &DecodeError{FieldID: f.ID, BitOffset: bitOffset, Err: ErrFieldNotEncodable}
		}
		if err := data.PutStringFix(bitOffset, ft.Size, str); err != nil {
			return 0, &DecodeError{FieldID: f.ID, BitOffset: bitOffset, Err: err}
		}
		return ft.Size, nil
	case FieldKindStringLz:
		str, _ := stringValue(fields, f.ID)
		return e.encodeStringLZ(data, f, bitOffset, str)
	case FieldKindStringLAU:
		str, _ := stringValue(fields, f.ID)
		return e.encodeStringLAU(data, f, bitOffset, str)
	case FieldKindTime:
		return ft.Size, e.encodeTime(data, f, bitOffset, fv)
	case FieldKindDate:
		return ft.Size, e.encodeDate(data, f, bitOffset, fv)
	case FieldKindFloat:
		value, ok := fv.AsFloat64()
		if !ok {
			return 0, &DecodeError{FieldID: f.ID, BitOffset: bitOffset, Err: ErrFieldNotEncodable}
		}
		bits := uint64(math.Float32bits(float32(value)))
		if err := data.PutVariableUint(bitOffset, ft.Size, bits); err != nil {
			return 0, &DecodeError{FieldID: f.ID, BitOffset: bitOffset, Err: err}
		}
		return ft.Size, nil
	case FieldKindDecimal:
		return ft.Size, e.encodeDecimal(data, f, bitOffset, fv)
	}
	return 0, &DecodeError{FieldID: f.ID, BitOffset: bitOffset, Err: ErrFieldNotEncodable}
}

func (e *Encoder) encodeNumber(data n2k.RawData, f *Field, bitOffset uint16, fv n2k.FieldValue) error {
	ft := f.resolved
	signed := ft.HasSign != nil && *ft.HasSign

	// lookups given as enum pairs encode their numeric value
	if ev, ok := fv.Value.(n2k.EnumValue); ok {
		if err := data.PutVariableUint(bitOffset, ft.Size, uint64(ev.Value)); err != nil {
			return &DecodeError{FieldID: f.ID, BitOffset: bitOffset, Err: err}
		}
		return nil
	}

	value, ok := fv.AsFloat64()
	if !ok {
		return &DecodeError{FieldID: f.ID, BitOffset: bitOffset, Err: ErrFieldNotEncodable}
	}
	if !math.IsNaN(ft.RangeMin) && (value < ft.RangeMin || value > ft.RangeMax) {
		return &RangeError{FieldID: f.ID, Value: value, Min: ft.RangeMin, Max: ft.RangeMax}
	}

	raw := int64(math.Round(value/ft.Resolution)) - f.Offset
	if signed {
		if err := data.PutVariableInt(bitOffset, ft.Size, raw); err != nil {
			return &DecodeError{FieldID: f.ID, BitOffset: bitOffset, Err: err}
		}
		return nil
	}
	if raw < 0 {
		return &RangeError{FieldID: f.ID, Value: value, Min: ft.RangeMin, Max: ft.RangeMax}
	}
	if err := data.PutVariableUint(bitOffset, ft.Size, uint64(raw)); err != nil {
		return &DecodeError{FieldID: f.ID, BitOffset: bitOffset, Err: err}
	}
	return nil
}

func (e *Encoder) encodeTime(data n2k.RawData, f *Field, bitOffset uint16, fv n2k.FieldValue) error {
	ft := f.resolved
	duration, ok := fv.Value.(time.Duration)
	if !ok {
		return &DecodeError{FieldID: f.ID, BitOffset: bitOffset, Err: ErrFieldNotEncodable}
	}
	raw := uint64(math.Round(duration.Seconds() / ft.Resolution))
	if err := data.PutVariableUint(bitOffset, ft.Size, raw); err != nil {
		return &DecodeError{FieldID: f.ID, BitOffset: bitOffset, Err: err}
	}
	return nil
}

func (e *Encoder) encodeDate(data n2k.RawData, f *Field, bitOffset uint16, fv n2k.FieldValue) error {
	ft := f.resolved
	date, ok := fv.Value.(time.Time)
	if !ok {
		return &DecodeError{FieldID: f.ID, BitOffset: bitOffset, Err: ErrFieldNotEncodable}
	}
	days := date.Unix() / (24 * 60 * 60)
	if days < 0 {
		return &RangeError{FieldID: f.ID, Value: float64(days), Min: 0, Max: math.MaxUint16 - 2}
	}
	if err := data.PutVariableUint(bitOffset, ft.Size, uint64(days)); err != nil {
		return &DecodeError{FieldID: f.ID, BitOffset: bitOffset, Err: err}
	}
	return nil
}

func (e *Encoder) encodeDecimal(data n2k.RawData, f *Field, bitOffset uint16, fv n2k.FieldValue) error {
	ft := f.resolved
	value, ok := fv.AsFloat64()
	if !ok || value < 0 {
		return &DecodeError{FieldID: f.ID, BitOffset: bitOffset, Err: ErrFieldNotEncodable}
	}
	number := uint64(value)

	// each byte is a plain binary value holding two decimal digits, most
	// significant pair first
	byteCount := ft.Size / 8
	for i := int(byteCount) - 1; i >= 0; i-- {
		pair := number % 100
		number /= 100
		if err := data.PutVariableUint(bitOffset+uint16(i)*8, 8, pair); err != nil {
			return &DecodeError{FieldID: f.ID, BitOffset: bitOffset, Err: err}
		}
	}
	return nil
}

func (e *Encoder) encodeStringLZ(data n2k.RawData, f *Field, bitOffset uint16, str string) (uint16, error) {
	raw := []byte(str)
	if err := data.PutVariableUint(bitOffset, 8, uint64(len(raw)+1)); err != nil {
		return 0, &DecodeError{FieldID: f.ID, BitOffset: bitOffset, Err: err}
	}
	if err := data.PutBytes(bitOffset+8, uint16(len(raw))*8, raw); err != nil {
		return 0, &DecodeError{FieldID: f.ID, BitOffset: bitOffset, Err: err}
	}
	if err := data.PutVariableUint(bitOffset+8+uint16(len(raw))*8, 8, 0); err != nil {
		return 0, &DecodeError{FieldID: f.ID, BitOffset: bitOffset, Err: err}
	}
	return uint16(len(raw)+2) * 8, nil
}

func (e *Encoder) encodeStringLAU(data n2k.RawData, f *Field, bitOffset uint16, str string) (uint16, error) {
	raw := []byte(str)
	if err := data.PutVariableUint(bitOffset, 8, uint64(len(raw)+2)); err != nil {
		return 0, &DecodeError{FieldID: f.ID, BitOffset: bitOffset, Err: err}
	}
	if err := data.PutVariableUint(bitOffset+8, 8, 1); err != nil { // 1 = ASCII
		return 0, &DecodeError{FieldID: f.ID, BitOffset: bitOffset, Err: err}
	}
	if err := data.PutBytes(bitOffset+16, uint16(len(raw))*8, raw); err != nil {
		return 0, &DecodeError{FieldID: f.ID, BitOffset: bitOffset, Err: err}
	}
	return uint16(len(raw)+2) * 8, nil
}

func stringValue(fields n2k.FieldValues, id string) (string, bool) {
	fv, ok := fields.FindByID(id)
	if !ok {
		return "", false
	}
	str, ok := fv.Value.(string)
	return str, ok
}
