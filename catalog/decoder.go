package catalog

import (
	"errors"
	"fmt"

	"github.com/aldrik/go-n2k"
)

// ErrPayloadTooShort is returned (wrapped in a DecodeError) when a field's
// bits extend past the end of the payload.
var ErrPayloadTooShort = errors.New("payload too short for field")

// DecodeError reports which field failed to decode and where it sits in the
// payload.
type DecodeError struct {
	FieldID   string
	BitOffset uint16
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode field %v at bit %v: %v", e.FieldID, e.BitOffset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type DecoderConfig struct {
	// DecodeReservedFields instructs Decoder to include reserved type fields in output
	DecodeReservedFields bool
	// DecodeSpareFields instructs Decoder to include spare type fields in output
	DecodeSpareFields bool
	// DecodeLookupsToEnumType instructs Decoder to convert lookup numbers to enum text+value pairs
	DecodeLookupsToEnumType bool
}

// Decoder turns assembled raw messages into field values using a Catalog.
// It is stateless and safe for concurrent use.
type Decoder struct {
	catalog *Catalog
	config  DecoderConfig
}

// NewDecoder creates a Decoder over the given catalog.
func NewDecoder(catalog *Catalog) *Decoder {
	return &Decoder{catalog: catalog}
}

// NewDecoderWithConfig creates a Decoder over the given catalog with config.
func NewDecoderWithConfig(catalog *Catalog, config DecoderConfig) *Decoder {
	return &Decoder{catalog: catalog, config: config}
}

type decoded struct {
	Field    *Field
	Value    n2k.FieldValue
	ValueSet [][]decoded
}

// Decode selects the definition for the message and decodes every field.
// Fields carrying the "no data" or "out of range" sentinel patterns are kept
// in the output with types NO_DATA and OUT_OF_RANGE so the caller can tell a
// missing reading from a zero one.
//
// When the PGN is unknown or no variant matches, and the catalog has a
// catch-all definition, the payload is still decoded with the catch-all and
// returned together with ErrUnknownPGN or ErrNoMatchingVariant. The message
// Complete flag is only set when a full, matching definition was used.
func (d *Decoder) Decode(raw n2k.RawMessage) (n2k.Message, error) {
	def, matchErr := d.catalog.FindDefinition(raw.Header.PGN, raw.Data)
	if def == nil {
		return n2k.Message{}, matchErr
	}

	var decodedFields []decoded
	var err error
	if def.RepeatingFieldSet1Size > 0 {
		decodedFields, err = d.decodeWithRepeatingSet(def, raw)
	} else {
		decodedFields, err = d.decode(def, raw)
	}
	if err != nil {
		return n2k.Message{}, err
	}

	fields, err := d.postProcessFields(decodedFields)
	if err != nil {
		return n2k.Message{}, err
	}
	return n2k.Message{
		Header:   raw.Header,
		Fields:   fields,
		Complete: def.Complete && matchErr == nil,
	}, matchErr
}

var errValueIgnored = errors.New("field value ignored")

func (d *Decoder) decodeSingleField(raw n2k.RawMessage, f *Field, bitOffset uint16) (decoded, uint16, error) {
	kind := f.resolved.Kind
	if (kind == FieldKindReserved && !d.config.DecodeReservedFields) ||
		(kind == FieldKindSpare && !d.config.DecodeSpareFields) {
		return decoded{}, f.resolved.Size, errValueIgnored
	}

	fv, readBits, err := d.decodeField(raw.Data, f, bitOffset)
	if err != nil {
		switch {
		case errors.Is(err, n2k.ErrValueNoData):
			return decoded{Field: f, Value: n2k.FieldValue{ID: f.ID, Type: "NO_DATA"}}, readBits, nil
		case errors.Is(err, n2k.ErrValueOutOfRange):
			return decoded{Field: f, Value: n2k.FieldValue{ID: f.ID, Type: "OUT_OF_RANGE"}}, readBits, nil
		case errors.Is(err, n2k.ErrOutOfBounds):
			return decoded{}, 0, &DecodeError{FieldID: f.ID, BitOffset: bitOffset, Err: ErrPayloadTooShort}
		}
		return decoded{}, 0, &DecodeError{FieldID: f.ID, BitOffset: bitOffset, Err: err}
	}
	return decoded{Field: f, Value: fv}, readBits, nil
}

// decodeField dispatches on the field's resolved interpretation. It returns
// how many bits the field actually occupied, which for variable size fields
// is only known after reading.
func (d *Decoder) decodeField(rawData n2k.RawData, f *Field, bitOffset uint16) (n2k.FieldValue, uint16, error) {
	ft := f.resolved
	switch ft.Kind {
	case FieldKindNumber, FieldKindLookup, FieldKindIndirectLookup, FieldKindBitLookup:
		// lookups decode as plain numbers here; postProcessFields converts
		// them to enum values when configured
		fv, err := d.decodeNumber(rawData, f, bitOffset)
		return fv, ft.Size, err
	case FieldKindReserved, FieldKindSpare, FieldKindBinary:
		value, readBits, err := rawData.DecodeBytes(bitOffset, ft.Size, ft.VariableSize)
		if err != nil {
			return n2k.FieldValue{}, 0, err
		}
		return n2k.FieldValue{ID: f.ID, Type: "BYTES", Value: value}, readBits, nil
	case FieldKindTime:
		value, err := rawData.DecodeTime(bitOffset, ft.Size, ft.Resolution)
		if err != nil {
			return n2k.FieldValue{}, ft.Size, err
		}
		return n2k.FieldValue{ID: f.ID, Type: "DURATION", Value: value}, ft.Size, nil
	case FieldKindDate:
		value, err := rawData.DecodeDate(bitOffset, ft.Size)
		if err != nil {
			return n2k.FieldValue{}, ft.Size, err
		}
		return n2k.FieldValue{ID: f.ID, Type: "DATE", Value: value}, ft.Size, nil
	case FieldKindMMSI:
		value, err := rawData.DecodeVariableUint(bitOffset, ft.Size)
		if err != nil {
			return n2k.FieldValue{}, ft.Size, err
		}
		return n2k.FieldValue{ID: f.ID, Type: "UINT64", Value: value}, ft.Size, nil
	case FieldKindStringFix:
		value, err := rawData.DecodeStringFix(bitOffset, ft.Size)
		if err != nil {
			return n2k.FieldValue{}, ft.Size, err
		}
		return n2k.FieldValue{ID: f.ID, Type: "STRING", Value: value}, ft.Size, nil
	case FieldKindStringLz:
		value, readBits, err := rawData.DecodeStringLZ(bitOffset, ft.Size)
		if err != nil {
			return n2k.FieldValue{}, 0, err
		}
		return n2k.FieldValue{ID: f.ID, Type: "STRING", Value: value}, readBits, nil
	case FieldKindStringLAU:
		value, readBits, err := rawData.DecodeStringLAU(bitOffset)
		if err != nil {
			return n2k.FieldValue{}, 0, err
		}
		return n2k.FieldValue{ID: f.ID, Type: "STRING", Value: value}, readBits, nil
	case FieldKindDecimal:
		value, err := rawData.DecodeDecimal(bitOffset, ft.Size)
		if err != nil {
			return n2k.FieldValue{}, ft.Size, err
		}
		return n2k.FieldValue{ID: f.ID, Type: "UINT64", Value: value}, ft.Size, nil
	case FieldKindFloat:
		value, err := rawData.DecodeFloat(bitOffset, ft.Size)
		if err != nil {
			return n2k.FieldValue{}, ft.Size, err
		}
		return n2k.FieldValue{ID: f.ID, Type: "FLOAT64", Value: value}, ft.Size, nil
	}
	return n2k.FieldValue{}, 0, fmt.Errorf("unsupported field kind: %v", ft.Kind)
}

func (d *Decoder) decodeNumber(rawData n2k.RawData, f *Field, bitOffset uint16) (n2k.FieldValue, error) {
	ft := f.resolved
	if ft.HasSign != nil && *ft.HasSign {
		raw, err := rawData.DecodeVariableInt(bitOffset, ft.Size)
		if err != nil {
			return n2k.FieldValue{}, err
		}
		raw += f.Offset
		if ft.Resolution == 1 {
			return n2k.FieldValue{ID: f.ID, Type: "INT64", Value: raw}, nil
		}
		return n2k.FieldValue{ID: f.ID, Type: "FLOAT64", Value: float64(raw) * ft.Resolution}, nil
	}

	raw, err := rawData.DecodeVariableUint(bitOffset, ft.Size)
	if err != nil {
		return n2k.FieldValue{}, err
	}
	if f.Offset != 0 {
		value := int64(raw) + f.Offset
		if ft.Resolution == 1 {
			return n2k.FieldValue{ID: f.ID, Type: "INT64", Value: value}, nil
		}
		return n2k.FieldValue{ID: f.ID, Type: "FLOAT64", Value: float64(value) * ft.Resolution}, nil
	}
	if ft.Resolution == 1 {
		return n2k.FieldValue{ID: f.ID, Type: "UINT64", Value: raw}, nil
	}
	return n2k.FieldValue{ID: f.ID, Type: "FLOAT64", Value: float64(raw) * ft.Resolution}, nil
}

// decode handles definitions without repeating field sets. Trailing fields
// may be absent from short payloads; decoding stops at the end of the data.
func (d *Decoder) decode(def *Definition, raw n2k.RawMessage) ([]decoded, error) {
	decodedFields := make([]decoded, 0, len(def.Fields))
	messageBitCount := uint16(len(raw.Data) * 8)

	bitOffset := uint16(0)
	for i := 0; bitOffset < messageBitCount && i < len(def.Fields); i++ {
		f := &def.Fields[i]

		dfv, readBits, err := d.decodeSingleField(raw, f, bitOffset)
		bitOffset += readBits

		if err == errValueIgnored {
			continue
		}
		if err != nil {
			return nil, err
		}
		decodedFields = append(decodedFields, dfv)
	}
	return decodedFields, nil
}

// decodeWithRepeatingSet handles definitions whose trailing fields form a
// repeating group. When the definition names a count field its decoded value
// bounds the repetitions; otherwise the group repeats until the payload
// ends. A final group cut short by the end of the payload is dropped.
func (d *Decoder) decodeWithRepeatingSet(def *Definition, raw n2k.RawMessage) ([]decoded, error) {
	messageBitCount := uint16(len(raw.Data) * 8)
	startIndex := int(def.RepeatingFieldSet1StartField) - 1 // field orders are 1-based
	groupSize := int(def.RepeatingFieldSet1Size)

	decodedFields := make([]decoded, 0, len(def.Fields))
	repetitions := -1 // unbounded until the count field is seen

	bitOffset := uint16(0)
	for i := 0; i < startIndex && bitOffset < messageBitCount; i++ {
		f := &def.Fields[i]

		dfv, readBits, err := d.decodeSingleField(raw, f, bitOffset)
		bitOffset += readBits
		if err == errValueIgnored {
			continue
		}
		if err != nil {
			return nil, err
		}
		if int(def.RepeatingFieldSet1CountField) == i+1 {
			if count, ok := dfv.Value.Value.(uint64); ok {
				repetitions = int(count)
			} else {
				repetitions = 0 // count field carried no data
			}
		}
		decodedFields = append(decodedFields, dfv)
	}

	groups := make([][]decoded, 0)
	for repetitions != 0 && bitOffset < messageBitCount {
		group := make([]decoded, 0, groupSize)
		complete := true
		for gi := 0; gi < groupSize; gi++ {
			if startIndex+gi >= len(def.Fields) {
				break
			}
			f := &def.Fields[startIndex+gi]
			if bitOffset >= messageBitCount {
				complete = false
				break
			}
			dfv, readBits, err := d.decodeSingleField(raw, f, bitOffset)
			bitOffset += readBits
			if err == errValueIgnored {
				continue
			}
			if err != nil {
				if errors.Is(err, ErrPayloadTooShort) {
					complete = false
					break
				}
				return nil, err
			}
			group = append(group, dfv)
		}
		if !complete {
			// partial trailing group, the payload ended mid-group
			break
		}
		groups = append(groups, group)
		if repetitions > 0 {
			repetitions--
		}
	}
	if len(groups) > 0 {
		decodedFields = append(decodedFields, decoded{
			Field:    &Field{ID: "FIELDSET_1"},
			ValueSet: groups,
		})
	}
	return decodedFields, nil
}

func (d *Decoder) postProcessFields(decodedFields []decoded) (n2k.FieldValues, error) {
	fields := make([]n2k.FieldValue, 0, len(decodedFields))
	for _, f := range decodedFields {
		if f.ValueSet != nil {
			fieldsets := make([][]n2k.FieldValue, 0, len(f.ValueSet))
			for _, fs := range f.ValueSet {
				tmp, err := d.postProcessFields(fs)
				if err != nil {
					return nil, err
				}
				fieldsets = append(fieldsets, tmp)
			}
			fields = append(fields, n2k.FieldValue{
				ID:    f.Field.ID,
				Type:  "FIELDSET",
				Value: fieldsets,
			})
			continue
		}
		fv := f.Value
		kind := f.Field.resolved.Kind
		if d.config.DecodeLookupsToEnumType && fv.Type != "NO_DATA" && fv.Type != "OUT_OF_RANGE" &&
			(kind == FieldKindLookup || kind == FieldKindIndirectLookup || kind == FieldKindBitLookup) {
			tmpFv, err := d.decodeToEnum(f, decodedFields)
			if err != nil {
				return nil, err
			}
			fv = tmpFv
		}
		fields = append(fields, fv)
	}
	return fields, nil
}

func (d *Decoder) decodeToEnum(df decoded, decodedFields []decoded) (n2k.FieldValue, error) {
	val, ok := df.Value.Value.(uint64)
	if !ok {
		return n2k.FieldValue{}, fmt.Errorf("decoder failed to convert enum value to uint64. field: %v", df.Field.ID)
	}
	f := df.Field
	fv := df.Value
	val32 := uint32(val)

	switch f.resolved.Kind {
	case FieldKindLookup:
		ev, err := d.catalog.enums.FindValue(f.LookupEnumeration, val32)
		if err == nil {
			fv.Value = n2k.EnumValue{Value: ev.Value, Code: ev.Name}
		} else if errors.Is(err, ErrUnknownEnumValue) {
			// schemas lag behind devices, an unlisted code is data not failure
			fv.Value = n2k.EnumValue{Value: val32, Code: "UNKNOWN ENUM VALUE"}
		} else {
			return n2k.FieldValue{}, fmt.Errorf("enum field decoding failure, field: %v, err: %w", f.ID, err)
		}
	case FieldKindBitLookup:
		evBits, err := d.catalog.bitEnums.FindValue(f.LookupBitEnumeration, val)
		if err == nil {
			evs := make([]n2k.EnumValue, 0, len(evBits))
			for _, ev := range evBits {
				evs = append(evs, n2k.EnumValue{Value: ev.Bit, Code: ev.Name})
			}
			fv.Value = evs
		} else if errors.Is(err, ErrUnknownEnumValue) {
			fv.Value = []n2k.EnumValue{{Value: val32, Code: "UNKNOWN BIT ENUM VALUE"}}
		} else {
			return n2k.FieldValue{}, fmt.Errorf("bit enum field decoding failure, field: %v, err: %w", f.ID, err)
		}
	case FieldKindIndirectLookup:
		var indirectField decoded
		found := false
		for _, tmpD := range decodedFields {
			if tmpD.Field != nil && f.LookupIndirectEnumerationFieldOrder == tmpD.Field.Order {
				found = true
				indirectField = tmpD
				break
			}
		}
		if !found {
			return n2k.FieldValue{}, fmt.Errorf("enum field decoding failure, field: %v, could not find indirect field with order: %v", f.ID, f.LookupIndirectEnumerationFieldOrder)
		}
		indirectValue, ok := indirectField.Value.Value.(uint64)
		if !ok {
			return n2k.FieldValue{}, fmt.Errorf("decoder failed to convert indirect enum value to uint64. field: %v", indirectField.Field.ID)
		}

		ev, err := d.catalog.indirectEnums.FindValue(f.LookupIndirectEnumeration, val32, uint32(indirectValue))
		if err == nil {
			fv.Value = n2k.EnumValue{Value: val32, Code: ev.Name}
		} else if errors.Is(err, ErrUnknownEnumValue) {
			fv.Value = n2k.EnumValue{Value: val32, Code: "UNKNOWN INDIRECT ENUM VALUE"}
		} else {
			return n2k.FieldValue{}, fmt.Errorf("indirect enum field decoding failure, field: %v, err: %w", f.ID, err)
		}
	}
	return fv, nil
}
