package catalog

import (
	"errors"
	"fmt"
	"math"
)

// FieldKind is the closed set of field interpretations. Every resolved
// FieldType maps to exactly one kind; the decoder dispatches on it.
type FieldKind string

const (
	// FieldKindNumber - Binary numbers are little endian. Number fields that use two or three bits reserve one special
	// encoding, the maximum value. When present it means the field is not available. Number fields of four bits or more
	// reserve two special encodings: the maximum positive value means the field is not available and the maximum
	// positive value minus 1 means the field is out of range (for instance a broken sensor). For signed numbers the
	// special values are the maximum positive value and that minus 1, not the all-ones bit encoding which is the
	// maximum negative value.
	FieldKindNumber FieldKind = "NUMBER"
	// FieldKindFloat - 32 bit IEEE-754 floating point number.
	FieldKindFloat FieldKind = "FLOAT"
	// FieldKindDecimal - An unsigned numeric value represented with 2 decimal digits per byte, so 1234 is represented
	// by 2 bytes containing 0x12 and 0x34.
	FieldKindDecimal FieldKind = "DECIMAL"
	// FieldKindLookup - Number value where each value encodes a distinct meaning. Each lookup field references a
	// LookupEnumeration defining what the possible values mean.
	FieldKindLookup FieldKind = "LOOKUP"
	// FieldKindIndirectLookup - Number value where the meaning also depends on the value of another field. References
	// a LookupIndirectEnumeration.
	FieldKindIndirectLookup FieldKind = "INDIRECT_LOOKUP"
	// FieldKindBitLookup - Number value where each bit encodes a distinct meaning. Any combination of bits can be set.
	FieldKindBitLookup FieldKind = "BITLOOKUP"
	// FieldKindTime - seconds since midnight, in an undefined timezone.
	FieldKindTime FieldKind = "TIME"
	// FieldKindDate - days since 1 January 1970.
	FieldKindDate FieldKind = "DATE"
	// FieldKindStringFix - A fixed length string of single byte codepoints. Trailing bytes have been observed
	// as '@', ' ', 0x0 or 0xff.
	FieldKindStringFix FieldKind = "STRING_FIX"
	// FieldKindStringLz - A varying length string with a starting length byte and a terminating zero. The length byte
	// includes the zero byte but not itself.
	FieldKindStringLz FieldKind = "STRING_LZ"
	// FieldKindStringLAU - A varying length string with a starting length byte; the second byte contains 0 for
	// UNICODE (UTF-16) or 1 for ASCII.
	FieldKindStringLAU FieldKind = "STRING_LAU"
	// FieldKindBinary - Unspecified content consisting of any number of bits.
	FieldKindBinary FieldKind = "BINARY"
	// FieldKindReserved - Reserved field. All reserved bits shall be 1.
	FieldKindReserved FieldKind = "RESERVED"
	// FieldKindSpare - Spare field. All spare bits shall be 0.
	FieldKindSpare FieldKind = "SPARE"
	// FieldKindMMSI - encoded as a 32 bit number but always printed as a 9 digit string.
	FieldKindMMSI FieldKind = "MMSI"
)

var knownFieldKinds = map[FieldKind]struct{}{
	FieldKindNumber: {}, FieldKindFloat: {}, FieldKindDecimal: {},
	FieldKindLookup: {}, FieldKindIndirectLookup: {}, FieldKindBitLookup: {},
	FieldKindTime: {}, FieldKindDate: {},
	FieldKindStringFix: {}, FieldKindStringLz: {}, FieldKindStringLAU: {},
	FieldKindBinary: {}, FieldKindReserved: {}, FieldKindSpare: {}, FieldKindMMSI: {},
}

// UnmarshalJSON custom unmarshalling function for FieldKind.
func (fk *FieldKind) UnmarshalJSON(b []byte) error {
	if b[0] == '"' && b[len(b)-1] == '"' {
		b = b[1 : len(b)-1]
	}
	kind := FieldKind(b)
	if _, ok := knownFieldKinds[kind]; !ok {
		return fmt.Errorf("unknown FieldKind value: `%v`", kind)
	}
	*fk = kind
	return nil
}

var (
	// ErrUnknownBaseType is returned when a FieldType names a base type that does not exist in the table.
	ErrUnknownBaseType = errors.New("unknown base field type")
	// ErrMissingInterpretation is returned when a FieldType still has no FieldKind after inheritance.
	ErrMissingInterpretation = errors.New("field type has no interpretation")
)

// SchemaError reports an inconsistency in the FieldType table or the PGN
// catalog. These are detected once, when the Catalog is built; a schema that
// does not resolve is a build-time defect of the caller, not a runtime
// condition.
type SchemaError struct {
	Subject string
	Err     error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema error in %v: %v", e.Subject, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// FieldType is a named, inheritable descriptor of a field's interpretation,
// bit size, sign and scaling. Types are resolved once when the Catalog is
// built and are immutable afterwards.
type FieldType struct {
	Name        string    `json:"Name"`
	Description string    `json:"Description"`
	Base        string    `json:"BaseFieldType"` // inherit unset attributes from this type
	Kind        FieldKind `json:"Kind"`

	Size         uint16  `json:"BitLength"` // bits, 0 = unknown or variable
	VariableSize bool    `json:"VariableSize"`
	Resolution   float64 `json:"Resolution"`
	HasSign      *bool   `json:"Signed"`
	Unit         string  `json:"Unit"`

	// RangeMin and RangeMax are derived from Size, Resolution and HasSign.
	// NaN when the type is not a fully known fixed size number.
	RangeMin float64 `json:"-"`
	RangeMax float64 `json:"-"`
}

// resolveFieldTypes performs the one-time inheritance pass: every type with a
// Base has its unset attributes copied from the base. Base types must be
// declared before the types deriving from them, so a single pass in table
// order reaches the fixed point.
func resolveFieldTypes(types []FieldType) (map[string]*FieldType, error) {
	byName := make(map[string]*FieldType, len(types))
	for i := range types {
		ft := &types[i]
		if _, ok := byName[ft.Name]; ok {
			return nil, &SchemaError{Subject: ft.Name, Err: errors.New("duplicate field type name")}
		}

		if ft.Base != "" {
			base, ok := byName[ft.Base]
			if !ok {
				return nil, &SchemaError{Subject: ft.Name, Err: fmt.Errorf("%w: %v (base types must be declared first)", ErrUnknownBaseType, ft.Base)}
			}
			if ft.Kind == "" {
				ft.Kind = base.Kind
			}
			if ft.HasSign == nil {
				ft.HasSign = base.HasSign
			}
			if ft.Size == 0 {
				ft.Size = base.Size
			}
			if ft.Resolution == 0 {
				ft.Resolution = base.Resolution
			}
			if ft.Unit == "" {
				ft.Unit = base.Unit
			}
			if !ft.VariableSize {
				ft.VariableSize = base.VariableSize
			}
		}
		if ft.Kind == "" {
			return nil, &SchemaError{Subject: ft.Name, Err: ErrMissingInterpretation}
		}

		ft.RangeMin, ft.RangeMax = deriveRange(ft.Size, ft.Resolution, ft.HasSign)
		byName[ft.Name] = ft
	}
	return byName, nil
}

// deriveRange computes the valid value range of a fixed size numeric field.
// The most positive bit patterns are reserved as special values (two for
// sizes of 4 and more bits, one for 2 and 3 bit fields) and are excluded
// from the range. When size, resolution or sign is not fully known the range
// is undefined and both bounds are NaN.
func deriveRange(size uint16, resolution float64, hasSign *bool) (float64, float64) {
	if size == 0 || size > 64 || resolution <= 0 || hasSign == nil {
		return math.NaN(), math.NaN()
	}
	special := uint64(0)
	if size >= 4 {
		special = 2
	} else if size >= 2 {
		special = 1
	}

	if !*hasSign {
		maxRaw := (^uint64(0) >> (64 - size)) - special
		return 0, float64(maxRaw) * resolution
	}
	magnitude := size - 1
	var maxPositive uint64
	if magnitude > 0 {
		maxPositive = ^uint64(0) >> (64 - magnitude)
	}
	rangeMax := float64(maxPositive-special) * resolution
	rangeMin := -float64(maxPositive) * resolution
	return rangeMin, rangeMax
}

var (
	trueValue  = true
	falseValue = false
)

// StandardFieldTypes returns the built-in field type table covering the
// common NMEA 2000 field encodings. Catalogs that do not supply their own
// table get this one.
func StandardFieldTypes() []FieldType {
	return []FieldType{
		{Name: "NUMBER", Kind: FieldKindNumber, Resolution: 1},
		{Name: "INTEGER", Base: "NUMBER", HasSign: &trueValue},
		{Name: "UNSIGNED_INTEGER", Base: "NUMBER", HasSign: &falseValue},
		{Name: "INT8", Base: "INTEGER", Size: 8},
		{Name: "UINT8", Base: "UNSIGNED_INTEGER", Size: 8},
		{Name: "INT16", Base: "INTEGER", Size: 16},
		{Name: "UINT16", Base: "UNSIGNED_INTEGER", Size: 16},
		{Name: "UINT24", Base: "UNSIGNED_INTEGER", Size: 24},
		{Name: "INT32", Base: "INTEGER", Size: 32},
		{Name: "UINT32", Base: "UNSIGNED_INTEGER", Size: 32},
		{Name: "INT64", Base: "INTEGER", Size: 64},
		{Name: "UINT64", Base: "UNSIGNED_INTEGER", Size: 64},
		{Name: "SIGNED_FIXED_POINT_NUMBER", Base: "NUMBER", HasSign: &trueValue},
		{Name: "UNSIGNED_FIXED_POINT_NUMBER", Base: "NUMBER", HasSign: &falseValue},
		{Name: "TEMPERATURE", Base: "UNSIGNED_FIXED_POINT_NUMBER", Size: 16, Resolution: 0.01, Unit: "K"},
		{Name: "TEMPERATURE_HIGH", Base: "UNSIGNED_FIXED_POINT_NUMBER", Size: 16, Resolution: 0.1, Unit: "K"},
		{Name: "VOLTAGE", Base: "UNSIGNED_FIXED_POINT_NUMBER", Size: 16, Resolution: 0.01, Unit: "V"},
		{Name: "VOLTAGE_I16", Base: "SIGNED_FIXED_POINT_NUMBER", Size: 16, Resolution: 0.01, Unit: "V"},
		{Name: "CURRENT_SIGNED", Base: "SIGNED_FIXED_POINT_NUMBER", Size: 16, Resolution: 0.1, Unit: "A"},
		{Name: "ANGLE", Base: "SIGNED_FIXED_POINT_NUMBER", Size: 16, Resolution: 0.0001, Unit: "rad"},
		{Name: "ANGLE_UNSIGNED", Base: "UNSIGNED_FIXED_POINT_NUMBER", Size: 16, Resolution: 0.0001, Unit: "rad"},
		{Name: "SPEED", Base: "SIGNED_FIXED_POINT_NUMBER", Size: 16, Resolution: 0.01, Unit: "m/s"},
		{Name: "SPEED_UNSIGNED", Base: "UNSIGNED_FIXED_POINT_NUMBER", Size: 16, Resolution: 0.01, Unit: "m/s"},
		{Name: "DISTANCE_FIX32", Base: "SIGNED_FIXED_POINT_NUMBER", Size: 32, Resolution: 0.01, Unit: "m"},
		{Name: "GEO_FIX32", Base: "SIGNED_FIXED_POINT_NUMBER", Size: 32, Resolution: 1e-7, Unit: "deg"},
		{Name: "GEO_FIX64", Base: "SIGNED_FIXED_POINT_NUMBER", Size: 64, Resolution: 1e-16, Unit: "deg"},
		{Name: "PRESSURE", Base: "UNSIGNED_FIXED_POINT_NUMBER", Size: 16, Resolution: 100, Unit: "Pa"},
		{Name: "PRESSURE_HIRES", Base: "UNSIGNED_FIXED_POINT_NUMBER", Size: 32, Resolution: 0.1, Unit: "Pa"},
		{Name: "LOOKUP", Kind: FieldKindLookup, Resolution: 1, HasSign: &falseValue},
		{Name: "INDIRECT_LOOKUP", Kind: FieldKindIndirectLookup, Resolution: 1, HasSign: &falseValue},
		{Name: "BITLOOKUP", Kind: FieldKindBitLookup, Resolution: 1, HasSign: &falseValue},
		{Name: "MANUFACTURER", Base: "LOOKUP", Size: 11},
		{Name: "INDUSTRY", Base: "LOOKUP", Size: 3},
		{Name: "FLOAT", Kind: FieldKindFloat, Size: 32, HasSign: &trueValue},
		{Name: "DECIMAL", Kind: FieldKindDecimal, Resolution: 1, HasSign: &falseValue},
		{Name: "TIME", Kind: FieldKindTime, Size: 32, Resolution: 0.0001, HasSign: &falseValue, Unit: "s"},
		{Name: "DATE", Kind: FieldKindDate, Size: 16, Resolution: 1, HasSign: &falseValue, Unit: "d"},
		{Name: "STRING_FIX", Kind: FieldKindStringFix},
		{Name: "STRING_LZ", Kind: FieldKindStringLz, VariableSize: true},
		{Name: "STRING_LAU", Kind: FieldKindStringLAU, VariableSize: true},
		{Name: "BINARY", Kind: FieldKindBinary},
		{Name: "RESERVED", Kind: FieldKindReserved},
		{Name: "SPARE", Kind: FieldKindSpare},
		{Name: "MMSI", Kind: FieldKindMMSI, Size: 32, Resolution: 1, HasSign: &falseValue},
	}
}
