package catalog

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveFieldTypesInheritance(t *testing.T) {
	signed := true
	types := []FieldType{
		{Name: "NUMBER", Kind: FieldKindNumber, Resolution: 1},
		{Name: "INTEGER", Base: "NUMBER", HasSign: &signed},
		{Name: "INT16", Base: "INTEGER", Size: 16},
		{Name: "TEMPERATURE", Base: "INT16", Resolution: 0.01, Unit: "K"},
	}

	byName, err := resolveFieldTypes(types)
	assert.NoError(t, err)

	temp := byName["TEMPERATURE"]
	assert.Equal(t, FieldKindNumber, temp.Kind)
	assert.Equal(t, uint16(16), temp.Size)
	assert.Equal(t, 0.01, temp.Resolution)
	assert.Equal(t, "K", temp.Unit)
	if assert.NotNil(t, temp.HasSign) {
		assert.True(t, *temp.HasSign)
	}

	// the intermediate type keeps its own attributes
	integer := byName["INTEGER"]
	assert.Equal(t, uint16(0), integer.Size)
	assert.Equal(t, float64(1), integer.Resolution)
}

func TestResolveFieldTypesErrors(t *testing.T) {
	var testCases = []struct {
		name        string
		whenTypes   []FieldType
		expectIs    error
		expectError string
	}{
		{
			name: "unknown base type",
			whenTypes: []FieldType{
				{Name: "UINT8", Base: "UNSIGNED_INTEGER", Size: 8},
			},
			expectIs:    ErrUnknownBaseType,
			expectError: "schema error in UINT8: unknown base field type: UNSIGNED_INTEGER (base types must be declared first)",
		},
		{
			name: "base declared after derived",
			whenTypes: []FieldType{
				{Name: "UINT8", Base: "UNSIGNED_INTEGER", Size: 8},
				{Name: "UNSIGNED_INTEGER", Kind: FieldKindNumber, Resolution: 1},
			},
			expectIs: ErrUnknownBaseType,
		},
		{
			name: "no interpretation",
			whenTypes: []FieldType{
				{Name: "MYSTERY", Size: 8},
			},
			expectIs:    ErrMissingInterpretation,
			expectError: "schema error in MYSTERY: field type has no interpretation",
		},
		{
			name: "duplicate name",
			whenTypes: []FieldType{
				{Name: "NUMBER", Kind: FieldKindNumber, Resolution: 1},
				{Name: "NUMBER", Kind: FieldKindNumber, Resolution: 1},
			},
			expectError: "schema error in NUMBER: duplicate field type name",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := resolveFieldTypes(tc.whenTypes)

			assert.Error(t, err)
			if tc.expectIs != nil {
				assert.ErrorIs(t, err, tc.expectIs)
			}
			if tc.expectError != "" {
				assert.EqualError(t, err, tc.expectError)
			}
			var schemaErr *SchemaError
			assert.ErrorAs(t, err, &schemaErr)
		})
	}
}

func TestDeriveRange(t *testing.T) {
	signed := true
	unsigned := false

	var testCases = []struct {
		name           string
		whenSize       uint16
		whenResolution float64
		whenHasSign    *bool
		expectMin      float64
		expectMax      float64
	}{
		{
			name:     "uint8 excludes two special values",
			whenSize: 8, whenResolution: 1, whenHasSign: &unsigned,
			expectMin: 0, expectMax: 253,
		},
		{
			name:     "int16 with centiunit resolution",
			whenSize: 16, whenResolution: 0.01, whenHasSign: &signed,
			expectMin: -327.67, expectMax: 327.65,
		},
		{
			name:     "2 bit field reserves single special value",
			whenSize: 2, whenResolution: 1, whenHasSign: &unsigned,
			expectMin: 0, expectMax: 2,
		},
		{
			name:     "3 bit field reserves single special value",
			whenSize: 3, whenResolution: 1, whenHasSign: &unsigned,
			expectMin: 0, expectMax: 6,
		},
		{
			name:     "single bit has no special values",
			whenSize: 1, whenResolution: 1, whenHasSign: &unsigned,
			expectMin: 0, expectMax: 1,
		},
		{
			name:     "uint64 does not overflow",
			whenSize: 64, whenResolution: 1, whenHasSign: &unsigned,
			expectMin: 0, expectMax: float64(uint64(math.MaxUint64) - 2),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			min, max := deriveRange(tc.whenSize, tc.whenResolution, tc.whenHasSign)

			assert.InDelta(t, tc.expectMin, min, 1e-9)
			assert.InDelta(t, tc.expectMax, max, 1e-9)
		})
	}
}

func TestDeriveRangeUnknownAttributes(t *testing.T) {
	unsigned := false

	var testCases = []struct {
		name           string
		whenSize       uint16
		whenResolution float64
		whenHasSign    *bool
	}{
		{name: "unknown size", whenSize: 0, whenResolution: 1, whenHasSign: &unsigned},
		{name: "unknown resolution", whenSize: 8, whenResolution: 0, whenHasSign: &unsigned},
		{name: "unknown sign", whenSize: 8, whenResolution: 1, whenHasSign: nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			min, max := deriveRange(tc.whenSize, tc.whenResolution, tc.whenHasSign)

			assert.True(t, math.IsNaN(min))
			assert.True(t, math.IsNaN(max))
		})
	}
}

func TestStandardFieldTypesResolve(t *testing.T) {
	byName, err := resolveFieldTypes(StandardFieldTypes())
	assert.NoError(t, err)

	uint16Type := byName["UINT16"]
	assert.Equal(t, FieldKindNumber, uint16Type.Kind)
	assert.Equal(t, uint16(16), uint16Type.Size)
	assert.InDelta(t, 65533, uint16Type.RangeMax, 1e-9)

	temperature := byName["TEMPERATURE"]
	assert.Equal(t, "K", temperature.Unit)
	assert.InDelta(t, 655.33, temperature.RangeMax, 1e-9)

	mmsi := byName["MMSI"]
	assert.Equal(t, FieldKindMMSI, mmsi.Kind)
	assert.Equal(t, uint16(32), mmsi.Size)
}
