package catalog

import (
	"encoding/json"
	"fmt"
	"io/fs"
)

// PacketType describes how a parameter group is framed on the bus.
type PacketType string

const (
	// PacketTypeISO is sent with the ISO 11783-3 Transport Protocol and can exceed 8 bytes.
	PacketTypeISO PacketType = "ISO"
	// PacketTypeFast is sent with the fast-packet protocol and can have up to 223 bytes of payload.
	PacketTypeFast PacketType = "Fast"
	// PacketTypeSingle fits in a single 8 byte frame.
	PacketTypeSingle PacketType = "Single"
)

// UnmarshalJSON custom unmarshalling function for PacketType.
func (pt *PacketType) UnmarshalJSON(b []byte) error {
	if b[0] == '"' && b[len(b)-1] == '"' {
		b = b[1 : len(b)-1]
	}
	t := string(b)

	switch t {
	case string(PacketTypeISO), string(PacketTypeFast), string(PacketTypeSingle):
		*pt = PacketType(t)
	default:
		return fmt.Errorf("unknown PacketType value: `%v`", t)
	}
	return nil
}

// Schema is the root element of a parameter group schema document.
type Schema struct {
	Comment       string                     `json:"Comment"`
	CreatorCode   string                     `json:"CreatorCode"`
	License       string                     `json:"License"`
	Version       string                     `json:"Version"`
	FieldTypes    []FieldType                `json:"FieldTypes"`
	PGNs          []Definition               `json:"PGNs"`
	Enums         LookupEnumerations         `json:"LookupEnumerations"`
	IndirectEnums LookupIndirectEnumerations `json:"LookupIndirectEnumerations"`
	BitEnums      LookupBitEnumerations      `json:"LookupBitEnumerations"`
}

// LoadSchema loads a parameter group schema from a JSON file. When the
// document carries no FieldTypes table the standard table is assumed by
// New.
func LoadSchema(filesystem fs.FS, path string) (Schema, error) {
	f, err := filesystem.Open(path)
	if err != nil {
		return Schema{}, err
	}
	defer func() {
		err = f.Close()
	}()

	schema := Schema{}
	if err := json.NewDecoder(f).Decode(&schema); err != nil {
		return Schema{}, err
	}
	return schema, err
}

// Definition describes one parameter group variant: its framing, its fields
// and optionally a trailing repeating field set.
//
// Note: PGN is not unique. Some parameter groups have multiple variants
// distinguished by fixed match values in their leading fields.
type Definition struct {
	PGN         uint32     `json:"PGN"`
	ID          string     `json:"Id"`
	Description string     `json:"Description"`
	Explanation string     `json:"Explanation"`
	URL         string     `json:"URL"`
	Type        PacketType `json:"Type"`
	Complete    bool       `json:"Complete"` // false when the definition is known to be partial
	Missing     []string   `json:"Missing"`  // Fields, FieldLengths, Precision, Lookups, SampleData

	// Fallback marks a catch-all variant that matches any payload of its
	// PGN. Used for manufacturer proprietary ranges where only the framing
	// is known.
	Fallback bool `json:"Fallback"`

	MinLength int16 `json:"MinLength"`
	Length    int16 `json:"Length"`

	// Repeating field sets are groups of fields at the end of the field
	// list that occur zero or more times. The count field, when present,
	// holds how many repetitions the payload carries.
	RepeatingFieldSet1Size       int8 `json:"RepeatingFieldSet1Size"`
	RepeatingFieldSet1StartField int8 `json:"RepeatingFieldSet1StartField"`
	RepeatingFieldSet1CountField int8 `json:"RepeatingFieldSet1CountField"`

	TransmissionInterval  int16 `json:"TransmissionInterval"`
	TransmissionIrregular bool  `json:"TransmissionIrregular"`

	Fields []Field `json:"Fields"`

	// synthetic, filled in by New

	hasMatchFields bool
}

// Field is one value packed into the payload of a parameter group. Most of
// its layout attributes come from its FieldType; the ones below override or
// refine the type level defaults.
type Field struct {
	ID          string `json:"Id"`
	Order       int8   `json:"Order"`
	Name        string `json:"Name"`
	Description string `json:"Description"`

	Type string `json:"FieldType"` // name in the FieldType table

	// Match pins this field to a fixed raw value. A definition with match
	// fields only applies to payloads carrying those exact values.
	Match *int64 `json:"Match"`

	BitLength         uint16  `json:"BitLength"`
	BitLengthVariable bool    `json:"BitLengthVariable"`
	Signed            *bool   `json:"Signed"`
	Resolution        float64 `json:"Resolution"` // result = (rawValue + Offset) * Resolution
	Offset            int64   `json:"Offset"`
	Unit              string  `json:"Unit"`

	LookupEnumeration                   string `json:"LookupEnumeration"`
	LookupBitEnumeration                string `json:"LookupBitEnumeration"`
	LookupIndirectEnumeration           string `json:"LookupIndirectEnumeration"`
	LookupIndirectEnumerationFieldOrder int8   `json:"LookupIndirectEnumerationFieldOrder"`

	// synthetic, filled in by New from the FieldType table and the
	// overrides above

	resolved  FieldType
	bitOffset uint16 // valid while all preceding fields have fixed size
	hasOffset bool
}

// Resolved returns the field's effective type descriptor after inheritance
// and per-field overrides have been applied.
func (f *Field) Resolved() FieldType { return f.resolved }
