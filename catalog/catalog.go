package catalog

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/aldrik/go-n2k"
)

var (
	// ErrUnknownPGN is returned when the catalog has no definition at all for
	// a PGN. A catch-all definition may still accompany the error.
	ErrUnknownPGN = errors.New("unknown PGN")
	// ErrNoMatchingVariant is returned when the catalog knows the PGN but no
	// variant's match fields fit the payload. A catch-all definition may
	// still accompany the error.
	ErrNoMatchingVariant = errors.New("no matching PGN variant")
)

// Catalog is an immutable, validated set of parameter group definitions with
// their field types and enumerations. It is safe for concurrent use.
type Catalog struct {
	definitions []Definition
	byNumber    map[uint32][]int // catalog order preserved within each bucket
	fallbacks   []int

	fieldTypes    map[string]*FieldType
	enums         LookupEnumerations
	indirectEnums LookupIndirectEnumerations
	bitEnums      LookupBitEnumerations
}

// New builds a Catalog from a schema. The whole schema is validated up
// front: field types are resolved through their inheritance chain, every
// field's effective layout is computed, and referenced enumerations must
// exist. Definitions keep their schema order, which decides matching
// precedence for variants of the same PGN.
func New(schema Schema) (*Catalog, error) {
	fieldTypeTable := schema.FieldTypes
	if len(fieldTypeTable) == 0 {
		fieldTypeTable = StandardFieldTypes()
	}
	fieldTypes, err := resolveFieldTypes(fieldTypeTable)
	if err != nil {
		return nil, err
	}

	c := &Catalog{
		definitions:   schema.PGNs,
		byNumber:      map[uint32][]int{},
		fieldTypes:    fieldTypes,
		enums:         schema.Enums,
		indirectEnums: schema.IndirectEnums,
		bitEnums:      schema.BitEnums,
	}
	for i := range c.definitions {
		def := &c.definitions[i]
		if err := c.resolveDefinition(def); err != nil {
			return nil, err
		}
		c.byNumber[def.PGN] = append(c.byNumber[def.PGN], i)
	}
	// a fallback that shares its PGN with regular variants is a catch-all
	// for that PGN only; a fallback standing alone serves unknown PGNs of
	// its frame class
	for i := range c.definitions {
		def := &c.definitions[i]
		if !def.Fallback {
			continue
		}
		global := true
		for _, j := range c.byNumber[def.PGN] {
			if !c.definitions[j].Fallback {
				global = false
				break
			}
		}
		if global {
			c.fallbacks = append(c.fallbacks, i)
		}
	}
	return c, nil
}

func (c *Catalog) resolveDefinition(def *Definition) error {
	subject := fmt.Sprintf("PGN %v (%v)", def.PGN, def.ID)

	if def.RepeatingFieldSet1StartField > 0 && def.RepeatingFieldSet1StartField <= def.RepeatingFieldSet1CountField {
		return &SchemaError{Subject: subject, Err: errors.New("repeating set start field is before its count field")}
	}

	seen := map[string]struct{}{}
	bitOffset := uint16(0)
	fixedPrefix := true
	for i := range def.Fields {
		f := &def.Fields[i]
		if _, ok := seen[f.ID]; ok {
			return &SchemaError{Subject: subject, Err: fmt.Errorf("duplicate field ID: %v", f.ID)}
		}
		seen[f.ID] = struct{}{}

		if err := c.resolveField(f); err != nil {
			return &SchemaError{Subject: subject, Err: err}
		}
		if fixedPrefix {
			f.bitOffset = bitOffset
			f.hasOffset = true
			bitOffset += f.resolved.Size
		}
		if f.resolved.VariableSize || f.resolved.Size == 0 {
			fixedPrefix = false
		}

		if f.Match != nil {
			if !f.hasOffset {
				return &SchemaError{Subject: subject, Err: fmt.Errorf("match field %v is after a variable size field", f.ID)}
			}
			def.hasMatchFields = true
		}
		if int(def.RepeatingFieldSet1CountField) == i+1 && f.resolved.Kind != FieldKindNumber && f.resolved.Kind != FieldKindLookup {
			return &SchemaError{Subject: subject, Err: fmt.Errorf("field %v is a repeating set count field but not numeric", f.ID)}
		}
	}
	return nil
}

// resolveField merges the field's own overrides over its FieldType and
// validates the combination.
func (c *Catalog) resolveField(f *Field) error {
	ft, ok := c.fieldTypes[f.Type]
	if !ok {
		return fmt.Errorf("field %v references unknown field type: %v", f.ID, f.Type)
	}
	resolved := *ft
	if f.BitLength != 0 {
		resolved.Size = f.BitLength
	}
	if f.BitLengthVariable {
		resolved.VariableSize = true
	}
	if f.Signed != nil {
		resolved.HasSign = f.Signed
	}
	if f.Resolution != 0 {
		resolved.Resolution = f.Resolution
	}
	if f.Unit != "" {
		resolved.Unit = f.Unit
	}
	resolved.RangeMin, resolved.RangeMax = deriveRange(resolved.Size, resolved.Resolution, resolved.HasSign)
	f.resolved = resolved

	switch resolved.Kind {
	case FieldKindLookup:
		if f.LookupEnumeration == "" {
			return fmt.Errorf("field %v of type LOOKUP has no LookupEnumeration", f.ID)
		}
		if !c.enums.Exists(f.LookupEnumeration) {
			return fmt.Errorf("field %v references unknown LookupEnumeration: %v", f.ID, f.LookupEnumeration)
		}
	case FieldKindIndirectLookup:
		if f.LookupIndirectEnumeration == "" {
			return fmt.Errorf("field %v of type INDIRECT_LOOKUP has no LookupIndirectEnumeration", f.ID)
		}
		if !c.indirectEnums.Exists(f.LookupIndirectEnumeration) {
			return fmt.Errorf("field %v references unknown LookupIndirectEnumeration: %v", f.ID, f.LookupIndirectEnumeration)
		}
	case FieldKindBitLookup:
		if f.LookupBitEnumeration == "" {
			return fmt.Errorf("field %v of type BITLOOKUP has no LookupBitEnumeration", f.ID)
		}
		if !c.bitEnums.Exists(f.LookupBitEnumeration) {
			return fmt.Errorf("field %v references unknown LookupBitEnumeration: %v", f.ID, f.LookupBitEnumeration)
		}
	case FieldKindStringLAU, FieldKindStringLz:
		if !resolved.VariableSize {
			return fmt.Errorf("field %v of type %v must be variable size", f.ID, resolved.Kind)
		}
	case FieldKindMMSI:
		if resolved.Size != 32 {
			return fmt.Errorf("field %v of type MMSI has bit length %v, not 32", f.ID, resolved.Size)
		}
	case FieldKindDate:
		if resolved.Size != 16 {
			return fmt.Errorf("field %v of type DATE has bit length %v, not 16", f.ID, resolved.Size)
		}
	case FieldKindNumber:
		if resolved.Size == 0 || resolved.Size > 64 {
			return fmt.Errorf("field %v has invalid bit length: %v", f.ID, resolved.Size)
		}
	}
	return nil
}

// DefinitionCount returns how many definitions the catalog holds.
func (c *Catalog) DefinitionCount() int { return len(c.definitions) }

// KnownPGN reports whether the catalog has any definition for pgn.
func (c *Catalog) KnownPGN(pgn uint32) bool {
	_, ok := c.byNumber[pgn]
	return ok
}

// FastPacketPGNs returns the PGNs the catalog declares as fast-packet
// transferred, for configuring transport-level reassembly.
func (c *Catalog) FastPacketPGNs() []uint32 {
	seen := make(map[uint32]struct{})
	result := make([]uint32, 0)
	for i := range c.definitions {
		def := &c.definitions[i]
		if def.Type != PacketTypeFast {
			continue
		}
		if _, ok := seen[def.PGN]; ok {
			continue
		}
		seen[def.PGN] = struct{}{}
		result = append(result, def.PGN)
	}
	return result
}

// FieldType returns the resolved descriptor registered under name.
func (c *Catalog) FieldType(name string) (FieldType, bool) {
	ft, ok := c.fieldTypes[name]
	if !ok {
		return FieldType{}, false
	}
	return *ft, true
}

// FindDefinition selects the definition for a payload. Variants of the same
// PGN are tried in catalog order and the first one whose match fields all
// equal the corresponding raw payload values wins; a variant without match
// fields matches unconditionally. The order is deterministic. Packets that
// should match a more specific variant listed later are a schema ordering
// problem, not a matcher concern.
//
// When the PGN is unknown, or known but no variant matches, the returned
// error says which; a catch-all definition is still returned alongside the
// error when the catalog has one, so callers can decode the proprietary or
// unexpected payload as raw binary.
func (c *Catalog) FindDefinition(pgn uint32, rawData n2k.RawData) (*Definition, error) {
	indexes, ok := c.byNumber[pgn]
	if !ok {
		return c.catchAll(pgn), ErrUnknownPGN
	}

	var fallback *Definition
	for _, i := range indexes {
		def := &c.definitions[i]
		if def.Fallback {
			if fallback == nil {
				fallback = def
			}
			continue
		}
		if !def.hasMatchFields || def.isMatch(rawData) {
			return def, nil
		}
	}
	if fallback == nil {
		fallback = c.catchAll(pgn)
	}
	return fallback, ErrNoMatchingVariant
}

func (d *Definition) isMatch(rawData n2k.RawData) bool {
	for i := range d.Fields {
		f := &d.Fields[i]
		if f.Match == nil {
			continue
		}
		// the match constant may equal one of the special "no data" or "out
		// of range" patterns, so extract the raw bits without sentinel
		// interpretation; out of bounds counts as no match
		rawBytes, _, err := rawData.DecodeBytes(f.bitOffset, f.resolved.Size, false)
		if err != nil {
			return false
		}
		scratch := make([]byte, 8)
		copy(scratch, rawBytes)
		if binary.LittleEndian.Uint64(scratch) != uint64(*f.Match) {
			return false
		}
	}
	return true
}

// catchAll picks a fallback definition compatible with the PGN's frame
// class, or nil when the catalog has none.
func (c *Catalog) catchAll(pgn uint32) *Definition {
	wantFast := n2k.PGNFastPacketAllowed(pgn)
	for _, i := range c.fallbacks {
		def := &c.definitions[i]
		if (def.Type == PacketTypeFast) == wantFast {
			return def
		}
	}
	if len(c.fallbacks) > 0 {
		return &c.definitions[c.fallbacks[0]]
	}
	return nil
}
