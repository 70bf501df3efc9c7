package n2k

import "time"

// FieldValues is slice of FieldValue
type FieldValues []FieldValue

// FieldValue holds an extracted and processed value of one PGN field.
type FieldValue struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	// normalized to:
	// * string,
	// * float64,
	// * int64,
	// * uint64,
	// * []byte,
	// * time.Duration,
	// * time.Time,
	// * n2k.EnumValue,
	// * [][]n2k.FieldValue <-- for repeating field groups
	Value interface{} `json:"value"`
}

// AsFloat64 converts value to float64 if it is possible.
func (f FieldValue) AsFloat64() (float64, bool) {
	switch v := f.Value.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case time.Duration:
		return float64(v), true
	case time.Time:
		return float64(v.UnixNano()), true
	}
	return 0, false
}

func (fvs FieldValues) FindByID(ID string) (FieldValue, bool) {
	for _, f := range fvs {
		if f.ID == ID {
			return f, true
		}
	}
	return FieldValue{}, false
}

// EnumValue is a lookup field value: the raw code as seen on the wire plus
// the symbolic name it resolves to. Code is empty when the raw value is not
// listed in the lookup table.
type EnumValue struct {
	Value uint32 `json:"value"`
	Code  string `json:"code"`
}
