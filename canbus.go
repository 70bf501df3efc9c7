package n2k

// CanBusHeader is the decomposed 29-bit extended CAN identifier used by
// NMEA 2000 / SAE J1939.
type CanBusHeader struct {
	PGN         uint32 `json:"pgn"`
	Priority    uint8  `json:"priority"`
	Source      uint8  `json:"source"`
	Destination uint8  `json:"destination"`
}

// Uint32 composes the header back into a 29-bit CAN identifier. For PDU1
// class PGNs (PDU format byte < 240) the destination address occupies
// bits 8-15, for PDU2 those bits belong to the PGN itself.
func (h CanBusHeader) Uint32() uint32 {
	canID := uint32(h.Source) // bits 0-7

	pf := uint8(h.PGN >> 8)
	if pf < 240 { // PDU1, addressed
		canID |= uint32(h.Destination) << 8 // bits 8-15
	}
	canID |= h.PGN << 8                   // bits 8-25
	canID |= uint32(h.Priority&0x7) << 26 // bits 26,27,28
	return canID
}

// ParseCANID decomposes a 29-bit CAN identifier into header fields.
func ParseCANID(canID uint32) CanBusHeader {
	result := CanBusHeader{
		Priority: uint8((canID >> 26) & 0x7), // bits 26,27,28
		Source:   uint8(canID),               // bits 0-7
	}
	ps := uint8(canID >> 8)         // bits 8-15
	pduFormat := uint8(canID >> 16) // bits 16-23
	rAndDP := uint8(canID>>24) & 3  // bits 24,25 (reserved + data page)
	pgn := uint32(rAndDP)<<16 + uint32(pduFormat)<<8
	if pduFormat < 240 { // PDU1, PS byte is the destination address
		result.Destination = ps
		result.PGN = pgn
	} else { // PDU2, PS byte extends the PGN
		result.Destination = AddressGlobal
		result.PGN = pgn + uint32(ps)
	}
	return result
}
