// Package logformat reads and writes the text formats commonly used to log
// NMEA 2000 bus traffic: the plain CSV format of assembled messages and the
// candump format of single frames.
package logformat

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aldrik/go-n2k"
)

// MarshalPlain serializes a raw message into one CSV log line:
// time,priority,PGN,source,destination,length,data bytes in hex.
func MarshalPlain(v n2k.RawMessage) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.WriteString(v.Time.Format(time.RFC3339Nano))
	buf.WriteByte(',')
	buf.WriteString(strconv.Itoa(int(v.Header.Priority)))
	buf.WriteByte(',')
	buf.WriteString(strconv.Itoa(int(v.Header.PGN)))
	buf.WriteByte(',')
	buf.WriteString(strconv.Itoa(int(v.Header.Source)))
	buf.WriteByte(',')
	buf.WriteString(strconv.Itoa(int(v.Header.Destination)))
	buf.WriteByte(',')
	buf.WriteString(strconv.Itoa(len(v.Data)))
	for _, b := range v.Data {
		if _, err := fmt.Fprintf(buf, ",%02x", b); err != nil {
			return nil, fmt.Errorf("plain log marshal failure, err: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// UnmarshalPlain parses one plain CSV log line into a raw message.
func UnmarshalPlain(raw string) (n2k.RawMessage, error) {
	// 2021-07-29T10:18:31.758Z,6,126208,36,0,7,02,82,ff,00,10,02,00
	// time                    ,prio,pgn,src,dst,len,data...
	parts := strings.Split(strings.TrimSpace(raw), ",")
	if len(parts) < 7 {
		return n2k.RawMessage{}, errors.New("plain log input has fewer components than expected")
	}
	dLen, err := strconv.ParseUint(parts[5], 10, 16)
	if err != nil {
		return n2k.RawMessage{}, fmt.Errorf("plain log input invalid data length, err: %w", err)
	}
	if len(parts)-6 != int(dLen) {
		return n2k.RawMessage{}, errors.New("plain log input data length does not match bytes count")
	}

	t, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return n2k.RawMessage{}, fmt.Errorf("plain log input invalid time format, err: %w", err)
	}
	prio, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil {
		return n2k.RawMessage{}, fmt.Errorf("plain log input invalid priority, err: %w", err)
	}
	pgn, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return n2k.RawMessage{}, fmt.Errorf("plain log input invalid PGN, err: %w", err)
	}
	source, err := strconv.ParseUint(parts[3], 10, 8)
	if err != nil {
		return n2k.RawMessage{}, fmt.Errorf("plain log input invalid source, err: %w", err)
	}
	destination, err := strconv.ParseUint(parts[4], 10, 8)
	if err != nil {
		return n2k.RawMessage{}, fmt.Errorf("plain log input invalid destination, err: %w", err)
	}

	data, err := hex.DecodeString(strings.Join(parts[6:], ""))
	if err != nil {
		return n2k.RawMessage{}, fmt.Errorf("plain log input failure to convert hex into bytes, err: %w", err)
	}

	return n2k.RawMessage{
		Time: t.UTC(),
		Header: n2k.CanBusHeader{
			PGN:         uint32(pgn),
			Priority:    uint8(prio),
			Source:      uint8(source),
			Destination: uint8(destination),
		},
		Data: data,
	}, nil
}

// MarshalCandump serializes a single frame into the candump log format:
// (seconds.micros) interface CANID#DATA with the identifier and data in hex.
func MarshalCandump(frame n2k.RawFrame, netInterface string) []byte {
	buf := new(bytes.Buffer)
	fmt.Fprintf(buf, "(%d.%06d) %v %08X#", frame.Time.Unix(), frame.Time.Nanosecond()/1000, netInterface, frame.Header.Uint32())
	for _, b := range frame.Data[:frame.Length] {
		fmt.Fprintf(buf, "%02X", b)
	}
	return buf.Bytes()
}

// UnmarshalCandump parses one candump log line into a single frame.
func UnmarshalCandump(raw string) (n2k.RawFrame, error) {
	// (1502140514.796103) can0 09F8017F#50C3B81347D82BC0
	parts := strings.Fields(strings.TrimSpace(raw))
	if len(parts) != 3 {
		return n2k.RawFrame{}, errors.New("candump input has fewer components than expected")
	}

	stamp := strings.Trim(parts[0], "()")
	seconds, micros, ok := strings.Cut(stamp, ".")
	if !ok {
		return n2k.RawFrame{}, errors.New("candump input invalid timestamp")
	}
	sec, err := strconv.ParseInt(seconds, 10, 64)
	if err != nil {
		return n2k.RawFrame{}, fmt.Errorf("candump input invalid timestamp seconds, err: %w", err)
	}
	usec, err := strconv.ParseInt(micros, 10, 64)
	if err != nil {
		return n2k.RawFrame{}, fmt.Errorf("candump input invalid timestamp fraction, err: %w", err)
	}

	canIDRaw, dataRaw, ok := strings.Cut(parts[2], "#")
	if !ok {
		return n2k.RawFrame{}, errors.New("candump input is missing identifier separator")
	}
	canID, err := strconv.ParseUint(canIDRaw, 16, 32)
	if err != nil {
		return n2k.RawFrame{}, fmt.Errorf("candump input invalid CAN identifier, err: %w", err)
	}
	data, err := hex.DecodeString(dataRaw)
	if err != nil {
		return n2k.RawFrame{}, fmt.Errorf("candump input failure to convert hex into bytes, err: %w", err)
	}
	if len(data) > 8 {
		return n2k.RawFrame{}, errors.New("candump input has more than 8 data bytes")
	}

	frame := n2k.RawFrame{
		Time:   time.Unix(sec, usec*1000).UTC(),
		Header: n2k.ParseCANID(uint32(canID)),
		Length: uint8(len(data)),
	}
	copy(frame.Data[:], data)
	return frame, nil
}
