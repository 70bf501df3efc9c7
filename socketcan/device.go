package socketcan

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aldrik/go-n2k"
	"go.uber.org/zap"
)

// DeviceConfig configures a SocketCAN device.
type DeviceConfig struct {
	// InterfaceName is SocketCAN interface name. For example: can0
	InterfaceName string

	// FastPacketPGNs lists PGNs that are transferred as fast-packet frames.
	// Frames of these PGNs are assembled into complete messages before
	// ReadRawMessage returns them, and Write fragments them back into frames.
	FastPacketPGNs []uint32

	// ReceiveDataTimeout limits the amount of time reads can result in no data,
	// to time out when there is no traffic on the bus. This differs from for
	// example a serial device readTimeout which limits how long a single Read
	// call blocks. We want Reads to block only a short time so context
	// cancellation can be checked, but still detect when the bus has been
	// silent for an excessive amount of time.
	ReceiveDataTimeout time.Duration

	// StaleSequenceTimeout is how long an incomplete fast-packet sequence may
	// wait for its next frame before it is discarded.
	StaleSequenceTimeout time.Duration

	Logger *zap.Logger
}

// Device reads and writes raw NMEA 2000 messages over a SocketCAN interface,
// transparently assembling and fragmenting fast-packet frames.
type Device struct {
	conn   *Connection
	config DeviceConfig

	assembler *n2k.FastPacketAssembler
	logger    *zap.Logger

	ordersMu sync.Mutex
	orders   map[uint32]uint8

	timeNow func() time.Time
}

func NewDevice(config DeviceConfig) *Device {
	if config.ReceiveDataTimeout <= 0 {
		config.ReceiveDataTimeout = 5 * time.Second
	}
	if config.StaleSequenceTimeout <= 0 {
		config.StaleSequenceTimeout = 750 * time.Millisecond
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Device{
		conn:      nil,
		config:    config,
		assembler: n2k.NewFastPacketAssembler(config.FastPacketPGNs),
		logger:    logger,
		orders:    make(map[uint32]uint8),
		timeNow:   time.Now,
	}
}

func (d *Device) Initialize() error {
	conn, err := NewConnection(d.config.InterfaceName)
	if err != nil {
		return err
	}
	d.conn = conn
	return nil
}

func (d *Device) Close() error {
	return d.conn.Close()
}

// Write sends a raw message to the bus. Messages of fast-packet PGNs are
// fragmented into frames with a fresh sequence order tag, everything else
// must fit a single frame.
func (d *Device) Write(msg n2k.RawMessage) error {
	if d.isFastPacketPGN(msg.Header.PGN) {
		frames, err := n2k.Fragment(msg, d.nextOrder(msg.Header.PGN))
		if err != nil {
			return err
		}
		for _, frame := range frames {
			if err := d.conn.SendFrame(frame); err != nil {
				return err
			}
		}
		return nil
	}

	frame, err := n2k.SingleFrame(msg)
	if err != nil {
		return err
	}
	return d.conn.SendFrame(frame)
}

func (d *Device) isFastPacketPGN(pgn uint32) bool {
	for _, p := range d.config.FastPacketPGNs {
		if p == pgn {
			return true
		}
	}
	return false
}

// nextOrder hands out the 3 bit sequence order tag for the next fast-packet
// message of given PGN. Consecutive messages of the same PGN must carry
// different tags so receivers can tell them apart.
func (d *Device) nextOrder(pgn uint32) uint8 {
	d.ordersMu.Lock()
	defer d.ordersMu.Unlock()

	order := d.orders[pgn] & 0x7
	d.orders[pgn] = order + 1
	return order
}

// ReadRawMessage reads frames from the bus until a complete message is
// available. Broken fast-packet sequences are logged and skipped, they do not
// end the read.
func (d *Device) ReadRawMessage(ctx context.Context) (n2k.RawMessage, error) {
	start := d.timeNow()
	for {
		select {
		case <-ctx.Done():
			return n2k.RawMessage{}, ctx.Err()
		default:
		}

		if err := d.conn.SetReadTimeout(50 * time.Millisecond); err != nil { // max 50ms block time for read per iteration
			return n2k.RawMessage{}, err
		}
		frame, err := d.conn.ReadRawFrame()

		now := d.timeNow()
		if err != nil {
			if errors.Is(err, errReadTimeout) {
				if now.Sub(start) > d.config.ReceiveDataTimeout {
					return n2k.RawMessage{}, err
				}
				continue
			}
			return n2k.RawMessage{}, err
		}

		if expired := d.assembler.Expire(now.Add(-d.config.StaleSequenceTimeout)); expired > 0 {
			d.logger.Debug("discarded stale fast-packet sequences", zap.Int("count", expired))
		}

		var msg n2k.RawMessage
		complete, err := d.assembler.Assemble(frame, &msg)
		if err != nil {
			var rErr *n2k.ReassemblyError
			if errors.As(err, &rErr) {
				d.logger.Warn("fast-packet reassembly failed",
					zap.Uint32("pgn", rErr.PGN),
					zap.Uint8("source", rErr.Source),
					zap.String("reason", rErr.Reason),
				)
			} else {
				return n2k.RawMessage{}, err
			}
		}
		if complete {
			return msg, nil
		}
	}
}
