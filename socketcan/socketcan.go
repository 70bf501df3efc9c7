// Package socketcan reads and writes NMEA 2000 traffic over a Linux
// SocketCAN interface.
package socketcan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/aldrik/go-n2k"
	"golang.org/x/sys/unix"
)

const (
	canRaw = 1

	// canFrameSize is the size of the fixed socketCAN wire struct: 4 bytes
	// identifier, length byte, 3 bytes padding, 8 data bytes.
	// https://github.com/linux-can/can-utils/blob/master/include/linux/can.h
	canFrameSize = 16

	// canIDERRFlag is bit 29 in CAN ID and means ERR error message flag (0 = data frame, 1 = error message)
	canIDERRFlag = uint32(1 << 29)
	// canIDRTRFlag is bit 30 in CAN ID and means RTR remote transmission request (1 = rtr frame)
	canIDRTRFlag = uint32(1 << 30)
	// canIDEFFFlag is bit 31 in CAN ID and means EFF extended frame format / IDE identifier extension flag (0 = standard 11 bit, 1 = extended 29 bit)
	canIDEFFFlag = uint32(1 << 31)

	canIDFlagsMask = canIDERRFlag | canIDRTRFlag | canIDEFFFlag
)

var (
	errReadTimeout  = errors.New("read timeout")
	errWriteTimeout = errors.New("write timeout")

	errRTRFrame = errors.New("read CAN remote transmission request frame")
	errERRFrame = errors.New("read CAN error message frame")
)

// Connection is a raw SocketCAN socket bound to a single interface.
type Connection struct {
	socketFD int
	timeNow  func() time.Time
}

func NewConnection(ifName string) (*Connection, error) {
	ifi, err := net.InterfaceByName(ifName)
	if err != nil {
		return nil, fmt.Errorf("bad ifName: %w", err)
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, canRaw)
	if err != nil {
		return nil, fmt.Errorf("could not create CAN socket: %w", err)
	}

	addr := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err = unix.Bind(fd, addr); err != nil {
		return nil, fmt.Errorf("could not bind CAN socket: %w", err)
	}

	return &Connection{
		socketFD: fd,
		timeNow:  time.Now,
	}, nil
}

func isContinuableSocketErr(err error) bool {
	// EWOULDBLOCK - receive or send returns it when an SO_RCVTIMEO/SO_SNDTIMEO
	// timeout elapses while no input data becomes available or the output
	// buffer remains full

	// EINTR - a signal occurred during the blocking operation

	return err == syscall.EWOULDBLOCK || err == syscall.EINTR
}

func (c Connection) SetReadTimeout(timeout time.Duration) error {
	return c.setSocketTimeout(unix.SO_RCVTIMEO, timeout)
}

func (c Connection) SetSendTimeout(timeout time.Duration) error {
	return c.setSocketTimeout(unix.SO_SNDTIMEO, timeout)
}

func (c Connection) setSocketTimeout(opt int, timeout time.Duration) error {
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	return unix.SetsockoptTimeval(c.socketFD, unix.SOL_SOCKET, opt, &tv)
}

func (c Connection) Close() error {
	return unix.Close(c.socketFD)
}

// SendFrame sends a single frame to the bus.
func (c Connection) SendFrame(raw n2k.RawFrame) error {
	_, err := unix.Write(c.socketFD, marshalFrame(raw))
	if isContinuableSocketErr(err) {
		return errWriteTimeout
	}
	return err
}

// ReadRawFrame reads a single frame from the bus. RTR and error message
// frames are reported as errors.
func (c Connection) ReadRawFrame() (n2k.RawFrame, error) {
	canFrame := make([]byte, canFrameSize)
	_, err := unix.Read(c.socketFD, canFrame)
	if err != nil {
		if isContinuableSocketErr(err) {
			return n2k.RawFrame{}, errReadTimeout
		}
		return n2k.RawFrame{}, err
	}
	frame, err := unmarshalFrame(canFrame)
	if err != nil {
		return n2k.RawFrame{}, err
	}
	frame.Time = c.timeNow()
	return frame, nil
}

func marshalFrame(raw n2k.RawFrame) []byte {
	canFrame := make([]byte, canFrameSize)

	// bits 0-28 are the 29 bit identifier, bit 31 marks it as extended.
	// socketCAN structs are in host byte order. FIXME: for big-endian arch
	// (mips64, ppc64) we should use big-endian
	canID := raw.Header.Uint32() | canIDEFFFlag
	binary.LittleEndian.PutUint32(canFrame[0:4], canID)

	canFrame[4] = raw.Length
	copy(canFrame[8:], raw.Data[:raw.Length])
	return canFrame
}

func unmarshalFrame(canFrame []byte) (n2k.RawFrame, error) {
	canID := binary.LittleEndian.Uint32(canFrame[0:4])
	if canID&canIDRTRFlag != 0 {
		return n2k.RawFrame{}, errRTRFrame
	} else if canID&canIDERRFlag != 0 {
		return n2k.RawFrame{}, errERRFrame
	}

	f := n2k.RawFrame{
		Header: n2k.ParseCANID(canID &^ canIDFlagsMask),
		Length: canFrame[4],
	}
	if f.Length > 8 {
		return n2k.RawFrame{}, fmt.Errorf("CAN frame length %v exceeds 8 bytes", f.Length)
	}
	copy(f.Data[:], canFrame[8:8+f.Length])
	return f, nil
}
