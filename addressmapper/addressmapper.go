// Package addressmapper discovers which nodes are present on the NMEA 2000
// bus and which source address each of them currently claims. Source
// addresses are dynamic (SAE J1939 address claim), the stable identity of a
// node is its 64 bit NAME.
package addressmapper

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aldrik/go-n2k"
	"go.uber.org/zap"
)

const requestChannelSize = 20

// Node is one device on the bus with everything learned about it so far.
type Node struct {
	Source uint8

	NAME      uint64
	Name      NodeName
	ValidName bool

	ProductInfo      ProductInfo
	ValidProductInfo bool

	ConfigurationInfo      ConfigurationInfo
	ValidConfigurationInfo bool
}

type Nodes []Node

// ProductInfo is the content of PGN 126996.
type ProductInfo struct {
	NMEA2000Version uint16
	ProductCode     uint16

	ModelID             string // 32 bytes
	SoftwareVersionCode string // 32 bytes
	ModelVersion        string // 32 bytes
	ModelSerialCode     string // 32 bytes

	CertificationLevel uint8
	LoadEquivalency    uint8
}

func PGN126996ToProductInfo(raw n2k.RawMessage) (ProductInfo, error) {
	if raw.Header.PGN != n2k.PGNProductInfo {
		return ProductInfo{}, errors.New("product info can only be created from rawMessage with PGN 126996")
	}
	b := raw.Data
	if len(b) != 134 {
		return ProductInfo{}, errors.New("rawMessage has invalid length to be product info")
	}

	nmea2000Version, err := b.DecodeVariableUint(0, 16)
	if err != nil && !errors.Is(err, n2k.ErrValueNoData) {
		return ProductInfo{}, fmt.Errorf("failed to extract NMEA2000 version for product info, err: %w", err)
	}
	productCode, err := b.DecodeVariableUint(16, 16)
	if err != nil && !errors.Is(err, n2k.ErrValueNoData) {
		return ProductInfo{}, fmt.Errorf("failed to extract product code for product info, err: %w", err)
	}

	modelID, err := b.DecodeStringFix(32, 256)
	if err != nil {
		return ProductInfo{}, fmt.Errorf("failed to extract model id for product info, err: %w", err)
	}
	softwareVersionCode, err := b.DecodeStringFix(32+256, 256)
	if err != nil {
		return ProductInfo{}, fmt.Errorf("failed to extract software version code for product info, err: %w", err)
	}
	modelVersion, err := b.DecodeStringFix(544, 256)
	if err != nil {
		return ProductInfo{}, fmt.Errorf("failed to extract model version for product info, err: %w", err)
	}
	modelSerialCode, err := b.DecodeStringFix(800, 256)
	if err != nil {
		return ProductInfo{}, fmt.Errorf("failed to extract model serial code for product info, err: %w", err)
	}

	return ProductInfo{
		NMEA2000Version: uint16(nmea2000Version),
		ProductCode:     uint16(productCode),

		ModelID:             modelID,
		SoftwareVersionCode: softwareVersionCode,
		ModelVersion:        modelVersion,
		ModelSerialCode:     modelSerialCode,

		CertificationLevel: b[132],
		LoadEquivalency:    b[133],
	}, nil
}

// NodeName is the 64 bit NAME a node claims its address with (PGN 60928, ISO
// Address Claim). Lower NAME values win address conflicts.
// https://embeddedflakes.com/network-management-in-sae-j1939/
type NodeName struct {
	UniqueNumber        uint32 // ISO Identity Number (21 bits)
	Manufacturer        uint16 // Device Manufacturer (11 bits)
	DeviceInstanceLower uint8  // J1939 ECU Instance (3 bits)
	DeviceInstanceUpper uint8  // J1939 Function Instance (5 bits)
	DeviceFunction      uint8  // (8 bits)
	// reserved (1 bit)
	DeviceClass    uint8 // (7 bits)
	SystemInstance uint8 // ISO Device Class Instance (4 bits)
	IndustryGroup  uint8 // (3 bits)

	// ArbitraryAddressCapable is set when the node resolves address conflicts
	// by picking a new address from the 128..247 range instead of going
	// silent.
	ArbitraryAddressCapable uint8 // (1 bit)
}

// Bytes returns the NAME in the wire layout of PGN 60928: little-endian, the
// unique number in the low 21 bits.
func (n NodeName) Bytes() []byte {
	return []byte{
		uint8(n.UniqueNumber & 0xff),                                         // 0
		uint8(n.UniqueNumber >> 8 & 0xff),                                    // 1
		uint8(n.UniqueNumber>>16&0b11111) | uint8(n.Manufacturer&0b111)<<5,   // 2
		uint8(n.Manufacturer >> 3 & 0xff),                                    // 3
		n.DeviceInstanceLower&0b111 | n.DeviceInstanceUpper&0b11111<<3,       // 4
		n.DeviceFunction,   // 5
		n.DeviceClass << 1, // 6
		n.SystemInstance&0b1111 | (n.IndustryGroup&0b111)<<4 | n.ArbitraryAddressCapable<<7, // 7
	}
}

// Uint64 is the NAME as the integer the address claim procedure compares.
func (n NodeName) Uint64() uint64 {
	return binary.LittleEndian.Uint64(n.Bytes())
}

func PGN60928ToNodeName(raw n2k.RawMessage) (NodeName, error) {
	if raw.Header.PGN != n2k.PGNISOAddressClaim {
		return NodeName{}, errors.New("device name can only be created from rawMessage with PGN 60928")
	}
	b := raw.Data
	if len(b) != 8 {
		return NodeName{}, errors.New("rawMessage has invalid length to be ISO Address claim")
	}
	return NodeName{
		UniqueNumber:            uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2]&0b11111)<<16, // 21 bits
		Manufacturer:            uint16(b[2]>>5) | uint16(b[3])<<3,                         // 11 bits
		DeviceInstanceLower:     b[4] & 0b111,                                              // 3 bits
		DeviceInstanceUpper:     b[4] >> 3,                                                 // 5 bits
		DeviceFunction:          b[5],                                                      // 8 bits
		DeviceClass:             b[6] >> 1,                                                 // 7 bits + 1 reserved bit
		SystemInstance:          b[7] & 0b1111,                                             // 4 bits
		IndustryGroup:           (b[7] >> 4) & 0b111,                                       // 3 bits
		ArbitraryAddressCapable: b[7] >> 7,                                                 // 1 bit
	}, nil
}

// ConfigurationInfo is the content of PGN 126998.
type ConfigurationInfo struct {
	InstallationDesc1 string
	InstallationDesc2 string
	ManufacturerInfo  string
}

func PGN126998ToConfigurationInfo(raw n2k.RawMessage) (ConfigurationInfo, error) {
	if raw.Header.PGN != n2k.PGNConfigurationInformation {
		return ConfigurationInfo{}, errors.New("configuration info can only be created from rawMessage with PGN 126998")
	}
	instDesc1, offset, err := raw.Data.DecodeStringLAU(0)
	if err != nil {
		return ConfigurationInfo{}, fmt.Errorf("failed to decode configuration info installation description 1, err: %w", err)
	}
	instDesc2, offset, err := raw.Data.DecodeStringLAU(offset)
	if err != nil {
		return ConfigurationInfo{}, fmt.Errorf("failed to decode configuration info installation description 2, err: %w", err)
	}
	manufInfo, _, err := raw.Data.DecodeStringLAU(offset)
	if err != nil {
		return ConfigurationInfo{}, fmt.Errorf("failed to decode configuration info manufacturer info, err: %w", err)
	}
	return ConfigurationInfo{
		InstallationDesc1: instDesc1,
		InstallationDesc2: instDesc2,
		ManufacturerInfo:  manufInfo,
	}, nil
}

// AddressMapper tracks address claims seen on the bus and, when writing is
// enabled, asks newly seen nodes for their product and configuration info.
type AddressMapper struct {
	mutex sync.Mutex

	// requestsChan queues ISO requests to be rate-limited onto the bus by Run
	requestsChan    chan n2k.RawMessage
	toggleWriteChan chan bool

	writeEnabled bool
	isRunning    bool

	device n2k.RawMessageWriter
	logger *zap.Logger

	knownNodes   map[uint64]*Node
	address2node [255]*busSlot

	now func() time.Time
}

func NewAddressMapper(device n2k.RawMessageWriter, logger *zap.Logger) *AddressMapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AddressMapper{
		now: time.Now,

		toggleWriteChan: make(chan bool),
		requestsChan:    make(chan n2k.RawMessage, requestChannelSize),
		device:          device,
		logger:          logger,

		knownNodes:   make(map[uint64]*Node),
		address2node: [255]*busSlot{},
	}
}

// ToggleWrite enables or disables sending ISO requests to the bus. Disabled
// by default so a purely listening host never transmits.
func (m *AddressMapper) ToggleWrite() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.writeEnabled = !m.writeEnabled
	if m.isRunning {
		m.toggleWriteChan <- m.writeEnabled
	}
}

// Run drains queued ISO requests onto the bus, at most one per 10ms so bursts
// of new nodes do not flood the network. Blocks until the context is
// cancelled or an error occurs.
func (m *AddressMapper) Run(ctx context.Context) error {
	buffer := newQueue[n2k.RawMessage](50)
	writeTimer := time.NewTicker(10 * time.Millisecond)

	m.mutex.Lock()
	if m.isRunning {
		m.mutex.Unlock()
		return errors.New("address mapper process is already running")
	}
	m.isRunning = true
	defer func() {
		m.mutex.Lock()
		m.isRunning = false
		m.mutex.Unlock()
	}()
	enabled := m.writeEnabled
	m.mutex.Unlock()

	if !enabled {
		writeTimer.Stop()
	}
	for {
		select {
		case writeEnabled := <-m.toggleWriteChan:
			enabled = writeEnabled
			if enabled {
				writeTimer.Reset(10 * time.Millisecond)
			} else {
				writeTimer.Stop()
			}

		case msg, ok := <-m.requestsChan:
			if !ok {
				return errors.New("address mapper request channel is closed unexpectedly")
			}
			if enabled {
				if !buffer.Enqueue(msg) {
					m.logger.Warn("address mapper request buffer is full", zap.Uint32("pgn", msg.Header.PGN))
				}
			}

		case <-writeTimer.C:
			msg, ok := buffer.Dequeue()
			if !ok {
				continue
			}
			if err := m.device.Write(msg); err != nil {
				m.logger.Error("address mapper write failed", zap.Uint32("pgn", msg.Header.PGN), zap.Error(err))
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type busSlot struct {
	node    *Node
	claimed time.Time

	productInfoRequested time.Time
	configInfoRequested  time.Time
	pgnListRequested     time.Time

	lastPacket time.Time
}

// BroadcastIsoAddressClaimRequest queues an ISO request for PGN 60928 to all
// nodes so every device on the bus announces its NAME.
func (m *AddressMapper) BroadcastIsoAddressClaimRequest() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.requestsChan <- createISORequest(n2k.PGNISOAddressClaim, n2k.AddressGlobal)
}

// Process feeds one raw message through the mapper. Reports true when the set
// of nodes in use changed (a node appeared or won an address).
func (m *AddressMapper) Process(raw n2k.RawMessage) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	source := raw.Header.Source
	var slot *busSlot
	if source >= n2k.AddressNull { // 254 and 255 have special meaning and are not actual node addresses
		slot = new(busSlot)
	} else {
		slot = m.address2node[source]
		if slot == nil {
			slot = new(busSlot)
			m.address2node[source] = slot
		}
		slot.lastPacket = raw.Time
	}

	isBusNodeChanged := false
	switch raw.Header.PGN {
	case n2k.PGNISOAddressClaim:
		isChanged, err := m.processISOAddressClaim(slot, raw)
		if err != nil {
			return false, err
		}
		isBusNodeChanged = isChanged
	case n2k.PGNProductInfo:
		if err := m.processProductInfo(slot, raw); err != nil {
			return false, err
		}
	case n2k.PGNConfigurationInformation:
		if err := m.processConfigurationInfo(slot, raw); err != nil {
			return false, err
		}
	}
	return isBusNodeChanged, nil
}

func (m *AddressMapper) processISOAddressClaim(slot *busSlot, raw n2k.RawMessage) (bool, error) {
	name, err := PGN60928ToNodeName(raw)
	if err != nil {
		return false, err
	}
	source := raw.Header.Source
	NAME := binary.LittleEndian.Uint64(raw.Data)

	currentNode, ok := m.knownNodes[NAME]
	if !ok {
		currentNode = &Node{
			Source:    source,
			NAME:      NAME,
			Name:      name,
			ValidName: true,
		}
		m.knownNodes[NAME] = currentNode
	}

	isBusNodeChanged := false
	if slot.node == nil {
		// first claim seen for this address. We probably started listening on
		// an already settled bus, assume this NAME owns the address.
		currentNode.Source = source
		slot.node = currentNode
		slot.claimed = m.now()
		isBusNodeChanged = true
	} else if slot.node.ValidName && NAME < slot.node.NAME {
		// J1939 address claim: the lower NAME wins the address
		slot.node.Source = n2k.AddressNull
		currentNode.Source = source
		slot.node = currentNode
		slot.claimed = m.now()
		isBusNodeChanged = true
	}

	if m.writeEnabled && slot.productInfoRequested.IsZero() {
		slot.productInfoRequested = m.now()
		m.requestsChan <- createISORequest(n2k.PGNProductInfo, source)
	}
	return isBusNodeChanged, nil
}

func (m *AddressMapper) processProductInfo(slot *busSlot, raw n2k.RawMessage) error {
	if slot.node == nil || slot.node.ValidProductInfo {
		return nil
	}

	info, err := PGN126996ToProductInfo(raw)
	if err != nil {
		return err
	}
	slot.node.ProductInfo = info
	slot.node.ValidProductInfo = true

	if m.writeEnabled && slot.configInfoRequested.IsZero() {
		slot.configInfoRequested = m.now()
		m.requestsChan <- createISORequest(n2k.PGNConfigurationInformation, raw.Header.Source)
	}
	return nil
}

func (m *AddressMapper) processConfigurationInfo(slot *busSlot, raw n2k.RawMessage) error {
	if slot.node == nil || slot.node.ValidConfigurationInfo {
		return nil
	}

	ci, err := PGN126998ToConfigurationInfo(raw)
	if err != nil {
		return err
	}
	slot.node.ConfigurationInfo = ci
	slot.node.ValidConfigurationInfo = true
	return nil
}

// Nodes returns all known (current and previous) nodes from the bus.
func (m *AddressMapper) Nodes() Nodes {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	result := make(Nodes, 0, len(m.knownNodes))
	for _, n := range m.knownNodes {
		result = append(result, *n)
	}
	return result
}

// NodesInUseBySource returns the nodes that currently hold a valid source
// address, keyed by that address.
func (m *AddressMapper) NodesInUseBySource() map[uint8]Node {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	result := make(map[uint8]Node)
	for _, n := range m.knownNodes {
		node := *n
		if node.Source >= n2k.AddressNull && !node.ValidName {
			continue
		}
		result[node.Source] = node
	}
	return result
}

func createISORequest(forPGN uint32, destination uint8) n2k.RawMessage {
	return n2k.RawMessage{
		Header: n2k.CanBusHeader{
			PGN:      n2k.PGNISORequest,
			Priority: 6,
			// "A node, that has not yet claimed an address, must use the NULL
			// address (254) as the source address when sending a Request for
			// Address Claimed message." We never claim our own address.
			Source:      n2k.AddressNull,
			Destination: destination,
		},
		Data: []byte{ // requested PGN as little endian
			uint8(forPGN & 0xff),
			uint8((forPGN >> 8) & 0xff),
			uint8((forPGN >> 16) & 0xff),
		},
	}
}

// queue is a bounded FIFO. Enqueue reports false when the queue is full.
type queue[T any] struct {
	items  []T
	length int
}

func newQueue[T any](length int) *queue[T] {
	return &queue[T]{
		items:  make([]T, 0, length),
		length: length,
	}
}

func (q *queue[T]) Enqueue(item T) bool {
	if len(q.items) == q.length {
		return false
	}
	q.items = append(q.items, item)
	return true
}

func (q *queue[T]) Dequeue() (T, bool) {
	var empty T
	if len(q.items) == 0 {
		return empty, false
	}
	value := q.items[0]
	q.items[0] = empty
	q.items = q.items[1:]
	return value, true
}
