// Package mailbox manages the acyclic mailbox channel of each device:
// protocol flags, send and receive with timeouts, and the receive and
// emergency paths fed from the polling loop.
package mailbox

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nexus-edge/ecat-master/internal/domain"
	"github.com/nexus-edge/ecat-master/internal/ecat"
	"github.com/rs/zerolog"
)

const (
	writeMailboxSM uint8 = 0
	readMailboxSM  uint8 = 1

	defaultPollInterval = time.Millisecond
)

// Message is one mailbox message without padding.
type Message struct {
	Type    ecat.MailboxType
	Counter uint8
	Payload []byte
}

// ReceiveCallback receives messages that arrived outside a transaction.
type ReceiveCallback func(station uint16, msg Message)

// Status is a snapshot of one device's mailbox.
type Status struct {
	Enabled     bool                    `json:"enabled"`
	Protocols   domain.MailboxProtocols `json:"protocols"`
	Sent        uint64                  `json:"sent"`
	Received    uint64                  `json:"received"`
	Errors      uint64                  `json:"errors"`
	Emergencies uint64                  `json:"emergencies"`
	Pending     int                     `json:"pending"`
}

type slot struct {
	// tx serializes request/response transactions on the device.
	tx sync.Mutex

	cfg      domain.MailboxConfig
	enabled  bool
	counter  uint8
	pending  []Message
	callback ReceiveCallback
	status   Status
}

// Manager owns the mailbox state of every configured device.
type Manager struct {
	io           domain.DeviceIO
	logger       zerolog.Logger
	pollInterval time.Duration

	mu          sync.Mutex
	slots       map[uint16]*slot
	onEmergency domain.EmergencyCallback
}

// NewManager creates a Manager that reaches devices through io.
func NewManager(io domain.DeviceIO, logger zerolog.Logger) *Manager {
	return &Manager{
		io:           io,
		logger:       logger.With().Str("component", "mailbox-manager").Logger(),
		pollInterval: defaultPollInterval,
		slots:        make(map[uint16]*slot),
	}
}

func (m *Manager) slot(station uint16) (*slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[station]
	if !ok {
		return nil, fmt.Errorf("%w: mailbox of station %d not configured", domain.ErrMailbox, station)
	}
	return s, nil
}

// Configure validates the mailbox geometry against the sync manager
// registers of the device and enables the mailbox.
func (m *Manager) Configure(ctx context.Context, station uint16, cfg domain.MailboxConfig) error {
	def := domain.DefaultMailboxConfig()
	if cfg.Timeouts.Request <= 0 {
		cfg.Timeouts.Request = def.Timeouts.Request
	}
	if cfg.Timeouts.Response <= 0 {
		cfg.Timeouts.Response = def.Timeouts.Response
	}
	if cfg.Timeouts.Emergency <= 0 {
		cfg.Timeouts.Emergency = def.Timeouts.Emergency
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = def.MaxQueueSize
	}
	b := cfg.Buffers
	if b.WriteSize <= ecat.MailboxHeaderLen || b.ReadSize <= ecat.MailboxHeaderLen {
		return fmt.Errorf("%w: buffers of %d/%d bytes cannot hold a message", domain.ErrMailboxConfig, b.WriteSize, b.ReadSize)
	}
	if b.WriteOffset < b.ReadOffset+b.ReadSize && b.ReadOffset < b.WriteOffset+b.WriteSize {
		return fmt.Errorf("%w: write and read buffers overlap", domain.ErrMailboxConfig)
	}

	if err := m.verifySyncManager(ctx, station, writeMailboxSM, b.WriteOffset, b.WriteSize); err != nil {
		return err
	}
	if err := m.verifySyncManager(ctx, station, readMailboxSM, b.ReadOffset, b.ReadSize); err != nil {
		return err
	}

	m.mu.Lock()
	s, ok := m.slots[station]
	if !ok {
		s = &slot{}
		m.slots[station] = s
	}
	s.cfg = cfg
	s.enabled = cfg.Enabled
	s.status.Enabled = cfg.Enabled
	s.status.Protocols = cfg.Protocols
	m.mu.Unlock()

	m.logger.Debug().
		Uint16("station", station).
		Str("protocols", protocolString(cfg.Protocols)).
		Msg("Mailbox configured")
	return nil
}

func (m *Manager) verifySyncManager(ctx context.Context, station uint16, index uint8, start, length uint16) error {
	buf := make([]byte, ecat.SyncManagerLen)
	if err := m.io.ReadRegister(ctx, station, ecat.SyncManagerAddr(index), buf); err != nil {
		return fmt.Errorf("%w: read sync manager %d: %v", domain.ErrMailboxConfig, index, err)
	}
	gotStart := binary.LittleEndian.Uint16(buf[ecat.SMOffsetPhysStart:])
	gotLen := binary.LittleEndian.Uint16(buf[ecat.SMOffsetLength:])
	if gotStart != start || gotLen != length {
		return fmt.Errorf("%w: sync manager %d is %#04x/%d, mailbox expects %#04x/%d",
			domain.ErrMailboxConfig, index, gotStart, gotLen, start, length)
	}
	if buf[ecat.SMOffsetActivate]&ecat.SMActivateEnable == 0 {
		return fmt.Errorf("%w: sync manager %d not activated", domain.ErrMailboxConfig, index)
	}
	return nil
}

// CheckSupport reports whether both mailbox sync managers are active on the
// device.
func (m *Manager) CheckSupport(ctx context.Context, station uint16) (bool, error) {
	for _, index := range []uint8{writeMailboxSM, readMailboxSM} {
		buf := make([]byte, 1)
		if err := m.io.ReadRegister(ctx, station, ecat.SyncManagerAddr(index)+ecat.SMOffsetActivate, buf); err != nil {
			return false, fmt.Errorf("%w: %v", domain.ErrMailbox, err)
		}
		if buf[0]&ecat.SMActivateEnable == 0 {
			return false, nil
		}
	}
	return true, nil
}

// Enable switches the mailbox of a configured device on or off.
func (m *Manager) Enable(station uint16, enable bool) error {
	s, err := m.slot(station)
	if err != nil {
		return err
	}
	m.mu.Lock()
	s.enabled = enable
	s.status.Enabled = enable
	m.mu.Unlock()
	return nil
}

// IsEnabled reports whether the mailbox of a device is enabled.
func (m *Manager) IsEnabled(station uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[station]
	return ok && s.enabled
}

// SetProtocols replaces the protocol flags of a device.
func (m *Manager) SetProtocols(station uint16, protocols domain.MailboxProtocols) error {
	s, err := m.slot(station)
	if err != nil {
		return err
	}
	m.mu.Lock()
	s.cfg.Protocols = protocols
	s.status.Protocols = protocols
	m.mu.Unlock()
	return nil
}

// IsProtocolSupported reports whether typ is enabled for the device.
func (m *Manager) IsProtocolSupported(station uint16, typ ecat.MailboxType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[station]
	if !ok {
		return false
	}
	p := s.cfg.Protocols
	switch typ {
	case ecat.MailboxCoE:
		return p.CoE
	case ecat.MailboxFoE:
		return p.FoE
	case ecat.MailboxEoE:
		return p.EoE
	case ecat.MailboxSoE:
		return p.SoE
	}
	return false
}

// ProtocolInfo returns the enabled protocols as a comma separated list.
func (m *Manager) ProtocolInfo(station uint16) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.slots[station]; ok {
		return protocolString(s.cfg.Protocols)
	}
	return ""
}

func protocolString(p domain.MailboxProtocols) string {
	var names []string
	if p.CoE {
		names = append(names, "CoE")
	}
	if p.EoE {
		names = append(names, "EoE")
	}
	if p.FoE {
		names = append(names, "FoE")
	}
	if p.SoE {
		names = append(names, "SoE")
	}
	return strings.Join(names, ",")
}

// Status returns the counters of a device's mailbox.
func (m *Manager) Status(station uint16) (Status, error) {
	s, err := m.slot(station)
	if err != nil {
		return Status{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st := s.status
	st.Pending = len(s.pending)
	return st, nil
}

// Stations returns every station with a configured mailbox.
func (m *Manager) Stations() []uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint16, 0, len(m.slots))
	for station := range m.slots {
		out = append(out, station)
	}
	return out
}

// SetReceiveCallback installs the per-device receive callback.
func (m *Manager) SetReceiveCallback(station uint16, cb ReceiveCallback) error {
	s, err := m.slot(station)
	if err != nil {
		return err
	}
	m.mu.Lock()
	s.callback = cb
	m.mu.Unlock()
	return nil
}

// SetEmergencyCallback installs the emergency callback shared by all devices.
func (m *Manager) SetEmergencyCallback(cb domain.EmergencyCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEmergency = cb
}

func (m *Manager) usable(station uint16, typ ecat.MailboxType) (*slot, error) {
	s, err := m.slot(station)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	enabled := s.enabled
	m.mu.Unlock()
	if !enabled {
		return nil, fmt.Errorf("%w: mailbox of station %d disabled", domain.ErrMailbox, station)
	}
	if !m.IsProtocolSupported(station, typ) {
		return nil, fmt.Errorf("%w: %v on station %d", domain.ErrProtocolNotEnabled, typ, station)
	}
	return s, nil
}

// Send writes one message into the device's write mailbox, waiting up to the
// request timeout for the mailbox to be free.
func (m *Manager) Send(ctx context.Context, station uint16, typ ecat.MailboxType, payload []byte) error {
	s, err := m.usable(station, typ)
	if err != nil {
		return err
	}
	s.tx.Lock()
	defer s.tx.Unlock()
	return m.send(ctx, station, s, typ, payload)
}

// Receive waits up to the response timeout for the next message of typ.
func (m *Manager) Receive(ctx context.Context, station uint16, typ ecat.MailboxType) (Message, error) {
	s, err := m.usable(station, typ)
	if err != nil {
		return Message{}, err
	}
	s.tx.Lock()
	defer s.tx.Unlock()
	return m.receive(ctx, station, s, func(msg Message) bool { return msg.Type == typ })
}

// Exchange sends a request and waits for the first message accepted by match.
// Emergencies arriving in between go to the emergency callback; other
// messages are queued for ProcessIncomingMessages.
func (m *Manager) Exchange(ctx context.Context, station uint16, typ ecat.MailboxType, payload []byte, match func(Message) bool) (Message, error) {
	s, err := m.usable(station, typ)
	if err != nil {
		return Message{}, err
	}
	s.tx.Lock()
	defer s.tx.Unlock()
	if err := m.send(ctx, station, s, typ, payload); err != nil {
		return Message{}, err
	}
	return m.receive(ctx, station, s, match)
}

func (m *Manager) send(ctx context.Context, station uint16, s *slot, typ ecat.MailboxType, payload []byte) error {
	m.mu.Lock()
	cfg := s.cfg
	s.counter = s.counter%7 + 1
	counter := s.counter
	m.mu.Unlock()

	buf, err := ecat.EncodeMailbox(ecat.MailboxHeader{Type: typ, Counter: counter}, payload, int(cfg.Buffers.WriteSize))
	if err != nil {
		m.countError(s)
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Request)
	defer cancel()
	for {
		full, err := m.statusFull(sendCtx, station, writeMailboxSM)
		if err != nil {
			m.countError(s)
			return m.timeoutOr(sendCtx, err)
		}
		if !full {
			break
		}
		if err := m.wait(sendCtx); err != nil {
			m.countError(s)
			return fmt.Errorf("%w: write mailbox of station %d still full", domain.ErrMailboxTimeout, station)
		}
	}

	if err := m.io.WriteRegister(sendCtx, station, cfg.Buffers.WriteOffset, buf); err != nil {
		m.countError(s)
		return m.timeoutOr(sendCtx, err)
	}
	m.mu.Lock()
	s.status.Sent++
	m.mu.Unlock()
	return nil
}

func (m *Manager) receive(ctx context.Context, station uint16, s *slot, match func(Message) bool) (Message, error) {
	if msg, ok := m.takePending(s, match); ok {
		return msg, nil
	}

	m.mu.Lock()
	cfg := s.cfg
	m.mu.Unlock()

	recvCtx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Response)
	defer cancel()
	for {
		msg, ok, err := m.readIfAvailable(recvCtx, station, s)
		if err != nil {
			m.countError(s)
			return Message{}, m.timeoutOr(recvCtx, err)
		}
		if ok {
			if match(msg) {
				return msg, nil
			}
			m.route(station, s, msg)
			continue
		}
		if err := m.wait(recvCtx); err != nil {
			m.countError(s)
			return Message{}, fmt.Errorf("%w: no response from station %d", domain.ErrMailboxTimeout, station)
		}
	}
}

// CheckForAsyncMessage reports whether the device's read mailbox holds a
// message, without reading it.
func (m *Manager) CheckForAsyncMessage(ctx context.Context, station uint16) (bool, error) {
	return m.statusFull(ctx, station, readMailboxSM)
}

// ProcessAsyncMessages collects pending messages from every enabled mailbox.
// Only devices whose mailbox-full flag is set are read. Emergencies go to the
// emergency callback, everything else is queued. It returns the number of
// emergencies handled.
func (m *Manager) ProcessAsyncMessages(ctx context.Context) int {
	emergencies := 0
	for _, station := range m.Stations() {
		s, err := m.slot(station)
		if err != nil || !m.IsEnabled(station) {
			continue
		}
		if !s.tx.TryLock() {
			// A transaction is in flight and will route anything it reads.
			continue
		}
		msg, ok, err := m.readIfAvailable(ctx, station, s)
		s.tx.Unlock()
		if err != nil {
			m.countError(s)
			m.logger.Debug().Err(err).Uint16("station", station).Msg("Mailbox poll failed")
			continue
		}
		if !ok {
			continue
		}
		if m.route(station, s, msg) {
			emergencies++
		}
	}
	return emergencies
}

// ProcessIncomingMessages delivers queued and newly arrived messages to the
// receive callbacks.
func (m *Manager) ProcessIncomingMessages(ctx context.Context) {
	m.ProcessAsyncMessages(ctx)
	for _, station := range m.Stations() {
		s, err := m.slot(station)
		if err != nil {
			continue
		}
		m.mu.Lock()
		cb := s.callback
		var msgs []Message
		if cb != nil {
			msgs = s.pending
			s.pending = nil
		}
		m.mu.Unlock()
		for _, msg := range msgs {
			cb(station, msg)
		}
	}
}

// route dispatches a message read outside a matching transaction. It reports
// whether the message was an emergency.
func (m *Manager) route(station uint16, s *slot, msg Message) bool {
	if msg.Type == ecat.MailboxCoE {
		if service, body, err := ecat.DecodeCoEHeader(msg.Payload); err == nil && service == ecat.CoEEmergency {
			m.handleEmergency(station, s, body)
			return true
		}
	}

	m.mu.Lock()
	if len(s.pending) >= s.cfg.MaxQueueSize {
		s.pending = s.pending[1:]
		m.logger.Warn().Uint16("station", station).Msg("Mailbox queue full, dropping oldest message")
	}
	s.pending = append(s.pending, msg)
	m.mu.Unlock()
	return false
}

func (m *Manager) handleEmergency(station uint16, s *slot, body []byte) {
	e, err := ecat.DecodeEmergency(body)
	if err != nil {
		m.countError(s)
		return
	}
	m.mu.Lock()
	s.status.Emergencies++
	cb := m.onEmergency
	m.mu.Unlock()

	msg := fmt.Sprintf("emergency code 0x%04X register 0x%02X data %X", e.Code, e.Register, e.Data[:])
	m.logger.Warn().Uint16("station", station).Uint16("code", e.Code).Uint8("register", e.Register).Msg("Emergency message received")
	if cb != nil {
		cb(station, e.Code, msg)
	}
}

func (m *Manager) takePending(s *slot, match func(Message) bool) (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, msg := range s.pending {
		if match(msg) {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return msg, true
		}
	}
	return Message{}, false
}

// readIfAvailable reads the read mailbox if its full flag is set.
func (m *Manager) readIfAvailable(ctx context.Context, station uint16, s *slot) (Message, bool, error) {
	full, err := m.statusFull(ctx, station, readMailboxSM)
	if err != nil || !full {
		return Message{}, false, err
	}

	m.mu.Lock()
	b := s.cfg.Buffers
	m.mu.Unlock()

	buf := make([]byte, b.ReadSize)
	if err := m.io.ReadRegister(ctx, station, b.ReadOffset, buf); err != nil {
		return Message{}, false, err
	}
	h, payload, err := ecat.DecodeMailbox(buf)
	if err != nil {
		return Message{}, false, err
	}
	m.mu.Lock()
	s.status.Received++
	m.mu.Unlock()
	return Message{Type: h.Type, Counter: h.Counter, Payload: append([]byte(nil), payload...)}, true, nil
}

func (m *Manager) statusFull(ctx context.Context, station uint16, index uint8) (bool, error) {
	buf := make([]byte, 1)
	if err := m.io.ReadRegister(ctx, station, ecat.SyncManagerAddr(index)+ecat.SMOffsetStatus, buf); err != nil {
		return false, err
	}
	return buf[0]&ecat.SMStatusMailboxFull != 0, nil
}

func (m *Manager) wait(ctx context.Context) error {
	timer := time.NewTimer(m.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (m *Manager) timeoutOr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", domain.ErrMailboxTimeout, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrMailbox, err)
}

func (m *Manager) countError(s *slot) {
	m.mu.Lock()
	s.status.Errors++
	m.mu.Unlock()
}
