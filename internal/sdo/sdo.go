// Package sdo implements CoE object access (SDO upload and download) on top
// of the mailbox channel.
package sdo

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nexus-edge/ecat-master/internal/domain"
	"github.com/nexus-edge/ecat-master/internal/ecat"
	"github.com/nexus-edge/ecat-master/internal/mailbox"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Transport carries one mailbox request/response transaction.
type Transport interface {
	Exchange(ctx context.Context, station uint16, typ ecat.MailboxType, payload []byte, match func(mailbox.Message) bool) (mailbox.Message, error)
}

// Error is returned by every failed SDO transfer.
type Error struct {
	Code      domain.ErrorCode
	Slave     uint16
	Index     uint16
	SubIndex  uint8
	AbortCode uint32
	Err       error
}

func (e *Error) Error() string {
	op := "upload"
	if e.Code == domain.CodeSDOWriteFailed {
		op = "download"
	}
	if e.AbortCode != 0 {
		return fmt.Sprintf("sdo %s 0x%04X:%02X on station %d aborted with 0x%08X (%s)", op, e.Index, e.SubIndex, e.Slave, e.AbortCode, AbortText(e.AbortCode))
	}
	return fmt.Sprintf("sdo %s 0x%04X:%02X on station %d: %v", op, e.Index, e.SubIndex, e.Slave, e.Err)
}

// Unwrap exposes both the operation sentinel and the cause.
func (e *Error) Unwrap() []error {
	sentinel := domain.ErrSDORead
	if e.Code == domain.CodeSDOWriteFailed {
		sentinel = domain.ErrSDOWrite
	}
	if e.Err == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.Err}
}

// ErrorCode lets domain.CodeOf classify the error.
func (e *Error) ErrorCode() domain.ErrorCode { return e.Code }

var abortTexts = map[uint32]string{
	ecat.SDOAbortToggle:           "toggle bit not alternated",
	ecat.SDOAbortTimeout:          "protocol timed out",
	ecat.SDOAbortUnsupported:      "unsupported access",
	ecat.SDOAbortReadOnly:         "attempt to write a read only object",
	ecat.SDOAbortObjectNotExist:   "object does not exist",
	ecat.SDOAbortLengthMismatch:   "data type length mismatch",
	ecat.SDOAbortSubIndexNotExist: "subindex does not exist",
	ecat.SDOAbortGeneral:          "general error",
}

// AbortText describes an SDO abort code.
func AbortText(code uint32) string {
	if s, ok := abortTexts[code]; ok {
		return s
	}
	return "unknown abort code"
}

// Config holds SDO manager settings.
type Config struct {
	// BreakerTimeout is how long a tripped breaker stays open.
	BreakerTimeout time.Duration

	// BreakerFailures is the number of consecutive failures that trip it.
	BreakerFailures uint32
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BreakerTimeout:  30 * time.Second,
		BreakerFailures: 5,
	}
}

// Observer is told about every completed transfer.
type Observer func(station uint16, write bool, err error)

// Manager performs SDO transfers. Each station has its own circuit breaker so
// an unresponsive device cannot stall parameter access to the others.
type Manager struct {
	transport Transport
	config    Config
	logger    zerolog.Logger

	mu       sync.Mutex
	breakers map[uint16]*gobreaker.CircuitBreaker
	observer Observer
}

// NewManager creates a Manager on top of transport.
func NewManager(transport Transport, config Config, logger zerolog.Logger) *Manager {
	if config.BreakerTimeout <= 0 {
		config.BreakerTimeout = 30 * time.Second
	}
	if config.BreakerFailures == 0 {
		config.BreakerFailures = 5
	}
	return &Manager{
		transport: transport,
		config:    config,
		logger:    logger.With().Str("component", "sdo-manager").Logger(),
		breakers:  make(map[uint16]*gobreaker.CircuitBreaker),
	}
}

// SetObserver installs the transfer observer.
func (m *Manager) SetObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = o
}

func (m *Manager) breaker(station uint16) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	cb, ok := m.breakers[station]
	if ok {
		return cb
	}
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("sdo-%d", station),
		MaxRequests: 1,
		Timeout:     m.config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= m.config.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			// An abort is a valid answer from a live device.
			var sdoErr *Error
			return err == nil || (errors.As(err, &sdoErr) && sdoErr.AbortCode != 0)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			m.logger.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("SDO circuit breaker state changed")
		},
	})
	m.breakers[station] = cb
	return cb
}

// BreakerState returns the breaker state of a station.
func (m *Manager) BreakerState(station uint16) gobreaker.State {
	return m.breaker(station).State()
}

// ReadSDO uploads exactly size bytes from index:subIndex. The device may
// report a different length; anything other than size is an error.
func (m *Manager) ReadSDO(ctx context.Context, station uint16, index uint16, subIndex uint8, size int) ([]byte, error) {
	result, err := m.execute(station, false, func() (interface{}, error) {
		return m.upload(ctx, station, index, subIndex, size)
	})
	if err != nil {
		return nil, m.classify(err, domain.CodeSDOReadFailed, station, index, subIndex)
	}
	return result.([]byte), nil
}

// WriteSDO downloads data to index:subIndex. Up to four bytes are sent
// expedited, longer values use a normal transfer.
func (m *Manager) WriteSDO(ctx context.Context, station uint16, index uint16, subIndex uint8, data []byte) error {
	_, err := m.execute(station, true, func() (interface{}, error) {
		return nil, m.download(ctx, station, index, subIndex, data)
	})
	if err != nil {
		return m.classify(err, domain.CodeSDOWriteFailed, station, index, subIndex)
	}
	return nil
}

func (m *Manager) execute(station uint16, write bool, fn func() (interface{}, error)) (interface{}, error) {
	result, err := m.breaker(station).Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = domain.ErrCircuitBreakerOpen
	}

	m.mu.Lock()
	o := m.observer
	m.mu.Unlock()
	if o != nil {
		o(station, write, err)
	}
	return result, err
}

func (m *Manager) classify(err error, code domain.ErrorCode, station, index uint16, subIndex uint8) error {
	var sdoErr *Error
	if errors.As(err, &sdoErr) {
		sdoErr.Code = code
		return sdoErr
	}
	return &Error{Code: code, Slave: station, Index: index, SubIndex: subIndex, Err: err}
}

func header(cmd uint8, index uint16, subIndex uint8) []byte {
	b := ecat.EncodeCoEHeader(ecat.CoESDORequest)
	b = append(b, cmd)
	b = binary.LittleEndian.AppendUint16(b, index)
	return append(b, subIndex)
}

// matcher accepts SDO responses and aborts for index:subIndex.
func matcher(index uint16, subIndex uint8) func(mailbox.Message) bool {
	return func(msg mailbox.Message) bool {
		if msg.Type != ecat.MailboxCoE {
			return false
		}
		service, body, err := ecat.DecodeCoEHeader(msg.Payload)
		if err != nil || (service != ecat.CoESDOResponse && service != ecat.CoESDORequest) {
			return false
		}
		if len(body) < 4 {
			return false
		}
		return binary.LittleEndian.Uint16(body[1:3]) == index && body[3] == subIndex
	}
}

// response validates a reply and returns the SDO body.
func response(msg mailbox.Message, station, index uint16, subIndex uint8) ([]byte, error) {
	_, body, err := ecat.DecodeCoEHeader(msg.Payload)
	if err != nil {
		return nil, err
	}
	if len(body) < ecat.SDOHeaderLen {
		return nil, fmt.Errorf("%w: short sdo response", domain.ErrMailbox)
	}
	if body[0] == ecat.SDOAbort {
		code := binary.LittleEndian.Uint32(body[4:8])
		cause := domain.ErrMailbox
		if code == ecat.SDOAbortObjectNotExist || code == ecat.SDOAbortSubIndexNotExist {
			cause = domain.ErrCoEObjectNotFound
		}
		return nil, &Error{Slave: station, Index: index, SubIndex: subIndex, AbortCode: code, Err: cause}
	}
	return body, nil
}

func (m *Manager) upload(ctx context.Context, station uint16, index uint16, subIndex uint8, size int) ([]byte, error) {
	req := append(header(ecat.SDOUploadInitiateRequest, index, subIndex), 0, 0, 0, 0)
	msg, err := m.transport.Exchange(ctx, station, ecat.MailboxCoE, req, matcher(index, subIndex))
	if err != nil {
		return nil, err
	}
	body, err := response(msg, station, index, subIndex)
	if err != nil {
		return nil, err
	}
	cmd := body[0]
	if cmd&ecat.SDOCommandMask != ecat.SDOUploadInitiateResponse {
		return nil, fmt.Errorf("%w: unexpected sdo command 0x%02X", domain.ErrMailbox, cmd)
	}

	var data []byte
	if cmd&ecat.SDOFlagExpedited != 0 {
		n := 4
		if cmd&ecat.SDOFlagSizeIndicated != 0 {
			n = 4 - int(cmd>>2&0x03)
		}
		data = body[4 : 4+n]
	} else {
		n := int(binary.LittleEndian.Uint32(body[4:8]))
		if len(body)-ecat.SDOHeaderLen < n {
			return nil, fmt.Errorf("%w: segmented upload of %d bytes not supported", domain.ErrMailbox, n)
		}
		data = body[ecat.SDOHeaderLen : ecat.SDOHeaderLen+n]
	}
	if len(data) != size {
		return nil, fmt.Errorf("%w: object holds %d bytes, caller expects %d", domain.ErrDataTypeMismatch, len(data), size)
	}
	return append([]byte(nil), data...), nil
}

func (m *Manager) download(ctx context.Context, station uint16, index uint16, subIndex uint8, data []byte) error {
	var req []byte
	if len(data) <= 4 && len(data) > 0 {
		cmd := ecat.SDODownloadInitiateRequest | ecat.SDOFlagExpedited | ecat.SDOFlagSizeIndicated | uint8(4-len(data))<<2
		req = header(cmd, index, subIndex)
		var field [4]byte
		copy(field[:], data)
		req = append(req, field[:]...)
	} else {
		req = header(ecat.SDODownloadInitiateRequest|ecat.SDOFlagSizeIndicated, index, subIndex)
		req = binary.LittleEndian.AppendUint32(req, uint32(len(data)))
		req = append(req, data...)
	}

	msg, err := m.transport.Exchange(ctx, station, ecat.MailboxCoE, req, matcher(index, subIndex))
	if err != nil {
		return err
	}
	body, err := response(msg, station, index, subIndex)
	if err != nil {
		return err
	}
	if body[0]&ecat.SDOCommandMask != ecat.SDODownloadInitiateResponse {
		return fmt.Errorf("%w: unexpected sdo command 0x%02X", domain.ErrMailbox, body[0])
	}
	m.logger.Debug().
		Uint16("station", station).
		Str("object", fmt.Sprintf("0x%04X:%02X", index, subIndex)).
		Int("size", len(data)).
		Msg("SDO download complete")
	return nil
}
