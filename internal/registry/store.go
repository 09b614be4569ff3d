package registry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nexus-edge/ecat-master/internal/domain"
	"github.com/rs/zerolog"
)

// DefaultAreaSize is the size in bytes of each register area.
const DefaultAreaSize = 65536

// Item is one register value as exchanged in bulk operations.
type Item struct {
	Address   Address        `json:"address"`
	Value     domain.Value   `json:"-"`
	Quality   domain.Quality `json:"quality"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler receives register changes. It runs on the writer's goroutine and
// must not block or write to the store.
type Handler func(dp domain.DataPoint)

type subscription struct {
	addrs map[Address]struct{}
	fn    Handler
}

func (s *subscription) wants(a Address) bool {
	if s.addrs == nil {
		return true
	}
	_, ok := s.addrs[a]
	return ok
}

// Store holds the I, Q, M and S register areas. It is safe for concurrent
// use. Handlers are notified only when a write changes the stored bytes.
type Store struct {
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	areas [numCategories][]byte

	subMu sync.RWMutex
	subs  map[string]*subscription
}

// NewStore creates a store with size bytes per area.
func NewStore(size int, logger zerolog.Logger) *Store {
	if size <= 0 {
		size = DefaultAreaSize
	}
	s := &Store{
		logger: logger.With().Str("component", "registry").Logger(),
		now:    time.Now,
		subs:   make(map[string]*subscription),
	}
	for i := range s.areas {
		s.areas[i] = make([]byte, size)
	}
	return s
}

func (s *Store) span(a Address) (area []byte, off uint64, err error) {
	if a.Category() >= numCategories || a.Type() >= numTypes {
		return nil, 0, fmt.Errorf("%w: %#x", domain.ErrInvalidAddress, uint64(a))
	}
	area = s.areas[a.Category()]
	off = a.Offset()
	if off+uint64(a.Size()) > uint64(len(area)) {
		return nil, 0, fmt.Errorf("%w: %s beyond the %d byte area", domain.ErrInvalidAddress, a, len(area))
	}
	return area, off, nil
}

// Read returns the value of one register.
func (s *Store) Read(a Address) (domain.Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	area, off, err := s.span(a)
	if err != nil {
		return domain.Value{}, err
	}
	return decode(a, area[off:off+uint64(a.Size())])
}

// Write stores v, converted to the register's type.
func (s *Store) Write(a Address, v domain.Value) error {
	dp, changed, err := s.write(a, v)
	if err != nil {
		return err
	}
	if changed {
		s.notify(a, dp)
	}
	return nil
}

func (s *Store) write(a Address, v domain.Value) (domain.DataPoint, bool, error) {
	cv, err := v.Convert(a.DataType())
	if err != nil {
		return domain.DataPoint{}, false, fmt.Errorf("register %s: %w", a, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	area, off, err := s.span(a)
	if err != nil {
		return domain.DataPoint{}, false, err
	}
	b := area[off : off+uint64(a.Size())]
	changed := encode(a, b, cv)
	return domain.DataPoint{
		Address:   a.String(),
		Value:     cv,
		Quality:   domain.QualityGood,
		Timestamp: s.now(),
	}, changed, nil
}

// ReadBulk reads every address. Failed reads are reported with bad quality.
func (s *Store) ReadBulk(addrs []Address) []Item {
	items := make([]Item, len(addrs))
	now := s.now()
	for i, a := range addrs {
		v, err := s.Read(a)
		items[i] = Item{Address: a, Value: v, Quality: domain.QualityGood, Timestamp: now}
		if err != nil {
			items[i].Quality = domain.QualityBad
		}
	}
	return items
}

// WriteBulk writes every item and returns the joined errors of the ones
// that failed. Successful writes are kept.
func (s *Store) WriteBulk(items []Item) error {
	var errs []error
	type change struct {
		addr Address
		dp   domain.DataPoint
	}
	var changes []change
	for _, it := range items {
		dp, changed, err := s.write(it.Address, it.Value)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if changed {
			changes = append(changes, change{it.Address, dp})
		}
	}
	for _, c := range changes {
		s.notify(c.addr, c.dp)
	}
	return errors.Join(errs...)
}

// Subscribe registers fn for changes of the given addresses, or of every
// register when addrs is empty. It returns the subscription id.
func (s *Store) Subscribe(addrs []Address, fn Handler) (string, error) {
	if fn == nil {
		return "", fmt.Errorf("%w: nil handler", domain.ErrInvalidParameter)
	}
	sub := &subscription{fn: fn}
	if len(addrs) > 0 {
		sub.addrs = make(map[Address]struct{}, len(addrs))
		for _, a := range addrs {
			if _, _, err := s.span(a); err != nil {
				return "", err
			}
			sub.addrs[a] = struct{}{}
		}
	}

	id := uuid.NewString()
	s.subMu.Lock()
	s.subs[id] = sub
	s.subMu.Unlock()
	return id, nil
}

// Unsubscribe removes a subscription.
func (s *Store) Unsubscribe(id string) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if _, ok := s.subs[id]; !ok {
		return fmt.Errorf("%w: unknown subscription %q", domain.ErrInvalidParameter, id)
	}
	delete(s.subs, id)
	return nil
}

// Subscriptions returns the number of active subscriptions.
func (s *Store) Subscriptions() int {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	return len(s.subs)
}

func (s *Store) notify(a Address, dp domain.DataPoint) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, sub := range s.subs {
		if sub.wants(a) {
			sub.fn(dp)
		}
	}
}

func decode(a Address, b []byte) (domain.Value, error) {
	switch a.Type() {
	case TypeBit:
		return domain.BoolValue(b[0]>>a.Bit()&1 != 0), nil
	case TypeByte:
		return domain.UintValue(domain.DataTypeUInt8, uint64(b[0]))
	case TypeWord:
		return domain.UintValue(domain.DataTypeUInt16, uint64(binary.LittleEndian.Uint16(b)))
	case TypeDWord:
		return domain.UintValue(domain.DataTypeUInt32, uint64(binary.LittleEndian.Uint32(b)))
	case TypeLWord:
		return domain.UintValue(domain.DataTypeUInt64, binary.LittleEndian.Uint64(b))
	case TypeReal:
		return domain.RawValue(domain.DataTypeFloat32, uint64(binary.LittleEndian.Uint32(b)))
	case TypeLReal:
		return domain.RawValue(domain.DataTypeFloat64, binary.LittleEndian.Uint64(b))
	}
	return domain.Value{}, fmt.Errorf("%w: %s", domain.ErrInvalidAddress, a)
}

// encode writes v, already converted to the register type, into b and
// reports whether the bytes changed.
func encode(a Address, b []byte, v domain.Value) bool {
	var next [8]byte
	copy(next[:], b)
	raw := v.Raw()
	switch a.Type() {
	case TypeBit:
		mask := byte(1) << a.Bit()
		if raw != 0 {
			next[0] |= mask
		} else {
			next[0] &^= mask
		}
	case TypeByte:
		next[0] = byte(raw)
	case TypeWord:
		binary.LittleEndian.PutUint16(next[:], uint16(raw))
	case TypeDWord, TypeReal:
		binary.LittleEndian.PutUint32(next[:], uint32(raw))
	case TypeLWord, TypeLReal:
		binary.LittleEndian.PutUint64(next[:], raw)
	}
	changed := false
	for i := range b {
		if b[i] != next[i] {
			changed = true
			b[i] = next[i]
		}
	}
	return changed
}
