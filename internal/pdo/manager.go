// Package pdo lays out process data objects in the logical image, writes
// their mapping to the devices and marshals typed values in and out of the
// image.
package pdo

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nexus-edge/ecat-master/internal/domain"
	"github.com/rs/zerolog"
)

// Object dictionary indices used for PDO mapping.
const (
	RxMappingBase    uint16 = 0x1600
	TxMappingBase    uint16 = 0x1A00
	RxAssignIndex    uint16 = 0x1C12
	TxAssignIndex    uint16 = 0x1C13
	maxMappedEntries        = 254
)

// SDOClient is the acyclic access the manager needs to write PDO mappings.
type SDOClient interface {
	ReadSDO(ctx context.Context, station uint16, index uint16, subIndex uint8, size int) ([]byte, error)
	WriteSDO(ctx context.Context, station uint16, index uint16, subIndex uint8, data []byte) error
}

// Regions resolves the logical image region a device's FMMU maps.
type Regions interface {
	Region(station uint16, typ domain.FMMUType) (domain.FMMUConfig, bool)
}

// Manager owns the resolved PDO layout of every device.
type Manager struct {
	sdo     SDOClient
	regions Regions
	image   domain.ProcessImage
	logger  zerolog.Logger

	mu sync.RWMutex
	rx map[uint16][]domain.PDO
	tx map[uint16][]domain.PDO

	operations atomic.Uint64
}

// NewManager creates a Manager. sdo may be nil when no device has CoE.
func NewManager(sdo SDOClient, regions Regions, image domain.ProcessImage, logger zerolog.Logger) *Manager {
	return &Manager{
		sdo:     sdo,
		regions: regions,
		image:   image,
		logger:  logger.With().Str("component", "pdo-manager").Logger(),
		rx:      make(map[uint16][]domain.PDO),
		tx:      make(map[uint16][]domain.PDO),
	}
}

// Operations returns the number of ReadPDO and WritePDO calls served.
func (m *Manager) Operations() uint64 {
	return m.operations.Load()
}

// layout assigns image offsets to the enabled PDOs inside the FMMU region of
// the given type. Nothing is cached or written when the layout does not fit.
func (m *Manager) layout(station uint16, pdos []domain.PDO, typ domain.FMMUType) ([]domain.PDO, error) {
	resolved := make([]domain.PDO, 0, len(pdos))
	var total uint32
	for i := range pdos {
		if !pdos[i].Enabled {
			continue
		}
		if err := pdos[i].Validate(); err != nil {
			return nil, fmt.Errorf("%w: pdo 0x%04X: %v", domain.ErrPDOConfig, pdos[i].Index, err)
		}
		p := pdos[i]
		p.Entries = append([]domain.PDOEntry(nil), pdos[i].Entries...)
		p.Pack()
		total += p.ByteLength()
		resolved = append(resolved, p)
	}
	if total == 0 {
		return resolved, nil
	}

	region, ok := m.regions.Region(station, typ)
	if !ok {
		return nil, fmt.Errorf("%w: station %d has no %s fmmu for %d bytes of pdo data", domain.ErrPDOConfig, station, fmmuName(typ), total)
	}
	if total > uint32(region.Length) {
		return nil, fmt.Errorf("%w: station %d needs %d bytes, fmmu maps %d", domain.ErrPDOOverflow, station, total, region.Length)
	}
	if end := uint64(region.LogicalStart) + uint64(total); end > uint64(m.image.Size()) {
		return nil, fmt.Errorf("%w: station %d ends at %d, image holds %d", domain.ErrPDOOverflow, station, end, m.image.Size())
	}

	offset := region.LogicalStart
	for i := range resolved {
		resolved[i].Offset = offset
		offset += resolved[i].ByteLength()
	}
	return resolved, nil
}

func fmmuName(typ domain.FMMUType) string {
	if typ == domain.FMMUWrite {
		return "output"
	}
	return "input"
}

// ConfigureRxPDO lays out the output PDOs of a device and caches them.
func (m *Manager) ConfigureRxPDO(station uint16, pdos []domain.PDO) error {
	resolved, err := m.layout(station, pdos, domain.FMMUWrite)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.rx[station] = resolved
	m.mu.Unlock()
	return nil
}

// ConfigureTxPDO lays out the input PDOs of a device and caches them.
func (m *Manager) ConfigureTxPDO(station uint16, pdos []domain.PDO) error {
	resolved, err := m.layout(station, pdos, domain.FMMURead)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.tx[station] = resolved
	m.mu.Unlock()
	return nil
}

// ConfigureSlavePDOs lays out both directions and, for CoE devices with
// configurable mapping, downloads the mapping and assignment objects. On
// failure no layout stays cached for the device.
func (m *Manager) ConfigureSlavePDOs(ctx context.Context, cfg *domain.SlaveConfig) error {
	if err := m.configureSlave(ctx, cfg); err != nil {
		m.Remove(cfg.Address)
		return err
	}

	m.logger.Debug().
		Uint16("station", cfg.Address).
		Int("rx_pdos", len(cfg.RxPDOs)).
		Int("tx_pdos", len(cfg.TxPDOs)).
		Msg("PDO mapping configured")
	return nil
}

func (m *Manager) configureSlave(ctx context.Context, cfg *domain.SlaveConfig) error {
	if err := m.ConfigureRxPDO(cfg.Address, cfg.RxPDOs); err != nil {
		return err
	}
	if err := m.ConfigureTxPDO(cfg.Address, cfg.TxPDOs); err != nil {
		return err
	}
	if !cfg.HasMailbox() || !cfg.Mailbox.Protocols.CoE || m.sdo == nil {
		return nil
	}

	if err := m.writeMapping(ctx, cfg.Address, RxAssignIndex, m.CachedRxPDOs(cfg.Address)); err != nil {
		return err
	}
	return m.writeMapping(ctx, cfg.Address, TxAssignIndex, m.CachedTxPDOs(cfg.Address))
}

// writeMapping follows the usual sequence: clear the count, write the
// entries, then set the count.
func (m *Manager) writeMapping(ctx context.Context, station uint16, assign uint16, pdos []domain.PDO) error {
	fail := func(index uint16, err error) error {
		return fmt.Errorf("%w: station %d object 0x%04X: %v", domain.ErrPDOConfig, station, index, err)
	}

	for i := range pdos {
		p := &pdos[i]
		if p.Fixed {
			continue
		}
		if len(p.Entries) > maxMappedEntries {
			return fail(p.Index, fmt.Errorf("%d entries", len(p.Entries)))
		}
		if err := m.sdo.WriteSDO(ctx, station, p.Index, 0, []byte{0}); err != nil {
			return fail(p.Index, err)
		}
		for j, e := range p.Entries {
			word := uint32(e.Index)<<16 | uint32(e.SubIndex)<<8 | uint32(e.BitLength)
			if err := m.sdo.WriteSDO(ctx, station, p.Index, uint8(j+1), binary.LittleEndian.AppendUint32(nil, word)); err != nil {
				return fail(p.Index, err)
			}
		}
		if err := m.sdo.WriteSDO(ctx, station, p.Index, 0, []byte{uint8(len(p.Entries))}); err != nil {
			return fail(p.Index, err)
		}
	}

	if err := m.sdo.WriteSDO(ctx, station, assign, 0, []byte{0}); err != nil {
		return fail(assign, err)
	}
	for i := range pdos {
		if err := m.sdo.WriteSDO(ctx, station, assign, uint8(i+1), binary.LittleEndian.AppendUint16(nil, pdos[i].Index)); err != nil {
			return fail(assign, err)
		}
	}
	if err := m.sdo.WriteSDO(ctx, station, assign, 0, []byte{uint8(len(pdos))}); err != nil {
		return fail(assign, err)
	}
	return nil
}

// CachedRxPDOs returns a copy of the resolved output PDOs of a device.
func (m *Manager) CachedRxPDOs(station uint16) []domain.PDO {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return clonePDOs(m.rx[station])
}

// CachedTxPDOs returns a copy of the resolved input PDOs of a device.
func (m *Manager) CachedTxPDOs(station uint16) []domain.PDO {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return clonePDOs(m.tx[station])
}

// Remove drops the cached layout of a device.
func (m *Manager) Remove(station uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rx, station)
	delete(m.tx, station)
}

func clonePDOs(pdos []domain.PDO) []domain.PDO {
	if pdos == nil {
		return nil
	}
	out := make([]domain.PDO, len(pdos))
	for i := range pdos {
		out[i] = pdos[i]
		out[i].Entries = append([]domain.PDOEntry(nil), pdos[i].Entries...)
	}
	return out
}

func find(pdos []domain.PDO, index uint16) *domain.PDO {
	for i := range pdos {
		if pdos[i].Index == index {
			return &pdos[i]
		}
	}
	return nil
}

// lookup returns a copy of the entry and its absolute image bit position.
func (m *Manager) lookup(station uint16, output bool, pdoIndex, index uint16, subIndex uint8) (domain.PDOEntry, uint32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cache := m.tx
	if output {
		cache = m.rx
	}
	p := find(cache[station], pdoIndex)
	if p == nil {
		return domain.PDOEntry{}, 0, fmt.Errorf("%w: pdo 0x%04X on station %d", domain.ErrPDOEntryNotFound, pdoIndex, station)
	}
	e, err := p.Entry(index, subIndex)
	if err != nil {
		return domain.PDOEntry{}, 0, err
	}
	return *e, p.Offset*8 + e.AbsoluteBit(), nil
}

// ReadPDO decodes one entry from the image. Output PDOs are searched after
// input PDOs so commanded values can be read back.
func (m *Manager) ReadPDO(station uint16, pdoIndex, index uint16, subIndex uint8) (domain.Value, error) {
	e, bit, err := m.lookup(station, false, pdoIndex, index, subIndex)
	if err != nil {
		e, bit, err = m.lookup(station, true, pdoIndex, index, subIndex)
		if err != nil {
			return domain.Value{}, err
		}
	}
	m.operations.Add(1)

	var buf [9]byte
	n := (bit%8 + uint32(e.BitLength) + 7) / 8
	if err := m.image.ReadImage(bit/8, buf[:n]); err != nil {
		return domain.Value{}, err
	}
	return ParseRawData(buf[:n], bit%8, e.BitLength, e.DataType)
}

// WritePDO encodes v into an output entry of the image.
func (m *Manager) WritePDO(station uint16, pdoIndex, index uint16, subIndex uint8, v domain.Value) error {
	e, bit, err := m.lookup(station, true, pdoIndex, index, subIndex)
	if err != nil {
		return err
	}
	if e.Access == domain.AccessModeReadOnly {
		return fmt.Errorf("%w: entry %q is read only", domain.ErrInvalidOperation, e.Name)
	}
	m.operations.Add(1)

	n := int((bit%8 + uint32(e.BitLength) + 7) / 8)
	return m.image.Modify(bit/8, n, func(b []byte) error {
		return PackRawData(b, bit%8, e.BitLength, e.DataType, v)
	})
}

// ProcessTxPDOData decodes every entry of one input PDO from image, which is
// the whole logical image, and hands each value to fn. It runs on the cyclic
// path and must not be combined with configuration calls from within fn.
func (m *Manager) ProcessTxPDOData(station uint16, pdoIndex uint16, image []byte, fn func(e *domain.PDOEntry, v domain.Value)) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p := find(m.tx[station], pdoIndex)
	if p == nil {
		return fmt.Errorf("%w: tx pdo 0x%04X on station %d", domain.ErrPDOEntryNotFound, pdoIndex, station)
	}
	for i := range p.Entries {
		e := &p.Entries[i]
		if e.IsPadding() {
			continue
		}
		v, err := ParseRawData(image, p.Offset*8+e.AbsoluteBit(), e.BitLength, e.DataType)
		if err != nil {
			return err
		}
		fn(e, v)
	}
	return nil
}

// ProcessRxPDOData encodes the values fn supplies into one output PDO of
// image. Entries for which fn reports no value keep their current bits.
func (m *Manager) ProcessRxPDOData(station uint16, pdoIndex uint16, image []byte, fn func(e *domain.PDOEntry) (domain.Value, bool)) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p := find(m.rx[station], pdoIndex)
	if p == nil {
		return fmt.Errorf("%w: rx pdo 0x%04X on station %d", domain.ErrPDOEntryNotFound, pdoIndex, station)
	}
	for i := range p.Entries {
		e := &p.Entries[i]
		if e.IsPadding() {
			continue
		}
		v, ok := fn(e)
		if !ok {
			continue
		}
		if err := PackRawData(image, p.Offset*8+e.AbsoluteBit(), e.BitLength, e.DataType, v); err != nil {
			return fmt.Errorf("entry %q: %w", e.Name, err)
		}
	}
	return nil
}

// ReadRxPDOConfiguration reads the output PDO assignment and mapping back
// from the device.
func (m *Manager) ReadRxPDOConfiguration(ctx context.Context, station uint16) ([]domain.PDO, error) {
	return m.readConfiguration(ctx, station, RxAssignIndex, true)
}

// ReadTxPDOConfiguration reads the input PDO assignment and mapping back
// from the device.
func (m *Manager) ReadTxPDOConfiguration(ctx context.Context, station uint16) ([]domain.PDO, error) {
	return m.readConfiguration(ctx, station, TxAssignIndex, false)
}

func (m *Manager) readConfiguration(ctx context.Context, station uint16, assign uint16, output bool) ([]domain.PDO, error) {
	if m.sdo == nil {
		return nil, fmt.Errorf("%w: no sdo access", domain.ErrInvalidOperation)
	}
	count, err := m.sdo.ReadSDO(ctx, station, assign, 0, 1)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	cached := m.tx[station]
	if output {
		cached = m.rx[station]
	}
	cached = clonePDOs(cached)
	m.mu.RUnlock()

	pdos := make([]domain.PDO, 0, count[0])
	for i := uint8(1); i <= count[0]; i++ {
		raw, err := m.sdo.ReadSDO(ctx, station, assign, i, 2)
		if err != nil {
			return nil, err
		}
		p := domain.PDO{Index: binary.LittleEndian.Uint16(raw), Enabled: true, SMIndex: 3}
		if !output {
			p.SMIndex = 4
		}
		known := find(cached, p.Index)
		if known != nil {
			p.Name = known.Name
			p.SMIndex = known.SMIndex
		}

		n, err := m.sdo.ReadSDO(ctx, station, p.Index, 0, 1)
		if err != nil {
			return nil, err
		}
		for j := uint8(1); j <= n[0]; j++ {
			raw, err := m.sdo.ReadSDO(ctx, station, p.Index, j, 4)
			if err != nil {
				return nil, err
			}
			word := binary.LittleEndian.Uint32(raw)
			e := domain.PDOEntry{
				Index:     uint16(word >> 16),
				SubIndex:  uint8(word >> 8),
				BitLength: uint8(word),
				DataType:  typeForBits(uint8(word)),
			}
			if known != nil {
				if ke, err := known.Entry(e.Index, e.SubIndex); err == nil {
					e.Name = ke.Name
					e.DataType = ke.DataType
					e.Access = ke.Access
				}
			}
			p.Entries = append(p.Entries, e)
		}
		p.Pack()
		pdos = append(pdos, p)
	}
	return pdos, nil
}

// typeForBits picks an unsigned type wide enough for entries whose type the
// device does not report.
func typeForBits(bits uint8) domain.DataType {
	switch {
	case bits == 1:
		return domain.DataTypeBool
	case bits <= 8:
		return domain.DataTypeUInt8
	case bits <= 16:
		return domain.DataTypeUInt16
	case bits <= 32:
		return domain.DataTypeUInt32
	}
	return domain.DataTypeUInt64
}
