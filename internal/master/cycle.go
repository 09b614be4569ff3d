package master

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/ecat-master/internal/domain"
	"github.com/nexus-edge/ecat-master/internal/ecat"
	"github.com/nexus-edge/ecat-master/internal/pdo"
	"github.com/nexus-edge/ecat-master/internal/registry"
	"github.com/nexus-edge/ecat-master/pkg/logging"
)

// CycleController computes the sleep between cyclic exchanges. With adaptive
// timing it smooths the measured period with an exponential moving average,
// clamps it to [min, max] and shortens or stretches the next period by the
// distance between the smoothed value and the target.
//
// Observe is called by the cyclic worker only. The getters and setters are
// safe from any goroutine.
type CycleController struct {
	min   time.Duration
	max   time.Duration
	alpha float64

	target   atomic.Int64
	adaptive atomic.Bool
	current  atomic.Int64
	last     atomic.Int64

	smoothed float64
	primed   bool
}

// NewCycleController creates a controller from the cycle settings.
func NewCycleController(s domain.CycleSettings) *CycleController {
	c := &CycleController{
		min:   s.MinCycleTime,
		max:   s.MaxCycleTime,
		alpha: s.SmoothingFactor,
	}
	if c.min <= 0 {
		c.min = s.CycleTime
	}
	if c.max < c.min {
		c.max = c.min
	}
	if c.alpha <= 0 || c.alpha > 1 {
		c.alpha = 0.2
	}
	c.target.Store(int64(s.CycleTime))
	c.current.Store(int64(s.CycleTime))
	c.adaptive.Store(s.Adaptive)
	return c
}

// Observe records one cycle. period is the time since the previous cycle
// started, work the time the exchange itself took. It returns how long to
// sleep before the next cycle.
func (c *CycleController) Observe(period, work time.Duration) time.Duration {
	c.last.Store(int64(work))
	target := time.Duration(c.target.Load())

	if !c.adaptive.Load() {
		c.primed = false
		c.current.Store(int64(target))
		return nonNegative(target - work)
	}

	if !c.primed {
		c.smoothed = float64(period)
		c.primed = true
	} else {
		c.smoothed = c.alpha*float64(period) + (1-c.alpha)*c.smoothed
	}
	current := c.clamp(time.Duration(c.smoothed))
	c.current.Store(int64(current))

	next := c.clamp(target + (target - current))
	return nonNegative(next - work)
}

// SetTarget changes the target cycle time. It must lie within [min, max].
func (c *CycleController) SetTarget(d time.Duration) error {
	if d < c.min || d > c.max {
		return fmt.Errorf("%w: cycle time %v outside [%v, %v]", domain.ErrInvalidParameter, d, c.min, c.max)
	}
	c.target.Store(int64(d))
	return nil
}

// Target returns the target cycle time.
func (c *CycleController) Target() time.Duration { return time.Duration(c.target.Load()) }

// SetAdaptive turns adaptive timing on or off.
func (c *CycleController) SetAdaptive(enable bool) { c.adaptive.Store(enable) }

// Adaptive reports whether adaptive timing is on.
func (c *CycleController) Adaptive() bool { return c.adaptive.Load() }

// Current returns the smoothed cycle time, or the target when adaptive timing
// is off.
func (c *CycleController) Current() time.Duration { return time.Duration(c.current.Load()) }

// LastDuration returns the duration of the last exchange.
func (c *CycleController) LastDuration() time.Duration { return time.Duration(c.last.Load()) }

func (c *CycleController) clamp(d time.Duration) time.Duration {
	if d < c.min {
		return c.min
	}
	if d > c.max {
		return c.max
	}
	return d
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

// outputBinding copies a %Q register into an output PDO entry.
type outputBinding struct {
	station uint16
	pdo     uint16
	index   uint16
	sub     uint8
	addr    registry.Address
}

type entryKey struct {
	index uint16
	sub   uint8
}

// inputBinding copies the decoded entries of one input PDO into %I registers.
type inputBinding struct {
	station uint16
	pdo     uint16
	links   map[entryKey]registry.Address
}

// cyclePlan is the immutable description of one exchange. A new plan is
// built and swapped in whenever the set of operational devices changes, so
// the cyclic worker never waits on configuration.
type cyclePlan struct {
	size        int
	expectedWKC uint16
	readRegions []pdo.Region
	outputs     []outputBinding
	inputs      []inputBinding
	stations    []uint16
}

// buildPlan derives the exchange plan from the FMMU layout of the given
// operational devices.
func (m *Master) buildPlan(stations []uint16) *cyclePlan {
	p := &cyclePlan{stations: stations}

	for _, st := range stations {
		for _, f := range m.fmmu.Mappings(st) {
			if end := int(f.LogicalStart) + int(f.Length); end > p.size {
				p.size = end
			}
			if f.Type == domain.FMMURead || f.Type == domain.FMMUReadWrite {
				p.readRegions = append(p.readRegions, pdo.Region{Offset: f.LogicalStart, Length: uint32(f.Length)})
			}
		}
	}
	if p.size > m.image.Size() {
		p.size = m.image.Size()
	}

	for _, chunk := range ecat.LogicalChunks(p.size) {
		lo, hi := uint64(chunk[0]), uint64(chunk[1])
		for _, st := range stations {
			var read, write bool
			for _, f := range m.fmmu.Mappings(st) {
				fLo := uint64(f.LogicalStart)
				fHi := fLo + uint64(f.Length)
				if fLo >= hi || fHi <= lo {
					continue
				}
				switch f.Type {
				case domain.FMMURead:
					read = true
				case domain.FMMUWrite:
					write = true
				case domain.FMMUReadWrite:
					read, write = true, true
				}
			}
			if read {
				p.expectedWKC++
			}
			if write {
				p.expectedWKC += 2
			}
		}
	}

	if m.registers != nil {
		p.outputs, p.inputs = m.bindings(stations)
	}
	return p
}

// bindings resolves the network variables of the operational devices into
// register bindings. Unparseable links are logged and skipped.
func (m *Master) bindings(stations []uint16) ([]outputBinding, []inputBinding) {
	var outs []outputBinding
	var ins []inputBinding

	for _, st := range stations {
		for _, p := range m.pdo.CachedRxPDOs(st) {
			for _, e := range p.Entries {
				link := m.opts.Variables.Lookup(st, true, p.Index, e.Index, e.SubIndex)
				addr, ok := m.parseLink(st, link)
				if !ok {
					continue
				}
				outs = append(outs, outputBinding{station: st, pdo: p.Index, index: e.Index, sub: e.SubIndex, addr: addr})
			}
		}
		for _, p := range m.pdo.CachedTxPDOs(st) {
			b := inputBinding{station: st, pdo: p.Index, links: make(map[entryKey]registry.Address)}
			for _, e := range p.Entries {
				link := m.opts.Variables.Lookup(st, false, p.Index, e.Index, e.SubIndex)
				if addr, ok := m.parseLink(st, link); ok {
					b.links[entryKey{e.Index, e.SubIndex}] = addr
				}
			}
			if len(b.links) > 0 {
				ins = append(ins, b)
			}
		}
	}
	return outs, ins
}

func (m *Master) parseLink(station uint16, link string) (registry.Address, bool) {
	if link == "" {
		return 0, false
	}
	addr, err := registry.ParseAddress(link)
	if err != nil {
		m.logger.Warn().Err(err).Uint16("station", station).Str("link", link).Msg("Ignoring network variable")
		return 0, false
	}
	return addr, true
}

// runCycle performs one exchange: bound outputs into the image, one logical
// read-write over the mapped area, inputs back into the image and into the
// bound registers.
func (m *Master) runCycle(ctx context.Context) domain.CycleResult {
	start := time.Now()
	plan := m.plan.Load()
	if plan == nil {
		return domain.CycleResult{Success: true}
	}

	for _, b := range plan.outputs {
		v, err := m.registers.Read(b.addr)
		if err != nil {
			continue
		}
		if err := m.pdo.WritePDO(b.station, b.pdo, b.index, b.sub, v); err != nil {
			m.logger.Debug().Err(err).Str("register", b.addr.String()).Msg("Output binding failed")
		}
	}

	m.image.Snapshot(m.frameBuf)
	wkc, err := m.bus.LRW(ctx, 0, m.frameBuf[:plan.size])

	res := domain.CycleResult{WorkingCnt: wkc, ExpectedWKC: plan.expectedWKC}
	switch {
	case err == nil:
		res.Success = wkc == plan.expectedWKC
		m.image.Merge(m.frameBuf, plan.readRegions)
	case errors.Is(err, domain.ErrFrameLost), errors.Is(err, domain.ErrLinkClosed):
		res.FrameLost = true
	default:
		res.FrameError = true
	}

	if res.Success {
		for _, b := range plan.inputs {
			links := b.links
			_ = m.pdo.ProcessTxPDOData(b.station, b.pdo, m.frameBuf, func(e *domain.PDOEntry, v domain.Value) {
				if addr, ok := links[entryKey{e.Index, e.SubIndex}]; ok {
					_ = m.registers.Write(addr, v)
				}
			})
		}
	}

	res.Duration = time.Since(start)
	m.mon.UpdateStatistics(res)

	if !res.Success && ctx.Err() == nil {
		m.reportCycleFailure(res, err)
	}
	return res
}

func (m *Master) reportCycleFailure(res domain.CycleResult, err error) {
	logger := logging.WithCycleContext(m.logger, m.mon.Statistics().TotalCycles, res.WorkingCnt, res.ExpectedWKC)
	logger.Debug().
		Err(err).
		Bool("frame_lost", res.FrameLost).
		Msg("Cycle failed")
	if err != nil {
		m.mon.ReportError(0, domain.CodeOf(err), err.Error())
		return
	}
	m.mon.ReportError(0, domain.CodeWorkingCounterError,
		fmt.Sprintf("working counter %d, expected %d", res.WorkingCnt, res.ExpectedWKC))
}

// cycleLoop is the cyclic worker body.
func (m *Master) cycleLoop(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	var lastStart time.Time
	for {
		started := time.Now()
		res := m.runCycle(ctx)

		period := res.Duration
		if !lastStart.IsZero() {
			period = started.Sub(lastStart)
		}
		lastStart = started

		sleep := m.timing.Observe(period, res.Duration)
		if m.metrics != nil {
			m.metrics.SetCycleTime(m.timing.Current().Seconds())
		}

		timer.Reset(sleep)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}
