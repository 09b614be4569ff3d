package domain

import (
	"sync"
	"time"
)

// dataPointPool recycles DataPoints on the publish path.
var dataPointPool = sync.Pool{
	New: func() interface{} {
		return &DataPoint{}
	},
}

// Quality represents the reliability of a register value.
type Quality string

const (
	QualityGood         Quality = "good"
	QualityBad          Quality = "bad"
	QualityUncertain    Quality = "uncertain"
	QualityNotConnected Quality = "not_connected"
)

// DataPoint is one register value change as seen by consumers.
type DataPoint struct {
	Address   string    `json:"address"`
	Value     Value     `json:"-"`
	Quality   Quality   `json:"q"`
	Timestamp time.Time `json:"ts"`
}

// Payload is the compact wire form of a DataPoint.
type Payload struct {
	Value     interface{} `json:"v"`
	Type      DataType    `json:"t"`
	Quality   Quality     `json:"q"`
	Timestamp int64       `json:"ts"`
}

// ToPayload converts the DataPoint to its wire form.
func (dp *DataPoint) ToPayload() Payload {
	return Payload{
		Value:     dp.Value.Interface(),
		Type:      dp.Value.Type(),
		Quality:   dp.Quality,
		Timestamp: dp.Timestamp.UnixMilli(),
	}
}

// AcquireDataPoint gets a DataPoint from the pool.
func AcquireDataPoint(address string, value Value, quality Quality, ts time.Time) *DataPoint {
	dp := dataPointPool.Get().(*DataPoint)
	dp.Address = address
	dp.Value = value
	dp.Quality = quality
	dp.Timestamp = ts
	return dp
}

// ReleaseDataPoint returns a DataPoint to the pool.
func ReleaseDataPoint(dp *DataPoint) {
	if dp == nil {
		return
	}
	*dp = DataPoint{}
	dataPointPool.Put(dp)
}

// NetVar binds one object entry to a named register.
type NetVar struct {
	Index     uint16   `json:"index" yaml:"index"`
	SubIndex  uint8    `json:"subindex" yaml:"subindex"`
	BitLength uint8    `json:"bit_length" yaml:"bit_length"`
	Name      string   `json:"name" yaml:"name"`
	DataType  DataType `json:"data_type" yaml:"data_type"`
	Link      string   `json:"link" yaml:"link"`
}

// NetVarPDO lists the bound entries of one PDO.
type NetVarPDO struct {
	Index   uint16   `json:"index" yaml:"index"`
	Entries []NetVar `json:"entries" yaml:"entries"`
}

// NetVarSlave lists the bound PDOs of one device.
type NetVarSlave struct {
	Address uint16      `json:"address" yaml:"address"`
	RxPDOs  []NetVarPDO `json:"rx_pdos" yaml:"rx_pdos"`
	TxPDOs  []NetVarPDO `json:"tx_pdos" yaml:"tx_pdos"`
}

// NetworkVariablesConfig maps object addresses to register names.
type NetworkVariablesConfig struct {
	Version string        `json:"version" yaml:"version"`
	Slaves  []NetVarSlave `json:"slaves" yaml:"slaves"`
}

// Lookup returns the register link for an entry, or "" when unbound.
func (c *NetworkVariablesConfig) Lookup(station uint16, output bool, pdoIndex, index uint16, subIndex uint8) string {
	if c == nil {
		return ""
	}
	for _, s := range c.Slaves {
		if s.Address != station {
			continue
		}
		pdos := s.TxPDOs
		if output {
			pdos = s.RxPDOs
		}
		for _, p := range pdos {
			if p.Index != pdoIndex {
				continue
			}
			for _, v := range p.Entries {
				if v.Index == index && v.SubIndex == subIndex {
					return v.Link
				}
			}
		}
	}
	return ""
}
