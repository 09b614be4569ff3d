package main

import (
	"context"

	"github.com/nexus-edge/ecat-master/internal/domain"
	"github.com/nexus-edge/ecat-master/internal/ecat"
	"github.com/nexus-edge/ecat-master/internal/ecat/sim"
	"github.com/nexus-edge/ecat-master/internal/ecat/udp"
	"github.com/rs/zerolog"
)

// simulatedRing builds an in-memory ring matching the ring description. Every
// object an init command or PDO entry refers to exists on the simulated
// device.
func simulatedRing(slaves []domain.SlaveConfig) *sim.Ring {
	devices := make([]*sim.Device, len(slaves))
	for i := range slaves {
		cfg := &slaves[i]
		d := sim.NewDevice(cfg.Info, cfg.DC.Enabled)
		for _, cmd := range cfg.InitCommands {
			d.SetObject(cmd.Index, cmd.SubIndex, make([]byte, len(cmd.Data)))
		}
		for _, pdos := range [][]domain.PDO{cfg.RxPDOs, cfg.TxPDOs} {
			for _, p := range pdos {
				for _, e := range p.Entries {
					if e.Index == 0 {
						continue // padding
					}
					d.SetObject(e.Index, e.SubIndex, make([]byte, (int(e.BitLength)+7)/8))
				}
			}
		}
		devices[i] = d
	}
	return sim.NewRing(devices...)
}

// dialer returns the link opener for the configured link type.
func dialer(cfg domain.MasterConfig, slaves []domain.SlaveConfig, logger zerolog.Logger) func(ctx context.Context) (ecat.Link, error) {
	if cfg.Network.Link == "sim" {
		return func(ctx context.Context) (ecat.Link, error) {
			return simulatedRing(slaves), nil
		}
	}
	return func(ctx context.Context) (ecat.Link, error) {
		return udp.Open(udp.Config{
			Interface:  cfg.Network.Interface,
			RemoteAddr: cfg.Network.RemoteAddr,
		}, logger)
	}
}
