//go:build fuzz
// +build fuzz

// Package protocol provides fuzz tests for frame and mailbox decoding.
package protocol

import (
	"bytes"
	"testing"

	"github.com/nexus-edge/ecat-master/internal/ecat"
)

func seedFrame(f *testing.F, dgs ...*ecat.Datagram) {
	frame := &ecat.Frame{Datagrams: dgs}
	b, err := frame.Encode(nil)
	if err != nil {
		f.Fatalf("Encode() error = %v", err)
	}
	f.Add(b)
}

// FuzzDecodeFrame checks that decoding never panics and that every frame
// that decodes encodes back to the same datagrams.
func FuzzDecodeFrame(f *testing.F) {
	seedFrame(f, ecat.NewDatagram(ecat.BRD, 0, 0x0130, make([]byte, 2)))
	seedFrame(f,
		ecat.NewDatagram(ecat.FPRD, 0x1001, 0x0130, make([]byte, 2)),
		ecat.NewLogicalDatagram(ecat.LRW, 0x10000, []byte{1, 2, 3, 4}),
	)
	f.Add([]byte{})
	f.Add([]byte{0x0c, 0x10})
	f.Add([]byte{0xff, 0xff, 0xff, 0xff})

	f.Fuzz(func(t *testing.T, data []byte) {
		frame, err := ecat.DecodeFrame(data)
		if err != nil {
			return
		}
		if len(frame.Datagrams) == 0 {
			t.Fatal("decoded frame has no datagrams")
		}

		encoded, err := frame.Encode(nil)
		if err != nil {
			// Payloads above the datagram limit decode but are refused on encode.
			return
		}
		again, err := ecat.DecodeFrame(encoded)
		if err != nil {
			t.Fatalf("DecodeFrame(Encode()) error = %v", err)
		}
		if len(again.Datagrams) != len(frame.Datagrams) {
			t.Fatalf("datagrams = %d, want %d", len(again.Datagrams), len(frame.Datagrams))
		}
		for i, d := range frame.Datagrams {
			g := again.Datagrams[i]
			if g.Command != d.Command || g.Addr != d.Addr || g.WorkingCounter != d.WorkingCounter || !bytes.Equal(g.Data, d.Data) {
				t.Errorf("datagram %d = %+v, want %+v", i, g, d)
			}
		}
	})
}

// FuzzDecodeMailbox checks that the declared length never reaches past the
// buffer.
func FuzzDecodeMailbox(f *testing.F) {
	b, _ := ecat.EncodeMailbox(ecat.MailboxHeader{Type: ecat.MailboxCoE}, ecat.EncodeCoEHeader(ecat.CoESDORequest), 32)
	f.Add(b)
	f.Add([]byte{0xff, 0xff, 0, 0, 0, 0x03})
	f.Add([]byte{1})

	f.Fuzz(func(t *testing.T, data []byte) {
		h, payload, err := ecat.DecodeMailbox(data)
		if err != nil {
			return
		}
		if len(payload) != int(h.Length) {
			t.Errorf("payload = %d bytes, header declares %d", len(payload), h.Length)
		}
		if _, rest, err := ecat.DecodeCoEHeader(payload); err == nil && len(rest) != len(payload)-ecat.CoEHeaderLen {
			t.Errorf("CoE body = %d bytes, want %d", len(rest), len(payload)-ecat.CoEHeaderLen)
		}
	})
}
