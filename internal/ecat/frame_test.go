package ecat_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/nexus-edge/ecat-master/internal/domain"
	"github.com/nexus-edge/ecat-master/internal/ecat"
)

func TestFrame_EncodeDecode(t *testing.T) {
	f := ecat.Frame{Datagrams: []*ecat.Datagram{
		ecat.NewDatagram(ecat.APRD, 0xFFFF, ecat.RegALStatus, make([]byte, 2)),
		ecat.NewDatagram(ecat.FPWR, 1001, ecat.RegALControl, []byte{0x02, 0x00}),
		ecat.NewLogicalDatagram(ecat.LRW, 0x100, []byte{1, 2, 3, 4}),
	}}
	f.Datagrams[2].WorkingCounter = 3

	b, err := f.Encode(nil)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if len(b) != ecat.FrameHeaderLen+f.Len() {
		t.Errorf("len(Encode()) = %d, want %d", len(b), ecat.FrameHeaderLen+f.Len())
	}

	got, err := ecat.DecodeFrame(b)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if len(got.Datagrams) != 3 {
		t.Fatalf("DecodeFrame() returned %d datagrams, want 3", len(got.Datagrams))
	}
	for i, want := range f.Datagrams {
		have := got.Datagrams[i]
		if have.Command != want.Command || have.Addr != want.Addr || !bytes.Equal(have.Data, want.Data) {
			t.Errorf("datagram %d = %+v, want %+v", i, have, want)
		}
	}
	if got.Datagrams[2].WorkingCounter != 3 {
		t.Errorf("WorkingCounter = %d, want 3", got.Datagrams[2].WorkingCounter)
	}
	if got.Datagrams[0].SlaveAddr() != 0xFFFF || got.Datagrams[0].OffsetAddr() != ecat.RegALStatus {
		t.Errorf("physical address = %#x/%#x, want 0xffff/%#x", got.Datagrams[0].SlaveAddr(), got.Datagrams[0].OffsetAddr(), ecat.RegALStatus)
	}
}

func TestFrame_Errors(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"empty", nil},
		{"wrong type", []byte{0x0C, 0x20}},
		{"truncated body", []byte{0x20, 0x10, 0x01}},
		{"truncated datagram", []byte{0x04, 0x10, 0x01, 0x00, 0x00, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ecat.DecodeFrame(tt.frame); !errors.Is(err, domain.ErrFrameMalformed) {
				t.Errorf("DecodeFrame() error = %v, want %v", err, domain.ErrFrameMalformed)
			}
		})
	}

	var empty ecat.Frame
	if _, err := empty.Encode(nil); !errors.Is(err, domain.ErrFrameMalformed) {
		t.Errorf("Encode() of empty frame error = %v, want %v", err, domain.ErrFrameMalformed)
	}

	big := ecat.Frame{Datagrams: []*ecat.Datagram{
		ecat.NewLogicalDatagram(ecat.LRW, 0, make([]byte, ecat.MaxDatagramData)),
	}}
	if big.Fits(ecat.NewDatagram(ecat.NOP, 0, 0, make([]byte, 8))) {
		t.Error("Fits() = true for a full frame")
	}
}

func TestCheckWKC(t *testing.T) {
	d := ecat.NewDatagram(ecat.FPRD, 1, ecat.RegALStatus, make([]byte, 2))
	d.WorkingCounter = 0

	err := ecat.CheckWKC(d, 1)
	if !errors.Is(err, domain.ErrWorkingCounter) {
		t.Fatalf("CheckWKC() error = %v, want %v", err, domain.ErrWorkingCounter)
	}
	var wkcErr *ecat.WorkingCounterError
	if !errors.As(err, &wkcErr) || wkcErr.Want != 1 || wkcErr.Have != 0 {
		t.Errorf("CheckWKC() = %#v, want want=1 have=0", err)
	}

	d.WorkingCounter = 1
	if err := ecat.CheckWKC(d, 1); err != nil {
		t.Errorf("CheckWKC() error = %v, want nil", err)
	}
}

func TestLogicalChunks(t *testing.T) {
	tests := []struct {
		size int
		want [][2]int
	}{
		{0, nil},
		{10, [][2]int{{0, 10}}},
		{ecat.MaxDatagramData, [][2]int{{0, ecat.MaxDatagramData}}},
		{2048, [][2]int{{0, ecat.MaxDatagramData}, {ecat.MaxDatagramData, 2048}}},
	}
	for _, tt := range tests {
		got := ecat.LogicalChunks(tt.size)
		if len(got) != len(tt.want) {
			t.Errorf("LogicalChunks(%d) = %v, want %v", tt.size, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("LogicalChunks(%d)[%d] = %v, want %v", tt.size, i, got[i], tt.want[i])
			}
		}
	}
}

func TestMailbox_EncodeDecode(t *testing.T) {
	h := ecat.MailboxHeader{Address: 0x1001, Priority: 1, Type: ecat.MailboxCoE, Counter: 5}
	payload := append(ecat.EncodeCoEHeader(ecat.CoESDORequest), 0x40, 0x00, 0x10, 0x00)

	b, err := ecat.EncodeMailbox(h, payload, 128)
	if err != nil {
		t.Fatalf("EncodeMailbox() error = %v", err)
	}
	if len(b) != 128 {
		t.Errorf("len(EncodeMailbox()) = %d, want 128", len(b))
	}

	got, body, err := ecat.DecodeMailbox(b)
	if err != nil {
		t.Fatalf("DecodeMailbox() error = %v", err)
	}
	if got.Type != ecat.MailboxCoE || got.Counter != 5 || got.Address != 0x1001 || got.Priority != 1 {
		t.Errorf("DecodeMailbox() header = %+v, want %+v", got, h)
	}
	service, rest, err := ecat.DecodeCoEHeader(body)
	if err != nil || service != ecat.CoESDORequest || len(rest) != 4 {
		t.Errorf("DecodeCoEHeader() = %d, %v, %v", service, rest, err)
	}

	if _, err := ecat.EncodeMailbox(h, make([]byte, 200), 128); !errors.Is(err, domain.ErrMailbox) {
		t.Errorf("EncodeMailbox() oversize error = %v, want %v", err, domain.ErrMailbox)
	}
}

func TestEmergency_EncodeDecode(t *testing.T) {
	e := ecat.Emergency{Code: 0x8130, Register: 0x11, Data: [5]byte{1, 2, 3, 4, 5}}
	b := ecat.EncodeEmergency(e)

	service, body, err := ecat.DecodeCoEHeader(b)
	if err != nil || service != ecat.CoEEmergency {
		t.Fatalf("DecodeCoEHeader() = %d, %v", service, err)
	}
	got, err := ecat.DecodeEmergency(body)
	if err != nil {
		t.Fatalf("DecodeEmergency() error = %v", err)
	}
	if got != e {
		t.Errorf("DecodeEmergency() = %+v, want %+v", got, e)
	}
}
