//go:build fuzz
// +build fuzz

// Package conversion provides fuzz tests for process image field coding.
package conversion

import (
	"bytes"
	"testing"

	"github.com/nexus-edge/ecat-master/internal/domain"
	"github.com/nexus-edge/ecat-master/internal/pdo"
)

var integerTypes = []domain.DataType{
	domain.DataTypeBool,
	domain.DataTypeInt8, domain.DataTypeInt16, domain.DataTypeInt32, domain.DataTypeInt64,
	domain.DataTypeUInt8, domain.DataTypeUInt16, domain.DataTypeUInt32, domain.DataTypeUInt64,
}

// FuzzRawDataRoundtrip checks that packing a decoded field back into the
// image leaves the image unchanged.
func FuzzRawDataRoundtrip(f *testing.F) {
	f.Add([]byte{0xff, 0x7f, 0x00, 0x80}, uint32(0), uint8(16), uint8(2))
	f.Add([]byte{0x05}, uint32(2), uint8(1), uint8(0))
	f.Add([]byte{0xab, 0xcd, 0xef}, uint32(3), uint8(12), uint8(6))
	f.Add(make([]byte, 8), uint32(0), uint8(64), uint8(4))

	f.Fuzz(func(t *testing.T, buf []byte, bitPos uint32, bitLen uint8, typeIdx uint8) {
		typ := integerTypes[int(typeIdx)%len(integerTypes)]
		v, err := pdo.ParseRawData(buf, bitPos, bitLen, typ)
		if err != nil {
			return
		}

		out := append([]byte(nil), buf...)
		if err := pdo.PackRawData(out, bitPos, bitLen, typ, v); err != nil {
			t.Fatalf("PackRawData(%v) error = %v", v, err)
		}
		if !bytes.Equal(out, buf) {
			t.Errorf("PackRawData(ParseRawData()) = %x, want %x", out, buf)
		}
	})
}
