package registry_test

import (
	"errors"
	"testing"

	"github.com/nexus-edge/ecat-master/internal/domain"
	"github.com/nexus-edge/ecat-master/internal/registry"
	"github.com/nexus-edge/ecat-master/testing/testutil"
	"github.com/rs/zerolog"
)

func mustParse(t *testing.T, s string) registry.Address {
	t.Helper()
	a, err := registry.ParseAddress(s)
	if err != nil {
		t.Fatalf("ParseAddress(%q) error = %v", s, err)
	}
	return a
}

func TestStore_ReadWrite(t *testing.T) {
	s := registry.NewStore(256, zerolog.Nop())

	tests := []struct {
		addr  string
		value domain.Value
		want  string
	}{
		{"%QX0.3", domain.BoolValue(true), "true"},
		{"%QB1", testutil.MustUint(t, domain.DataTypeUInt8, 200), "200"},
		{"%IW10", testutil.MustUint(t, domain.DataTypeUInt16, 0xBEEF), "48879"},
		{"%MD4", testutil.MustInt(t, domain.DataTypeInt32, 123456), "123456"},
		{"%ML2", testutil.MustUint(t, domain.DataTypeUInt64, 1<<40), "1099511627776"},
		{"%QF3", domain.Float32Value(1.5), "1.5"},
		{"%IE1", domain.Float64Value(-2.25), "-2.25"},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			a := mustParse(t, tt.addr)
			if err := s.Write(a, tt.value); err != nil {
				t.Fatalf("Write() error = %v", err)
			}
			got, err := s.Read(a)
			if err != nil {
				t.Fatalf("Read() error = %v", err)
			}
			if got.String() != tt.want {
				t.Errorf("Read() = %s, want %s", got, tt.want)
			}
			if got.Type() != a.DataType() {
				t.Errorf("Read() type = %s, want %s", got.Type(), a.DataType())
			}
		})
	}
}

func TestStore_BitsShareByte(t *testing.T) {
	s := registry.NewStore(16, zerolog.Nop())
	b0, b7 := mustParse(t, "%QX2.0"), mustParse(t, "%QX2.7")
	byteAddr := mustParse(t, "%QB2")

	testutil.RequireNoError(t, s.Write(b0, domain.BoolValue(true)))
	testutil.RequireNoError(t, s.Write(b7, domain.BoolValue(true)))

	v, err := s.Read(byteAddr)
	testutil.RequireNoError(t, err)
	if u, _ := v.Uint64(); u != 0x81 {
		t.Errorf("byte = %#x, want 0x81", u)
	}

	testutil.RequireNoError(t, s.Write(b0, domain.BoolValue(false)))
	v, _ = s.Read(byteAddr)
	if u, _ := v.Uint64(); u != 0x80 {
		t.Errorf("byte after clear = %#x, want 0x80", u)
	}
}

func TestStore_Errors(t *testing.T) {
	s := registry.NewStore(8, zerolog.Nop())

	if _, err := s.Read(mustParse(t, "%IL1")); !errors.Is(err, domain.ErrInvalidAddress) {
		t.Errorf("Read(out of range) error = %v, want ErrInvalidAddress", err)
	}
	err := s.Write(mustParse(t, "%QB0"), testutil.MustUint(t, domain.DataTypeUInt16, 300))
	if !errors.Is(err, domain.ErrDataTypeMismatch) {
		t.Errorf("Write(overflow) error = %v, want ErrDataTypeMismatch", err)
	}
	if _, err := s.Subscribe(nil, nil); !errors.Is(err, domain.ErrInvalidParameter) {
		t.Errorf("Subscribe(nil handler) error = %v, want ErrInvalidParameter", err)
	}
	if err := s.Unsubscribe("missing"); !errors.Is(err, domain.ErrInvalidParameter) {
		t.Errorf("Unsubscribe(missing) error = %v, want ErrInvalidParameter", err)
	}
}

func TestStore_Bulk(t *testing.T) {
	s := registry.NewStore(64, zerolog.Nop())
	w1, w2, bad := mustParse(t, "%IW0"), mustParse(t, "%IW1"), mustParse(t, "%IL100")

	err := s.WriteBulk([]registry.Item{
		{Address: w1, Value: testutil.MustUint(t, domain.DataTypeUInt16, 1)},
		{Address: bad, Value: testutil.MustUint(t, domain.DataTypeUInt64, 1)},
		{Address: w2, Value: testutil.MustUint(t, domain.DataTypeUInt16, 2)},
	})
	if !errors.Is(err, domain.ErrInvalidAddress) {
		t.Errorf("WriteBulk() error = %v, want ErrInvalidAddress", err)
	}

	items := s.ReadBulk([]registry.Address{w1, bad, w2})
	if len(items) != 3 {
		t.Fatalf("ReadBulk() returned %d items, want 3", len(items))
	}
	wantQ := []domain.Quality{domain.QualityGood, domain.QualityBad, domain.QualityGood}
	wantV := []string{"1", "", "2"}
	for i, it := range items {
		if it.Quality != wantQ[i] {
			t.Errorf("item %d quality = %s, want %s", i, it.Quality, wantQ[i])
		}
		if wantV[i] != "" && it.Value.String() != wantV[i] {
			t.Errorf("item %d value = %s, want %s", i, it.Value, wantV[i])
		}
	}
}

func TestStore_Subscribe(t *testing.T) {
	s := registry.NewStore(64, zerolog.Nop())
	watched, other := mustParse(t, "%IW3"), mustParse(t, "%IW4")

	var got, all []domain.DataPoint
	id, err := s.Subscribe([]registry.Address{watched}, func(dp domain.DataPoint) { got = append(got, dp) })
	testutil.RequireNoError(t, err)
	allID, err := s.Subscribe(nil, func(dp domain.DataPoint) { all = append(all, dp) })
	testutil.RequireNoError(t, err)
	if s.Subscriptions() != 2 {
		t.Errorf("Subscriptions() = %d, want 2", s.Subscriptions())
	}

	v := testutil.MustUint(t, domain.DataTypeUInt16, 42)
	testutil.RequireNoError(t, s.Write(watched, v))
	testutil.RequireNoError(t, s.Write(watched, v)) // unchanged, no notification
	testutil.RequireNoError(t, s.Write(other, v))

	if len(got) != 1 || got[0].Address != "%IW3" || got[0].Value.String() != "42" {
		t.Errorf("watched notifications = %+v, want one %%IW3=42", got)
	}
	if len(all) != 2 {
		t.Errorf("wildcard notifications = %d, want 2", len(all))
	}

	testutil.RequireNoError(t, s.Unsubscribe(id))
	testutil.RequireNoError(t, s.Unsubscribe(allID))
	testutil.RequireNoError(t, s.Write(watched, testutil.MustUint(t, domain.DataTypeUInt16, 7)))
	if len(got) != 1 {
		t.Errorf("notifications after Unsubscribe = %d, want 1", len(got))
	}
}
