package reg_test

import (
	"testing"

	"github.com/c35s/qspiflash/reg"
	"github.com/google/go-cmp/cmp"
)

func TestMem(t *testing.T) {
	m := reg.NewMem(0x20)

	m.Write32(0x04, 0xdeadbeef)
	if v := m.Read32(0x04); v != 0xdeadbeef {
		t.Errorf("read %#x != 0xdeadbeef", v)
	}

	if diff := cmp.Diff([]byte{0xef, 0xbe, 0xad, 0xde}, m.Bytes[4:8]); diff != "" {
		t.Errorf("byte order (-want +got):\n%s", diff)
	}

	t.Run("oob", func(t *testing.T) {
		m.Write32(0x20, 1)
		if v := m.Read32(0x1e); v != 0 {
			t.Errorf("read %#x != 0", v)
		}
	})
}

func TestReadModifyWrite(t *testing.T) {
	m := reg.NewMem(4)

	reg.Set(m, 0, 0x0f)
	reg.Clear(m, 0, 0x03)
	if v := m.Read32(0); v != 0x0c {
		t.Errorf("set/clear %#x != 0xc", v)
	}

	reg.Update(m, 0, 0xf0, 0xa5)
	if v := m.Read32(0); v != 0xac {
		t.Errorf("update %#x != 0xac", v)
	}
}
