package gpio

import "testing"

func TestMockDriver_ReadsBackLevels(t *testing.T) {
	drv, err := NewDriver(true)
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	m := drv.(*MockDriver)

	if lvl, _ := m.ReadPin(22); lvl != Low {
		t.Errorf("unset pin = %v, want Low", lvl)
	}
	_ = m.WritePin(23, High)
	if lvl, _ := m.ReadPin(23); lvl != High {
		t.Errorf("written pin = %v, want High", lvl)
	}
	m.SetInput(22, High)
	if lvl, _ := m.ReadPin(22); lvl != High {
		t.Errorf("injected input = %v, want High", lvl)
	}
	if err := m.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestMockDriver_PullUpReadsHigh(t *testing.T) {
	m := NewMockDriver()
	if err := m.SetupPin(24, InputPullUp); err != nil {
		t.Fatal(err)
	}
	if lvl, _ := m.ReadPin(24); lvl != High {
		t.Errorf("open switch with pull-up = %v, want High", lvl)
	}
}
