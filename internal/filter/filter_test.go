package filter

import "testing"

func TestPercentage_Window(t *testing.T) {
	c := Percentage{Value: 20}

	strikes := []float64{750, 800, 900, 1000, 1100, 1200, 1250}
	var kept []float64
	for _, s := range strikes {
		if c.Keep(1000, s) {
			kept = append(kept, s)
		}
	}

	want := []float64{800, 900, 1000, 1100, 1200}
	if len(kept) != len(want) {
		t.Fatalf("expected %d strikes kept, got %d (%v)", len(want), len(kept), kept)
	}
	for i := range want {
		if kept[i] != want[i] {
			t.Errorf("kept[%d]: expected %v, got %v", i, want[i], kept[i])
		}
	}
}

func TestPercentage_ZeroSpotKeepsAll(t *testing.T) {
	c := Percentage{Value: 5}
	if !c.Keep(0, 99999) {
		t.Error("expected strike to be kept when spot is unknown")
	}
}

func TestBand(t *testing.T) {
	c := Band{Width: 100}
	cases := []struct {
		strike float64
		keep   bool
	}{
		{899, false},
		{900, true},
		{1000, true},
		{1100, true},
		{1101, false},
	}
	for _, tc := range cases {
		if got := c.Keep(1000, tc.strike); got != tc.keep {
			t.Errorf("Keep(1000, %v): expected %v, got %v", tc.strike, tc.keep, got)
		}
	}
}

func TestNew_Descriptors(t *testing.T) {
	cfg := Config{Name: "percentage"}
	cfg.Properties.Value = 12.5
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Name() != "percentage" {
		t.Errorf("expected name percentage, got %s", c.Name())
	}

	cfg.Name = "atm-window"
	if _, err := New(cfg); err == nil {
		t.Error("expected error for unknown criteria name")
	}

	cfg.Name = "band"
	cfg.Properties.Value = 0
	if _, err := New(cfg); err == nil {
		t.Error("expected error for non-positive band width")
	}
}
