package ems

import "testing"

func TestModeString(t *testing.T) {
	cases := map[Mode]string{
		ModeNormal:      "Normal",
		ModePeakShaving: "PeakShaving",
		ModeEmergency:   "Emergency",
		ModeFault:       "Fault",
		Mode(99):        "Unknown",
	}
	for mode, want := range cases {
		if got := mode.String(); got != want {
			t.Errorf("Mode(%d).String(): got %q, want %q", mode, got, want)
		}
	}
}

func TestModeSuppressesCharging(t *testing.T) {
	if ModeNormal.suppressesCharging() {
		t.Errorf("ModeNormal should not suppress charging")
	}
	for _, m := range []Mode{ModePeakShaving, ModeEmergency, ModeFault} {
		if !m.suppressesCharging() {
			t.Errorf("%s should suppress charging", m)
		}
	}
}
