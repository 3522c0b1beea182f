package broker

import (
	"errors"
	"testing"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"realtime.location.*", "realtime.location.VH-1", true},
		{"realtime.location.*", "realtime.location", false},
		{"realtime.location.*", "realtime.location.VH-1.extra", false},
		{"realtime.location.*", "realtime.battery.VH-1", false},
		{"realtime.#", "realtime.location.VH-1", true},
		{"realtime.#", "realtime", true},
		{"#", "control.kill.VH-9", true},
		{"dlq.realtime.*.*", "dlq.realtime.location.VH-1", true},
		{"dlq.realtime.*.*", "realtime.location.VH-1", false},
		{"control.start.VH-1", "control.start.VH-1", true},
		{"control.start.VH-1", "control.start.VH-2", false},
		{"*.*.VH-1", "report.maintenance.VH-1", true},
		{"#.VH-1", "report.maintenance.VH-1", true},
		{"#.#.VH-1", "report.maintenance.VH-1", true},
		{"realtime.#.VH-1", "realtime.VH-1", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"~"+tt.key, func(t *testing.T) {
			if got := Match(tt.pattern, tt.key); got != tt.want {
				t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.key, got, tt.want)
			}
		})
	}
}

func TestValidatePattern(t *testing.T) {
	valid := []string{"realtime.location.*", "#", "dlq.control.*.*", "control.start.VH-1"}
	for _, p := range valid {
		if err := ValidatePattern(p); err != nil {
			t.Errorf("ValidatePattern(%q) error = %v", p, err)
		}
	}

	invalid := []string{"", "realtime..location", "realtime.loc*", ".realtime", "real#time.x"}
	for _, p := range invalid {
		if err := ValidatePattern(p); !errors.Is(err, ErrInvalidPattern) {
			t.Errorf("ValidatePattern(%q) error = %v, want ErrInvalidPattern", p, err)
		}
	}
}

func TestDeliveryWithoutAcknowledger(t *testing.T) {
	var d Delivery
	if err := d.Ack(); !errors.Is(err, ErrNoAcknowledger) {
		t.Errorf("Ack() error = %v, want ErrNoAcknowledger", err)
	}
	if err := d.Nack(true); !errors.Is(err, ErrNoAcknowledger) {
		t.Errorf("Nack() error = %v, want ErrNoAcknowledger", err)
	}
}
