package stream

// Typed payloads, one per stream type. They are the usual way to publish;
// a map[string]any payload with the same fields validates identically.

// StartRental is the payload of control.start.
type StartRental struct {
	RentalID string `json:"rental_id"`
	IssuedBy string `json:"issued_by,omitempty"`
}

// EndRental is the payload of control.end.
type EndRental struct {
	RentalID string `json:"rental_id"`
	IssuedBy string `json:"issued_by,omitempty"`
}

// Kill is the payload of control.kill. It immobilises the vehicle.
type Kill struct {
	Reason   string `json:"reason"`
	IssuedBy string `json:"issued_by,omitempty"`
}

// Location is the payload of realtime.location.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Speed     float64 `json:"speed"`
	Heading   float64 `json:"heading"`
}

// Status is the payload of realtime.status.
type Status struct {
	IsLocked bool    `json:"is_locked"`
	IsActive bool    `json:"is_active"`
	Speed    float64 `json:"speed"`
	Heading  float64 `json:"heading"`
}

// Battery is the payload of realtime.battery.
type Battery struct {
	BatteryLevel float64 `json:"battery_level"`
	Voltage      float64 `json:"voltage"`
}

// MaintenanceReport is the payload of report.maintenance. Component fields
// are wear scores in the range 0-100, higher meaning healthier.
type MaintenanceReport struct {
	RentalID            string  `json:"rental_id"`
	TireFrontLeft       float64 `json:"tire_front_left"`
	TireFrontRight      float64 `json:"tire_front_right"`
	TireRearLeft        float64 `json:"tire_rear_left"`
	TireRearRight       float64 `json:"tire_rear_right"`
	BrakePads           float64 `json:"brake_pads"`
	ChainCVT            float64 `json:"chain_cvt"`
	EngineOil           float64 `json:"engine_oil"`
	Battery             float64 `json:"battery"`
	Lights              float64 `json:"lights"`
	SparkPlug           float64 `json:"spark_plug"`
	OverallScore        float64 `json:"overall_score"`
	MaintenanceRequired bool    `json:"maintenance_required"`
}

// PerformanceReport is the payload of report.performance, sent at the end of
// a rental.
type PerformanceReport struct {
	RentalID            string  `json:"rental_id"`
	DistanceTravelled   float64 `json:"distance_travelled"`
	AverageSpeed        float64 `json:"average_speed"`
	MaxSpeed            float64 `json:"max_speed"`
	FuelEfficiency      float64 `json:"fuel_efficiency"`
	TripDurationMinutes float64 `json:"trip_duration_minutes"`
}
