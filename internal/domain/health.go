package domain

import "time"

// HealthSummary is the aggregate connection-state count reported to an
// external heartbeat mechanism.
type HealthSummary struct {
	Configured int `json:"configured"`
	Starting   int `json:"starting"`
	Healthy    int `json:"healthy"`
	Restarting int `json:"restarting"`
	Failed     int `json:"failed"`
}

// NamespaceStatus is one row of the diagnostic status summary.
type NamespaceStatus struct {
	Namespace string    `json:"namespace"`
	State     ConnState `json:"state"`
	Tools     int       `json:"tools"`
	Attempts  int       `json:"attempts"`
	LastSeen  time.Time `json:"lastSeen,omitempty"`
}
