package domain

import (
	"math"
	"time"
)

// ToggleCount holds evaluation counts for a single toggle.
type ToggleCount struct {
	Yes uint64 `json:"yes"`
	No  uint64 `json:"no"`
}

// Add returns the element-wise sum of two counts, saturating at
// math.MaxUint64 instead of wrapping.
func (c ToggleCount) Add(other ToggleCount) ToggleCount {
	return ToggleCount{Yes: saturatingAdd(c.Yes, other.Yes), No: saturatingAdd(c.No, other.No)}
}

func saturatingAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

// Bucket is the client-side window the counts were aggregated over.
type Bucket struct {
	Start time.Time `json:"start"`
	Stop  time.Time `json:"stop"`
}

// MetricsReport is one accepted toggle-evaluation report from a client instance.
type MetricsReport struct {
	ID         int64                  `json:"-"`
	AppName    string                 `json:"appName"`
	InstanceID string                 `json:"instanceId"`
	Bucket     Bucket                 `json:"bucket"`
	Toggles    map[string]ToggleCount `json:"toggles"`
	ReceivedAt time.Time              `json:"-"`
}

// RegistrationReport announces a client instance and the strategies it supports.
type RegistrationReport struct {
	AppName    string    `json:"appName"`
	InstanceID string    `json:"instanceId"`
	Strategies []string  `json:"strategies"`
	Started    time.Time `json:"started"`
	IntervalMS int64     `json:"interval"`
	SDKVersion string    `json:"sdkVersion,omitempty"`
	ReceivedAt time.Time `json:"-"`
}

// ClientInstance is the last known identity of a reporting client.
type ClientInstance struct {
	AppName    string    `json:"appName"`
	InstanceID string    `json:"instanceId"`
	ClientIP   string    `json:"clientIp"`
	LastSeen   time.Time `json:"lastSeen"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ApplicationLinks carries navigation links for an application.
type ApplicationLinks struct {
	AppDetails string `json:"appDetails"`
}

// Application is an entry in the application listing.
type Application struct {
	AppName string           `json:"appName"`
	Links   ApplicationLinks `json:"links"`
}

// ApplicationDetail joins everything known about one application.
type ApplicationDetail struct {
	AppName     string           `json:"appName"`
	Instances   []ClientInstance `json:"instances"`
	Strategies  []string         `json:"strategies"`
	SeenToggles []string         `json:"seenToggles"`
}

// AppSeenToggles lists the toggles an application has reported.
type AppSeenToggles struct {
	AppName     string   `json:"appName"`
	SeenToggles []string `json:"seenToggles"`
}
