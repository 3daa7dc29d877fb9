package device

import (
	"context"
	"time"
)

// Device is one monitored endpoint. Owned by the device inventory; the engine
// only reads it.
type Device struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Address   string      `json:"address"`
	Enabled   bool        `json:"enabled"`
	Tags      []string    `json:"tags,omitempty"`
	SNMP      *SNMPConfig `json:"snmp,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// SNMPConfig references the protocol credentials of a device
type SNMPConfig struct {
	Community string   `json:"community"`
	Version   string   `json:"version"` // 1 or 2c
	Port      int      `json:"port,omitempty"`
	OIDs      []string `json:"oids,omitempty"`
}

// SNMP versions
const (
	SNMPVersion1  = "1"
	SNMPVersion2c = "2c"
)

// HasSNMP reports whether the device is polled on the protocol lane
func (d Device) HasSNMP() bool {
	return d.SNMP != nil && d.SNMP.Community != ""
}

// HasTag reports whether the device carries tag
func (d Device) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Repository is the read side of the device inventory
type Repository interface {
	// ListEnabled returns every enabled device
	ListEnabled(ctx context.Context) ([]Device, error)

	// GetMany resolves devices by id. Unknown ids are skipped.
	GetMany(ctx context.Context, ids []string) ([]Device, error)

	// Get retrieves one device
	Get(ctx context.Context, id string) (*Device, error)

	// Upsert creates or replaces a device. Used by seeding and tests.
	Upsert(ctx context.Context, d *Device) error
}
