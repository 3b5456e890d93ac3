package common

import (
	"time"
)

// Device statuses as shown to the presentation layer.
const (
	DeviceStatusUnknown = "unknown"
	DeviceStatusOnline  = "online"
	DeviceStatusOffline = "offline"
)

// Credential - Credential for a device. Referenced by ID, never embedded in
// device records.
type Credential struct {
	Username       string `json:"username"`
	Password       string `json:"password"`
	PrivateKeyPath string `json:"private_key_path"`
	Community      string `json:"community"` // SNMP community, read-only access
}

// Device - A managed switch.
type Device struct {
	ID           string    `json:"id"` // Immutable once assigned
	Name         string    `json:"name"`
	Address      string    `json:"address"`
	Port         uint      `json:"port"` // Optional, defaults to normal service port
	Dialect      string    `json:"dialect"`
	CredentialID string    `json:"credential_id"` // Shell credential reference
	CommunityID  string    `json:"community_id"`  // Management protocol credential reference
	Enabled      bool      `json:"enabled"`
	Removed      bool      `json:"removed"` // Soft-deleted, retained for history lineage
	Status       string    `json:"status"`
	LastBackup   time.Time `json:"last_backup"`
}

// DeviceUpdate - Partial update of a device. Nil fields are left unchanged.
type DeviceUpdate struct {
	Name         *string `json:"name"`
	Address      *string `json:"address"`
	Port         *uint   `json:"port"`
	Dialect      *string `json:"dialect"`
	CredentialID *string `json:"credential_id"`
	CommunityID  *string `json:"community_id"`
	Enabled      *bool   `json:"enabled"`
}
