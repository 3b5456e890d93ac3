// Package registry owns device identity, credentials and connection
// metadata. All cross-component access to device records goes through it.
package registry

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"dev.hon.one/tantalum/common"
	"dev.hon.one/tantalum/dialects"
	"dev.hon.one/tantalum/util"
)

// Filter - Device list filter.
type Filter struct {
	IncludeRemoved bool
	Dialect        string
	Enabled        *bool
}

// Registry - Device registry. Safe for concurrent use; readers observe
// either the pre- or post-write state of a record, never a partial one.
type Registry struct {
	mutex       sync.RWMutex
	path        string
	devices     map[string]common.Device
	credentials map[string]common.Credential
}

// New - Create a registry persisted at the given path, loading existing
// devices if the file exists. Credentials are loaded separately and are
// read-only at runtime.
func New(path string, credentials map[string]common.Credential) (*Registry, error) {
	registry := &Registry{
		path:        path,
		devices:     make(map[string]common.Device),
		credentials: credentials,
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			var devices []common.Device
			if err := util.ParseJSONFile(&devices, path); err != nil {
				return nil, &common.StorageError{Op: "load devices", Err: err}
			}
			for _, device := range devices {
				registry.devices[device.ID] = device
			}
			log.WithFields(log.Fields{
				"device_count": len(devices),
				"devices_path": path,
			}).Info("Loaded devices")
		}
	}
	return registry, nil
}

// LoadCredentials - Load credentials from a JSON file, keyed by credential ID.
func LoadCredentials(path string) (map[string]common.Credential, error) {
	credentials := make(map[string]common.Credential)
	if path == "" {
		return credentials, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return credentials, nil
	}
	if err := util.ParseJSONFile(&credentials, path); err != nil {
		return nil, err
	}
	for credentialID, credential := range credentials {
		if credentialID == "" || (credential.Username == "" && credential.Community == "") {
			return nil, &common.ValidationError{Field: "credential " + credentialID, Reason: "missing fields"}
		}
	}
	log.WithFields(log.Fields{
		"credential_count": len(credentials),
	}).Info("Loaded credentials")
	return credentials, nil
}

// Add - Add a new device and return its assigned ID.
func (registry *Registry) Add(device common.Device) (string, error) {
	if err := registry.validate(device); err != nil {
		return "", err
	}

	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	for _, existing := range registry.devices {
		if !existing.Removed && existing.Address == device.Address {
			return "", &common.ValidationError{Field: "address", Reason: "duplicate device address"}
		}
	}

	device.ID = uuid.NewString()
	device.Removed = false
	if device.Status == "" {
		device.Status = common.DeviceStatusUnknown
	}
	registry.devices[device.ID] = device
	if err := registry.save(); err != nil {
		delete(registry.devices, device.ID)
		return "", err
	}

	log.WithFields(log.Fields{
		"device":    device.Address,
		"device_id": device.ID,
	}).Info("Added device")
	return device.ID, nil
}

// Update - Apply a partial update to a device. The ID is immutable.
func (registry *Registry) Update(id string, update common.DeviceUpdate) error {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	device, found := registry.devices[id]
	if !found || device.Removed {
		return common.ErrNotFound
	}

	previous := device
	if update.Name != nil {
		device.Name = *update.Name
	}
	if update.Address != nil {
		device.Address = *update.Address
	}
	if update.Port != nil {
		device.Port = *update.Port
	}
	if update.Dialect != nil {
		device.Dialect = *update.Dialect
	}
	if update.CredentialID != nil {
		device.CredentialID = *update.CredentialID
	}
	if update.CommunityID != nil {
		device.CommunityID = *update.CommunityID
	}
	if update.Enabled != nil {
		device.Enabled = *update.Enabled
	}
	if err := registry.validate(device); err != nil {
		return err
	}

	registry.devices[id] = device
	if err := registry.save(); err != nil {
		registry.devices[id] = previous
		return err
	}
	return nil
}

// Remove - Soft-delete a device. Config versions and event records for the
// device are retained; only the registry listing stops showing it.
func (registry *Registry) Remove(id string) error {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	device, found := registry.devices[id]
	if !found || device.Removed {
		return common.ErrNotFound
	}
	previous := device
	device.Removed = true
	device.Enabled = false
	registry.devices[id] = device
	if err := registry.save(); err != nil {
		registry.devices[id] = previous
		return err
	}

	log.WithFields(log.Fields{
		"device":    device.Address,
		"device_id": id,
	}).Info("Removed device")
	return nil
}

// Get - Get a device by ID. Soft-deleted devices are still returned, with
// the Removed flag set, so history lookups keep working.
func (registry *Registry) Get(id string) (common.Device, error) {
	registry.mutex.RLock()
	defer registry.mutex.RUnlock()

	device, found := registry.devices[id]
	if !found {
		return common.Device{}, common.ErrNotFound
	}
	return device, nil
}

// List - List devices matching the filter, ordered by name then address.
func (registry *Registry) List(filter Filter) []common.Device {
	registry.mutex.RLock()
	defer registry.mutex.RUnlock()

	devices := make([]common.Device, 0, len(registry.devices))
	for _, device := range registry.devices {
		if device.Removed && !filter.IncludeRemoved {
			continue
		}
		if filter.Dialect != "" && device.Dialect != filter.Dialect {
			continue
		}
		if filter.Enabled != nil && device.Enabled != *filter.Enabled {
			continue
		}
		devices = append(devices, device)
	}
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].Name != devices[j].Name {
			return devices[i].Name < devices[j].Name
		}
		return devices[i].Address < devices[j].Address
	})
	return devices
}

// Credential - Look up a credential by ID.
func (registry *Registry) Credential(id string) (common.Credential, bool) {
	credential, found := registry.credentials[id]
	return credential, found
}

// SetStatus - Update the reachability status shown for a device.
// Best-effort bookkeeping driven by job outcomes.
func (registry *Registry) SetStatus(id string, status string) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	device, found := registry.devices[id]
	if !found {
		return
	}
	device.Status = status
	registry.devices[id] = device
	if err := registry.save(); err != nil {
		log.WithError(err).Warn("Failed to persist device status")
	}
}

// SetLastBackup - Record the time of the last successful backup.
func (registry *Registry) SetLastBackup(id string, at time.Time) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	device, found := registry.devices[id]
	if !found {
		return
	}
	device.LastBackup = at
	registry.devices[id] = device
	if err := registry.save(); err != nil {
		log.WithError(err).Warn("Failed to persist device last backup time")
	}
}

func (registry *Registry) validate(device common.Device) error {
	if device.Address == "" {
		return &common.ValidationError{Field: "address", Reason: "missing"}
	}
	if device.CredentialID == "" {
		return &common.ValidationError{Field: "credential_id", Reason: "missing"}
	}
	if _, found := registry.credentials[device.CredentialID]; !found {
		return &common.ValidationError{Field: "credential_id", Reason: fmt.Sprintf("unknown credential %q", device.CredentialID)}
	}
	if device.CommunityID != "" {
		if _, found := registry.credentials[device.CommunityID]; !found {
			return &common.ValidationError{Field: "community_id", Reason: fmt.Sprintf("unknown credential %q", device.CommunityID)}
		}
	}
	if _, found := dialects.Lookup(device.Dialect); !found {
		return &common.ValidationError{Field: "dialect", Reason: fmt.Sprintf("unknown dialect %q, known: %v", device.Dialect, dialects.Tags())}
	}
	return nil
}

// Callers must hold the write lock.
func (registry *Registry) save() error {
	if registry.path == "" {
		return nil
	}
	devices := make([]common.Device, 0, len(registry.devices))
	for _, device := range registry.devices {
		devices = append(devices, device)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	if err := util.WriteJSONFile(devices, registry.path); err != nil {
		return &common.StorageError{Op: "save devices", Err: err}
	}
	return nil
}
