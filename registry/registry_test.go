package registry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.hon.one/tantalum/common"
	"dev.hon.one/tantalum/dialects"
)

func testCredentials() map[string]common.Credential {
	return map[string]common.Credential{
		"lab":  {Username: "admin", Password: "secret"},
		"snmp": {Community: "public"},
	}
}

func testDevice() common.Device {
	return common.Device{
		Name:         "sw-lab-1",
		Address:      "192.0.2.10",
		Dialect:      dialects.TagCiscoIOS,
		CredentialID: "lab",
		CommunityID:  "snmp",
		Enabled:      true,
	}
}

func TestAddAssignsIDAndValidates(t *testing.T) {
	reg, err := New("", testCredentials())
	require.NoError(t, err)

	id, err := reg.Add(testDevice())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	device, err := reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "sw-lab-1", device.Name)
	assert.Equal(t, common.DeviceStatusUnknown, device.Status)

	// Missing address
	bad := testDevice()
	bad.Address = ""
	_, err = reg.Add(bad)
	var validationErr *common.ValidationError
	require.ErrorAs(t, err, &validationErr)

	// Unknown credential
	bad = testDevice()
	bad.Address = "192.0.2.11"
	bad.CredentialID = "nope"
	_, err = reg.Add(bad)
	require.ErrorAs(t, err, &validationErr)

	// Unknown dialect
	bad = testDevice()
	bad.Address = "192.0.2.12"
	bad.Dialect = "procurve"
	_, err = reg.Add(bad)
	require.ErrorAs(t, err, &validationErr)

	// Duplicate address
	_, err = reg.Add(testDevice())
	require.ErrorAs(t, err, &validationErr)
}

func TestUpdateAppliesPartialFields(t *testing.T) {
	reg, err := New("", testCredentials())
	require.NoError(t, err)
	id, err := reg.Add(testDevice())
	require.NoError(t, err)

	newName := "sw-lab-renamed"
	disabled := false
	require.NoError(t, reg.Update(id, common.DeviceUpdate{Name: &newName, Enabled: &disabled}))

	device, err := reg.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "sw-lab-renamed", device.Name)
	assert.False(t, device.Enabled)
	assert.Equal(t, "192.0.2.10", device.Address) // Untouched

	assert.ErrorIs(t, reg.Update("unknown", common.DeviceUpdate{}), common.ErrNotFound)
}

func TestRemoveIsSoftDelete(t *testing.T) {
	reg, err := New("", testCredentials())
	require.NoError(t, err)
	id, err := reg.Add(testDevice())
	require.NoError(t, err)

	require.NoError(t, reg.Remove(id))
	assert.ErrorIs(t, reg.Remove(id), common.ErrNotFound)
	assert.ErrorIs(t, reg.Remove("unknown"), common.ErrNotFound)

	// Excluded from listing, still resolvable by ID
	assert.Empty(t, reg.List(Filter{}))
	assert.Len(t, reg.List(Filter{IncludeRemoved: true}), 1)
	device, err := reg.Get(id)
	require.NoError(t, err)
	assert.True(t, device.Removed)
	assert.False(t, device.Enabled)
}

func TestListFilters(t *testing.T) {
	reg, err := New("", testCredentials())
	require.NoError(t, err)

	first := testDevice()
	_, err = reg.Add(first)
	require.NoError(t, err)

	second := testDevice()
	second.Name = "sw-lab-2"
	second.Address = "192.0.2.11"
	second.Dialect = dialects.TagJunos
	second.Enabled = false
	_, err = reg.Add(second)
	require.NoError(t, err)

	assert.Len(t, reg.List(Filter{}), 2)
	assert.Len(t, reg.List(Filter{Dialect: dialects.TagJunos}), 1)
	enabled := true
	assert.Len(t, reg.List(Filter{Enabled: &enabled}), 1)

	// Ordered by name
	devices := reg.List(Filter{})
	assert.Equal(t, "sw-lab-1", devices[0].Name)
	assert.Equal(t, "sw-lab-2", devices[1].Name)
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.json")

	reg, err := New(path, testCredentials())
	require.NoError(t, err)
	id, err := reg.Add(testDevice())
	require.NoError(t, err)
	reg.SetStatus(id, common.DeviceStatusOnline)

	reloaded, err := New(path, testCredentials())
	require.NoError(t, err)
	device, err := reloaded.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "sw-lab-1", device.Name)
	assert.Equal(t, common.DeviceStatusOnline, device.Status)
}
