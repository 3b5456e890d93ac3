package dialects

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	for _, tag := range []string{TagCiscoIOS, TagJunos, TagVyOS} {
		dialect, found := Lookup(tag)
		require.True(t, found)
		assert.Equal(t, tag, dialect.Tag())
		assert.NotEmpty(t, dialect.CaptureCommands())
	}

	_, found := Lookup("procurve")
	assert.False(t, found)
}

func TestCiscoSanitizeStripsNoise(t *testing.T) {
	dialect, _ := Lookup(TagCiscoIOS)
	raw := "Building configuration...\r\n" +
		"Current configuration : 1234 bytes\r\n" +
		"hostname sw-lab-1\r\n" +
		"interface GigabitEthernet0/1\r\n" +
		" switchport mode access\r\n" +
		"sw-lab-1#\r\n"
	sanitized := dialect.Sanitize(raw)

	assert.NotContains(t, sanitized, "\r")
	assert.NotContains(t, sanitized, "Building configuration")
	assert.NotContains(t, sanitized, "sw-lab-1#")
	assert.Contains(t, sanitized, "hostname sw-lab-1\n")
	assert.Contains(t, sanitized, " switchport mode access\n")
}

func TestSanitizeIsStableAcrossTransportArtifacts(t *testing.T) {
	dialect, _ := Lookup(TagJunos)
	clean := "set system host-name sw-lab-2\nset vlans mgmt vlan-id 10\n"
	noisy := "set system host-name sw-lab-2\r\nset vlans mgmt vlan-id 10   \r\nadmin@sw-lab-2> \r\n"

	assert.Equal(t, dialect.Sanitize(clean), dialect.Sanitize(noisy))
}
