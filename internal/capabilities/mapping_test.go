package capabilities

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frostdev-ops/shelly-fleet-go/internal/model"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testMappings(t *testing.T) *MappingTable {
	t.Helper()
	return LoadMappings(filepath.Join(t.TempDir(), "parameter_mappings.yaml"), testLogger())
}

func TestMappingCanonicalAliases(t *testing.T) {
	table := testMappings(t)

	assert.Equal(t, "eco_mode", table.Canonical("eco_mode_enabled"))
	assert.Equal(t, "mqtt.enable", table.Canonical("mqtt_enable"))
	assert.Equal(t, "led_power_disable", table.Canonical("led_power_disable"))

	assert.Equal(t, "eco_mode_enabled", table.LegacyFor("eco_mode"))
	assert.Equal(t, "max_power", table.LegacyFor("max_power"))
}

func TestMappingDescriptorGen1(t *testing.T) {
	table := testMappings(t)

	desc, ok := table.Descriptor("eco_mode", model.Gen1)
	require.True(t, ok)

	assert.Equal(t, TypeBoolean, desc.Type)
	assert.Equal(t, "settings", desc.API)
	assert.Equal(t, "eco_mode_enabled", desc.ParameterPath)
	assert.True(t, desc.RequiresRestart)
}

func TestMappingDescriptorGen2(t *testing.T) {
	table := testMappings(t)

	desc, ok := table.Descriptor("eco_mode", model.Gen2)
	require.True(t, ok)

	assert.Equal(t, "Sys.SetConfig", desc.API)
	assert.Equal(t, "device", desc.Component)
	assert.Equal(t, "eco_mode", desc.ParameterPath)
	assert.False(t, desc.RequiresRestart)

	// Legacy alias resolves to the same entry.
	aliased, ok := table.Descriptor("eco_mode_enabled", model.Gen3)
	require.True(t, ok)
	assert.Equal(t, desc.API, aliased.API)
}

func TestMappingGen1OnlyParameter(t *testing.T) {
	table := testMappings(t)

	_, ok := table.Descriptor("led_status_disable", model.Gen1)
	assert.True(t, ok)

	_, ok = table.Descriptor("led_status_disable", model.Gen2)
	assert.False(t, ok)

	assert.True(t, table.SupportsGeneration("led_status_disable", model.Gen1))
	assert.False(t, table.SupportsGeneration("led_status_disable", model.Gen4))
}

func TestMappingSeedsDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parameter_mappings.yaml")
	LoadMappings(path, testLogger())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "eco_mode_enabled")

	// A second load reads the seeded file rather than rewriting it.
	table := LoadMappings(path, testLogger())
	assert.Equal(t, "eco_mode", table.Canonical("eco_mode_enabled"))
}

func TestGetterFor(t *testing.T) {
	getter, ok := GetterFor("Sys.SetConfig")
	require.True(t, ok)
	assert.Equal(t, "Sys.GetConfig", getter)

	getter, ok = GetterFor("PLUGS_UI.SetConfig")
	require.True(t, ok)
	assert.Equal(t, "PLUGS_UI.GetConfig", getter)

	_, ok = GetterFor("Shelly.Reboot")
	assert.False(t, ok)
}

func TestComponentIndex(t *testing.T) {
	base, id, ok := ComponentIndex("switch:0")
	require.True(t, ok)
	assert.Equal(t, "switch", base)
	assert.Equal(t, 0, id)

	base, _, ok = ComponentIndex("device")
	assert.False(t, ok)
	assert.Equal(t, "device", base)
}
