package groups

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frostdev-ops/shelly-fleet-go/internal/model"
	operrors "github.com/frostdev-ops/shelly-fleet-go/pkg/errors"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	m, err := NewManager(dir, testLogger())
	require.NoError(t, err)
	return m, dir
}

func listFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestCreateAndGet(t *testing.T) {
	m, dir := testManager(t)

	created, err := m.Create(&model.Group{
		Name:      "kitchen",
		DeviceIDs: []string{"aa:bb:cc:dd:ee:01", "AABBCCDDEE02"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"AABBCCDDEE01", "AABBCCDDEE02"}, created.DeviceIDs)

	got, ok := m.Get("kitchen")
	require.True(t, ok)
	assert.Equal(t, created, got)
	assert.FileExists(t, filepath.Join(dir, "kitchen.yaml"))

	// Mutating the returned group must not leak into the store.
	got.DeviceIDs[0] = "FFFFFFFFFFFF"
	again, _ := m.Get("kitchen")
	assert.Equal(t, "AABBCCDDEE01", again.DeviceIDs[0])
}

func TestCreateSanitizesFileName(t *testing.T) {
	m, dir := testManager(t)

	_, err := m.Create(&model.Group{Name: "living room/floor 2"})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "living_room_floor_2.yaml"))
}

func TestCreateRejectsReservedName(t *testing.T) {
	m, _ := testManager(t)

	_, err := m.Create(&model.Group{Name: model.AllDevicesGroup})
	require.Error(t, err)
	assert.Equal(t, operrors.KindTypeMismatch, operrors.KindOf(err))
}

func TestCreateDuplicate(t *testing.T) {
	m, _ := testManager(t)

	_, err := m.Create(&model.Group{Name: "garage"})
	require.NoError(t, err)
	_, err = m.Create(&model.Group{Name: "garage"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestCreateFileCollision(t *testing.T) {
	m, _ := testManager(t)

	// "attic 1" and "attic/1" sanitize to the same filename.
	_, err := m.Create(&model.Group{Name: "attic 1"})
	require.NoError(t, err)
	_, err = m.Create(&model.Group{Name: "attic/1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "would share file")
}

func TestRenameLeavesOneFile(t *testing.T) {
	m, dir := testManager(t)

	_, err := m.Create(&model.Group{Name: "bedroom", DeviceIDs: []string{"AABBCCDDEE01"}})
	require.NoError(t, err)

	updated, err := m.Update("bedroom", func(g *model.Group) error {
		g.Name = "master-bedroom"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "master-bedroom", updated.Name)

	files := listFiles(t, dir)
	assert.Equal(t, []string{"master-bedroom.yaml"}, files)

	_, ok := m.Get("bedroom")
	assert.False(t, ok)
	renamed, ok := m.Get("master-bedroom")
	require.True(t, ok)
	assert.Equal(t, []string{"AABBCCDDEE01"}, renamed.DeviceIDs)
}

func TestUpdateUnknownGroup(t *testing.T) {
	m, _ := testManager(t)

	_, err := m.Update("nope", func(g *model.Group) error { return nil })
	require.Error(t, err)
	assert.Equal(t, operrors.KindUnknownDevice, operrors.KindOf(err))
}

func TestDeleteRemovesFile(t *testing.T) {
	m, dir := testManager(t)

	_, err := m.Create(&model.Group{Name: "hall"})
	require.NoError(t, err)
	require.NoError(t, m.Delete("hall"))

	_, ok := m.Get("hall")
	assert.False(t, ok)
	assert.NoFileExists(t, filepath.Join(dir, "hall.yaml"))
}

func TestAddRemoveDevice(t *testing.T) {
	m, _ := testManager(t)

	_, err := m.Create(&model.Group{Name: "porch"})
	require.NoError(t, err)

	group, err := m.AddDevice("porch", "aa-bb-cc-dd-ee-03")
	require.NoError(t, err)
	assert.Equal(t, []string{"AABBCCDDEE03"}, group.DeviceIDs)

	// Adding again is a no-op, not an error.
	group, err = m.AddDevice("porch", "AABBCCDDEE03")
	require.NoError(t, err)
	assert.Len(t, group.DeviceIDs, 1)

	group, err = m.RemoveDevice("porch", "AABBCCDDEE03")
	require.NoError(t, err)
	assert.Empty(t, group.DeviceIDs)

	_, err = m.RemoveDevice("porch", "AABBCCDDEE03")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a member")
}

func TestReloadRestoresGroups(t *testing.T) {
	m, dir := testManager(t)

	_, err := m.Create(&model.Group{Name: "kitchen", DeviceIDs: []string{"AABBCCDDEE01"}, Tags: []string{"ground"}})
	require.NoError(t, err)
	_, err = m.Create(&model.Group{Name: "attic", Description: "top floor"})
	require.NoError(t, err)

	reloaded, err := NewManager(dir, testLogger())
	require.NoError(t, err)
	assert.Equal(t, m.List(), reloaded.List())
}

func TestLoadSkipsReservedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "all-devices.yaml"),
		[]byte("name: all-devices\ndevice_ids: [AABBCCDDEE01]\n"), 0o644))

	m, err := NewManager(dir, testLogger())
	require.NoError(t, err)
	assert.Empty(t, m.List())
}

func TestStaleMembersRetained(t *testing.T) {
	m, dir := testManager(t)

	// Members the registry has never seen stay in the group.
	_, err := m.Create(&model.Group{Name: "cellar", DeviceIDs: []string{"DEADBEEF0001"}})
	require.NoError(t, err)

	reloaded, err := NewManager(dir, testLogger())
	require.NoError(t, err)
	group, ok := reloaded.Get("cellar")
	require.True(t, ok)
	assert.Equal(t, []string{"DEADBEEF0001"}, group.DeviceIDs)
}

func TestGroupsFor(t *testing.T) {
	m, _ := testManager(t)

	_, err := m.Create(&model.Group{Name: "kitchen", DeviceIDs: []string{"AABBCCDDEE01", "AABBCCDDEE02"}})
	require.NoError(t, err)
	_, err = m.Create(&model.Group{Name: "ground-floor", DeviceIDs: []string{"AABBCCDDEE01"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"ground-floor", "kitchen"}, m.GroupsFor("aa:bb:cc:dd:ee:01"))
	assert.Equal(t, []string{"kitchen"}, m.GroupsFor("AABBCCDDEE02"))
	assert.Empty(t, m.GroupsFor("AABBCCDDEE99"))
}
