package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeMAC(t *testing.T) {
	cases := map[string]string{
		"e8:68:e7:ea:63:33": "E868E7EA6333",
		"E8-68-E7-EA-63-33": "E868E7EA6333",
		"e868e7ea6333":      "E868E7EA6333",
		" E868E7EA6333 ":    "E868E7EA6333",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeMAC(in))
	}
}

func TestDeviceFileName(t *testing.T) {
	d := &Device{ID: "E868E7EA6333", DeviceType: "SHPLG-S"}
	assert.Equal(t, "SHPLG-S_E868E7EA6333.yaml", d.FileName())

	d = &Device{ID: "AABBCCDDEEFF"}
	assert.Equal(t, "unknown_AABBCCDDEEFF.yaml", d.FileName())

	d = &Device{ID: "AABBCCDDEEFF", DeviceType: "Plus 1PM"}
	assert.Equal(t, "Plus_1PM_AABBCCDDEEFF.yaml", d.FileName())
}

func TestParseGeneration(t *testing.T) {
	assert.Equal(t, Gen1, ParseGeneration(1))
	assert.Equal(t, Gen3, ParseGeneration(3))
	assert.Equal(t, GenUnknown, ParseGeneration(0))
	assert.True(t, Gen2.IsRPC())
	assert.True(t, Gen4.IsRPC())
	assert.False(t, Gen1.IsRPC())
}

func TestDeviceClone(t *testing.T) {
	d := &Device{ID: "AABBCCDDEEFF", RawInfo: map[string]interface{}{"type": "SHSW-25"}}
	clone := d.Clone()
	clone.RawInfo["type"] = "changed"
	clone.IPAddress = "10.0.0.1"

	assert.Equal(t, "SHSW-25", d.RawInfo["type"])
	assert.Empty(t, d.IPAddress)
}

func TestGroupMembership(t *testing.T) {
	g := &Group{Name: "kitchen"}

	assert.True(t, g.AddDevice("AAA"))
	assert.True(t, g.AddDevice("BBB"))
	assert.False(t, g.AddDevice("AAA"), "duplicate add must be rejected")
	assert.Equal(t, []string{"AAA", "BBB"}, g.DeviceIDs)

	assert.True(t, g.RemoveDevice("AAA"))
	assert.False(t, g.RemoveDevice("AAA"))
	assert.Equal(t, []string{"BBB"}, g.DeviceIDs)
}

func TestGroupResultTally(t *testing.T) {
	gr := &GroupResult{Results: []OperationResult{
		{DeviceID: "A", Success: true},
		{DeviceID: "B", Success: false},
		{DeviceID: "C", Skipped: true},
		{DeviceID: "D", Success: true},
	}}
	gr.Tally()

	assert.Equal(t, 2, gr.SuccessCount)
	assert.Equal(t, 1, gr.FailureCount)
	assert.Equal(t, 1, gr.SkippedCount)
}
