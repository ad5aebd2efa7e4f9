package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/worksync/internal/wiremsg"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r, err := NewRegistry(newTestDB(t), time.Minute)
	require.NoError(t, err)

	require.NoError(t, r.Register("dev-b", wiremsg.DeviceRegister{
		DeviceName:   "Laptop",
		Platform:     "darwin",
		Version:      "1.2.0",
		Capabilities: []string{"config_sync", "presence"},
	}))

	d, err := r.Get("dev-b")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "Laptop", d.Name)
	assert.Equal(t, wiremsg.PresenceOnline, d.Status)
	assert.Equal(t, []string{"config_sync", "presence"}, d.CapabilityList())
}

func TestRegistryGetUnknown(t *testing.T) {
	r, err := NewRegistry(newTestDB(t), time.Minute)
	require.NoError(t, err)

	d, err := r.Get("nope")
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestRegistryTouchCreatesStub(t *testing.T) {
	r, err := NewRegistry(newTestDB(t), time.Minute)
	require.NoError(t, err)

	require.NoError(t, r.Touch("dev-c"))

	d, err := r.Get("dev-c")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, wiremsg.PresenceOnline, d.Status)
}

func TestRegistryPresenceUpdate(t *testing.T) {
	r, err := NewRegistry(newTestDB(t), time.Minute)
	require.NoError(t, err)

	require.NoError(t, r.SetPresence("dev-b", wiremsg.PresenceBusy, "ws-main"))

	d, err := r.Get("dev-b")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, wiremsg.PresenceBusy, d.Status)
	assert.Equal(t, "ws-main", d.WorkspaceID)
}

func TestRegistryStaleDevicesReportOffline(t *testing.T) {
	r, err := NewRegistry(newTestDB(t), 50*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, r.Touch("dev-d"))
	time.Sleep(80 * time.Millisecond)

	d, err := r.Get("dev-d")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, wiremsg.PresenceOffline, d.Status)

	online, err := r.Online()
	require.NoError(t, err)
	assert.Empty(t, online)
}

func TestRegistryUnregisterForgetsDevice(t *testing.T) {
	r, err := NewRegistry(newTestDB(t), time.Minute)
	require.NoError(t, err)

	require.NoError(t, r.Touch("dev-e"))
	require.NoError(t, r.Unregister("dev-e"))

	d, err := r.Get("dev-e")
	require.NoError(t, err)
	assert.Nil(t, d)

	all, err := r.List()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRegistryOfflinePresenceKeepsDevice(t *testing.T) {
	r, err := NewRegistry(newTestDB(t), time.Minute)
	require.NoError(t, err)

	require.NoError(t, r.Touch("dev-f"))
	require.NoError(t, r.SetPresence("dev-f", wiremsg.PresenceOffline, ""))

	d, err := r.Get("dev-f")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, wiremsg.PresenceOffline, d.Status)
}
