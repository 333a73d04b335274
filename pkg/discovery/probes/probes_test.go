package probes

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdsno/pdsno/pkg/config"
	"github.com/pdsno/pdsno/pkg/discovery"
)

const arpFixture = `IP address       HW type     Flags       HW address            Mask     Device
10.20.0.1        0x1         0x2         aa:BB:cc:00:00:01     *        eth0
10.20.0.7        0x1         0x2         aa:bb:cc:00:00:07     *        eth0
10.20.0.9        0x1         0x0         00:00:00:00:00:00     *        eth0
192.168.9.4      0x1         0x2         aa:bb:cc:00:00:09     *        eth1
`

func writeARPFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "arp")
	require.NoError(t, os.WriteFile(path, []byte(arpFixture), 0o644))
	return path
}

func runLifecycle(t *testing.T, p discovery.Probe, target discovery.Target) []discovery.Observation {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, p.Initialize(ctx, target))
	_, err := p.Execute(ctx)
	require.NoError(t, err)
	obs, err := p.Finalize()
	require.NoError(t, err)
	return obs
}

func TestARPTableFiltersToSubnet(t *testing.T) {
	p, err := newARPTable(map[string]string{"table_path": writeARPFixture(t)})
	require.NoError(t, err)

	obs := runLifecycle(t, p, discovery.Target{Region: "zone-A", Subnet: "10.20.0.0/24"})
	require.Len(t, obs, 2)
	assert.Equal(t, "aa:bb:cc:00:00:01", obs[0].MAC)
	assert.Equal(t, "10.20.0.1", obs[0].IP)
	assert.Equal(t, "eth0", obs[0].Attributes["interface"])
}

func TestARPTableSkipsIncompleteEntries(t *testing.T) {
	p, err := newARPTable(map[string]string{"table_path": writeARPFixture(t)})
	require.NoError(t, err)

	obs := runLifecycle(t, p, discovery.Target{Region: "zone-A", Subnet: "10.20.0.0/16"})
	for _, o := range obs {
		assert.NotEqual(t, "10.20.0.9", o.IP)
	}
}

func TestARPTableRejectsBadSubnet(t *testing.T) {
	p, err := newARPTable(nil)
	require.NoError(t, err)
	assert.Error(t, p.Initialize(context.Background(), discovery.Target{Subnet: "not-a-subnet"}))
}

func TestStaticProbeParsesDevices(t *testing.T) {
	p, err := newStatic(map[string]string{
		"devices":     "AA:BB:CC:00:00:01=10.20.0.5, aa:bb:cc:00:00:02=10.20.0.6",
		"device_role": "access",
	})
	require.NoError(t, err)

	obs := runLifecycle(t, p, discovery.Target{Region: "zone-A", Subnet: "10.20.0.0/24"})
	require.Len(t, obs, 2)
	assert.Equal(t, "aa:bb:cc:00:00:01", obs[0].MAC)
	assert.Equal(t, "access", obs[0].DeviceRole)
}

func TestStaticProbeDropsOutOfSubnetEntries(t *testing.T) {
	p, err := newStatic(map[string]string{
		"devices": "aa:bb:cc:00:00:01=10.20.0.5,aa:bb:cc:00:00:02=172.16.0.9",
	})
	require.NoError(t, err)

	obs := runLifecycle(t, p, discovery.Target{Region: "zone-A", Subnet: "10.20.0.0/24"})
	require.Len(t, obs, 1)
	assert.Equal(t, "10.20.0.5", obs[0].IP)
}

func TestStaticProbeRejectsMalformedEntries(t *testing.T) {
	for _, devices := range []string{"", "justamac", "mac=", "=10.0.0.1", "aa:bb=not-an-ip"} {
		_, err := newStatic(map[string]string{"devices": devices})
		assert.Error(t, err, "devices=%q", devices)
	}
}

func TestBuildFromProfile(t *testing.T) {
	built, err := Build([]config.ProbeConfig{
		{Name: "arptable", Params: map[string]string{"table_path": writeARPFixture(t)}},
		{Name: "static", Params: map[string]string{"devices": "aa:bb:cc:00:00:01=10.20.0.5"}},
	})
	require.NoError(t, err)
	require.Len(t, built, 2)
	assert.Equal(t, "arptable", built[0].Name())
	assert.Equal(t, "static", built[1].Name())

	_, err = Build([]config.ProbeConfig{{Name: "snmp-walk"}})
	assert.Error(t, err)
}
