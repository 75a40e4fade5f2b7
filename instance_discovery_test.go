package main

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstanceFromEntry(t *testing.T) {
	entry := zeroconf.NewServiceEntry(`Lab\ Display`, "_vizdisplay._tcp", "local.")
	entry.Port = 8080
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	entry.Text = []string{"tls=true", "version=2", "junk"}

	instance, ok := instanceFromEntry(entry)
	require.True(t, ok)
	assert.Equal(t, "Lab Display", instance.Name)
	assert.Equal(t, "https://192.168.1.20:8080", instance.URL)
	assert.Equal(t, map[string]string{"tls": "true", "version": "2"}, instance.TxtRecords)

	entry.AddrIPv4 = nil
	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	entry.Text = nil
	instance, ok = instanceFromEntry(entry)
	require.True(t, ok)
	assert.Equal(t, "http://[fe80::1]:8080", instance.URL)

	entry.AddrIPv6 = nil
	_, ok = instanceFromEntry(entry)
	assert.False(t, ok)
}

func TestGetInstancesSorted(t *testing.T) {
	id := NewInstanceDiscovery(&DefaultConfig().Discovery, DefaultConfig().Remote)
	defer id.Stop()

	id.instances["b"] = &DisplayInstance{Name: "bravo"}
	id.instances["a"] = &DisplayInstance{Name: "alpha"}

	instances := id.GetInstances()
	require.Len(t, instances, 2)
	assert.Equal(t, "alpha", instances[0].Name)
	assert.Equal(t, "bravo", instances[1].Name)
}
