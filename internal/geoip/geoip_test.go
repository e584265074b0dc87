package geoip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticLocator map[string]string

func (s staticLocator) Country(string) string { return "" }

func (s staticLocator) Organization(ip string) string { return s[ip] }

func TestIsDatacenter(t *testing.T) {
	for _, org := range []string{
		"AMAZON-02",
		"DigitalOcean, LLC",
		"Hetzner Online GmbH",
		"Hurricane Electric LLC",
		"Acme Dedicated Servers",
		"Example Cloud Services Ltd",
		"cheap VPS co",
	} {
		assert.True(t, IsDatacenter(org), org)
	}

	for _, org := range []string{"", "Deutsche Telekom AG", "Comcast Cable Communications", "KPN B.V."} {
		assert.False(t, IsDatacenter(org), org)
	}
}

func TestIsDatacenterIP(t *testing.T) {
	locator := staticLocator{"203.0.113.7": "OVH SAS", "198.51.100.2": "Residential ISP"}

	assert.True(t, IsDatacenterIP(locator, "203.0.113.7"))
	assert.False(t, IsDatacenterIP(locator, "198.51.100.2"))
	assert.False(t, IsDatacenterIP(locator, "192.0.2.1"))
}

func TestOpenMissingDatabase(t *testing.T) {
	_, err := Open("/nonexistent/GeoLite2-Country.mmdb", "")
	require.Error(t, err)
}
