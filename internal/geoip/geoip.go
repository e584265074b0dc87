// Package geoip maps caller addresses to a country and decides whether the
// owning network looks like a datacenter or hosting provider.
package geoip

import (
	"fmt"
	"net"
	"regexp"

	"github.com/oschwald/maxminddb-golang"

	"tpn/internal/logging"
)

type Locator interface {
	// Country returns the ISO code, or "" when it cannot be determined.
	Country(ip string) string
	// Organization returns the registered owner of the network ip belongs to.
	Organization(ip string) string
}

type MaxMind struct {
	country *maxminddb.Reader
	asn     *maxminddb.Reader
}

// Open loads the country database and, when asnPath is set, the ASN
// database. Without an ASN database no address is classified as a datacenter.
func Open(countryPath, asnPath string) (*MaxMind, error) {
	country, err := maxminddb.Open(countryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open country database %s: %w", countryPath, err)
	}

	m := &MaxMind{country: country}
	if asnPath != "" {
		asn, err := maxminddb.Open(asnPath)
		if err != nil {
			country.Close()
			return nil, fmt.Errorf("failed to open asn database %s: %w", asnPath, err)
		}
		m.asn = asn
	}

	logging.WithContext().Info("GeoIP initialized")
	return m, nil
}

func (m *MaxMind) Country(ipAddress string) string {
	ip := net.ParseIP(ipAddress)
	if ip == nil {
		return ""
	}

	var fields struct {
		Country struct {
			ISOCode string `maxminddb:"iso_code"`
		} `maxminddb:"country"`
		RegisteredCountry struct {
			ISOCode string `maxminddb:"iso_code"`
		} `maxminddb:"registered_country"`
	}

	if err := m.country.Lookup(ip, &fields); err != nil {
		logging.WithContextFields(logging.LogFields{"error": err, "ip": ipAddress}).Warning("GeoIP lookup failed")
		return ""
	}

	if fields.Country.ISOCode != "" {
		return fields.Country.ISOCode
	}
	return fields.RegisteredCountry.ISOCode
}

func (m *MaxMind) Organization(ipAddress string) string {
	ip := net.ParseIP(ipAddress)
	if ip == nil || m.asn == nil {
		return ""
	}

	var fields struct {
		Organization string `maxminddb:"autonomous_system_organization"`
	}

	if err := m.asn.Lookup(ip, &fields); err != nil {
		logging.WithContextFields(logging.LogFields{"error": err, "ip": ipAddress}).Warning("ASN lookup failed")
		return ""
	}
	return fields.Organization
}

func (m *MaxMind) Close() error {
	if m.asn != nil {
		m.asn.Close()
	}
	return m.country.Close()
}

// Provider names, then generic terms used by hosting networks.
var datacenterPatterns = compile(
	"amazon", "aws", "cloudfront", "google", "microsoft", "azure",
	"digitalocean", "linode", "vultr", "ovh", "hetzner", "upcloud",
	"scaleway", "contabo", "ionos", "rackspace", "softlayer", "alibaba",
	"tencent", "baidu", "cloudflare", "fastly", "akamai", "edgecast",
	"level3", "limelight", "incapsula", "stackpath", "maxcdn", "cloudsigma",
	"quadranet", "psychz", "choopa", "leaseweb", "hostwinds", "equinix",
	"colocrossing", "hivelocity", "godaddy", "bluehost", "hostgator",
	"dreamhost", "hurricane electric",

	"colo", "datacenter", "serverfarm", "hosting", `cloud\s*services?`,
	`dedicated\s*server`, "vps",
)

func compile(patterns ...string) []*regexp.Regexp {
	res := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		res[i] = regexp.MustCompile("(?i)" + p)
	}
	return res
}

// IsDatacenter reports whether a network owner name matches a known
// hosting provider.
func IsDatacenter(organization string) bool {
	if organization == "" {
		return false
	}
	for _, re := range datacenterPatterns {
		if re.MatchString(organization) {
			return true
		}
	}
	return false
}

// IsDatacenterIP classifies ip through locator.
func IsDatacenterIP(locator Locator, ip string) bool {
	return IsDatacenter(locator.Organization(ip))
}
