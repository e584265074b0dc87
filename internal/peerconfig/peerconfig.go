// Package peerconfig parses and checks the WireGuard configuration text a
// miner hands to the validator.
package peerconfig

import (
	"fmt"
	"net"
	"net/netip"
	"regexp"
	"strings"
)

// RequiredProperties must each appear somewhere in the config text.
var RequiredProperties = []string{
	"[Interface]",
	"[Peer]",
	"Address",
	"PrivateKey",
	"ListenPort",
	"PublicKey",
	"PresharedKey",
	"AllowedIPs",
	"Endpoint",
}

// wg-quick only keys that `wg setconf` rejects.
var quickOnlyKeys = map[string]bool{
	"address":    true,
	"dns":        true,
	"mtu":        true,
	"table":      true,
	"preup":      true,
	"postup":     true,
	"predown":    true,
	"postdown":   true,
	"saveconfig": true,
}

type PeerConfig struct {
	Raw          string
	Address      string
	PrivateKey   string
	ListenPort   string
	DNS          string
	PublicKey    string
	PresharedKey string
	AllowedIPs   string
	Endpoint     string
}

type MissingPropertiesError struct {
	Missing []string
}

func (e *MissingPropertiesError) Error() string {
	return fmt.Sprintf("missing required properties: %s", strings.Join(e.Missing, ", "))
}

type FormatError struct {
	Problems []string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("format errors: %s", strings.Join(e.Problems, ", "))
}

type Validator struct {
	base64Pattern *regexp.Regexp
	portPattern   *regexp.Regexp
	ipPattern     *regexp.Regexp
}

func NewValidator() *Validator {
	return &Validator{
		base64Pattern: regexp.MustCompile(`^[A-Za-z0-9+/=]+$`),
		portPattern:   regexp.MustCompile(`^\d+$`),
		ipPattern:     regexp.MustCompile(`\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}`),
	}
}

// MissingProperties returns the required properties absent from raw, in
// RequiredProperties order.
func MissingProperties(raw string) []string {
	var missing []string
	for _, prop := range RequiredProperties {
		if !strings.Contains(raw, prop) {
			missing = append(missing, prop)
		}
	}
	return missing
}

// Parse returns a *MissingPropertiesError or *FormatError when raw cannot
// be used for a validation attempt.
func (v *Validator) Parse(raw string) (*PeerConfig, error) {
	if missing := MissingProperties(raw); len(missing) > 0 {
		return nil, &MissingPropertiesError{Missing: missing}
	}

	pc := &PeerConfig{
		Raw:          raw,
		Address:      firstListItem(value(raw, "Address")),
		PrivateKey:   value(raw, "PrivateKey"),
		ListenPort:   value(raw, "ListenPort"),
		DNS:          value(raw, "DNS"),
		PublicKey:    value(raw, "PublicKey"),
		PresharedKey: value(raw, "PresharedKey"),
		AllowedIPs:   value(raw, "AllowedIPs"),
		Endpoint:     value(raw, "Endpoint"),
	}

	if err := v.validateFields(pc); err != nil {
		return nil, err
	}

	return pc, nil
}

func (v *Validator) validateFields(pc *PeerConfig) error {
	var problems []string

	if !v.base64Pattern.MatchString(pc.PrivateKey) {
		problems = append(problems, "PrivateKey is not a valid base64 string")
	}
	if !v.portPattern.MatchString(pc.ListenPort) {
		problems = append(problems, "ListenPort is not a number")
	}
	if pc.DNS != "" && !v.ipPattern.MatchString(pc.DNS) {
		problems = append(problems, "DNS is not a valid IP address")
	}
	if !v.base64Pattern.MatchString(pc.PublicKey) {
		problems = append(problems, "PublicKey is not a valid base64 string")
	}
	if !v.base64Pattern.MatchString(pc.PresharedKey) {
		problems = append(problems, "PresharedKey is not a valid base64 string")
	}
	if !v.ipPattern.MatchString(pc.AllowedIPs) {
		problems = append(problems, "AllowedIPs is not a valid IP address")
	}
	if pc.EndpointHost() == "" {
		problems = append(problems, "Endpoint is missing a host")
	}
	if _, err := pc.addressPrefix(); err != nil {
		problems = append(problems, "Address is not a valid IPv4 address")
	}

	if len(problems) > 0 {
		return &FormatError{Problems: problems}
	}
	return nil
}

// EndpointHost is the host part of Endpoint, without the port.
func (pc *PeerConfig) EndpointHost() string {
	host, _ := splitEndpoint(pc.Endpoint)
	return host
}

func (pc *PeerConfig) EndpointPort() string {
	_, port := splitEndpoint(pc.Endpoint)
	return port
}

// NormalizedAddress is Address in CIDR notation, /32 when no prefix was given.
func (pc *PeerConfig) NormalizedAddress() string {
	prefix, err := pc.addressPrefix()
	if err != nil {
		return ""
	}
	return prefix.String()
}

func (pc *PeerConfig) addressPrefix() (netip.Prefix, error) {
	if strings.Contains(pc.Address, "/") {
		prefix, err := netip.ParsePrefix(pc.Address)
		if err != nil || !prefix.Addr().Is4() {
			return netip.Prefix{}, fmt.Errorf("invalid address %q", pc.Address)
		}
		return prefix, nil
	}
	addr, err := netip.ParseAddr(pc.Address)
	if err != nil || !addr.Is4() {
		return netip.Prefix{}, fmt.Errorf("invalid address %q", pc.Address)
	}
	return netip.PrefixFrom(addr, 32), nil
}

// SetconfText renders the config for `wg setconf`, the equivalent of
// `wg-quick strip`. When endpointIP is set the Endpoint line is rewritten to
// it so the tool does not have to resolve names.
func (pc *PeerConfig) SetconfText(endpointIP string) string {
	var out []string
	for _, line := range strings.Split(strings.ReplaceAll(pc.Raw, "\r\n", "\n"), "\n") {
		key, _, found := strings.Cut(line, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		if found && quickOnlyKeys[key] {
			continue
		}
		if found && key == "endpoint" && endpointIP != "" {
			line = fmt.Sprintf("Endpoint = %s", net.JoinHostPort(endpointIP, pc.EndpointPort()))
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n")) + "\n"
}

// IsIPv4Literal reports whether host is already a dotted-quad address.
func IsIPv4Literal(host string) bool {
	addr, err := netip.ParseAddr(host)
	return err == nil && addr.Is4()
}

func value(raw, key string) string {
	re := regexp.MustCompile(`(?m)^[ \t]*` + regexp.QuoteMeta(key) + `[ \t]*=[ \t]*(.*?)[ \t]*\r?$`)
	m := re.FindStringSubmatch(raw)
	if m == nil {
		return ""
	}
	return m[1]
}

func firstListItem(v string) string {
	first, _, _ := strings.Cut(v, ",")
	return strings.TrimSpace(first)
}

func splitEndpoint(endpoint string) (string, string) {
	if host, port, err := net.SplitHostPort(endpoint); err == nil {
		return host, port
	}
	return strings.TrimSpace(endpoint), "51820"
}
