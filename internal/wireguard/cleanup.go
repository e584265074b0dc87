package wireguard

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tpn/internal/logging"
)

// WaitForIPFree reports whether address is unused, polling until timeout.
// An address is in use while any interface on the host or in any namespace
// carries it, or while another validation has it marked in process.
func (v *Validator) WaitForIPFree(ctx context.Context, address string, timeout time.Duration) bool {
	log := logging.WithContextFields(logging.LogFields{"address": address})

	taken := v.ipTaken(ctx, address)
	if !taken {
		return true
	}

	ticker := time.NewTicker(v.pollInterval)
	defer ticker.Stop()

	start := time.Now()
	for taken && time.Since(start) < timeout {
		log.WithField("waited", time.Since(start).String()).Info("address in use, waiting for it to become free")
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
		taken = v.ipTaken(ctx, address)
	}

	if taken {
		log.WithField("waited", time.Since(start).String()).Warning("address still in use")
		return false
	}
	return true
}

func (v *Validator) ipTaken(ctx context.Context, address string) bool {
	marked, err := v.locks.IsLocked(ctx, ipLock(address))
	if err != nil {
		v.log.WithError(err).Warning("failed to read address flag")
	}
	if marked {
		return true
	}

	needle := "inet " + bareAddress(address) + "/"
	for _, listing := range v.addressListings(ctx) {
		if strings.Contains(listing, needle) {
			return true
		}
	}
	return false
}

// addressListings returns `ip -o addr show` for the host and then for every
// namespace. The second listing carries "netns: NAME" headers.
func (v *Validator) addressListings(ctx context.Context) []string {
	var listings []string
	if res, err := v.exec.Run(ctx, "ip", "-o", "addr", "show"); err == nil {
		listings = append(listings, res.Stdout)
	}
	if res, err := v.exec.Run(ctx, "ip", "-all", "netns", "exec", "ip", "-o", "addr", "show"); err == nil {
		listings = append(listings, res.Stdout)
	}
	return listings
}

type CleanupOptions struct {
	Interfaces  []string
	IPAddresses []string
	DryRun      bool
}

// CleanUpInterfaces removes leftover validation interfaces and namespaces.
// Without options every tpn interface and ns_tpn namespace is swept. It
// reports whether anything was found.
func (v *Validator) CleanUpInterfaces(ctx context.Context, opts CleanupOptions) (bool, error) {
	interfaces := append([]string(nil), opts.Interfaces...)
	var namespaces []string

	if len(opts.Interfaces) == 0 && len(opts.IPAddresses) == 0 {
		res, err := v.exec.Run(ctx, "ip", "-o", "link", "show")
		if err != nil {
			return false, fmt.Errorf("failed to list links: %w", err)
		}
		interfaces = append(interfaces, linkNames(res.Stdout)...)

		res, err = v.exec.Run(ctx, "ip", "netns", "list")
		if err != nil {
			return false, fmt.Errorf("failed to list namespaces: %w", err)
		}
		namespaces = append(namespaces, namespaceNames(res.Stdout)...)
	}

	for _, address := range opts.IPAddresses {
		ifcs, nss := v.ownersOf(ctx, address)
		interfaces = append(interfaces, ifcs...)
		namespaces = append(namespaces, nss...)
	}

	interfaces, namespaces = dedupe(interfaces), dedupe(namespaces)

	log := logging.WithContextFields(logging.LogFields{
		"interfaces": interfaces,
		"namespaces": namespaces,
		"dry_run":    opts.DryRun,
	})

	if len(interfaces) == 0 && len(namespaces) == 0 {
		log.Info("no interfaces found to clean up")
		return false, nil
	}

	if opts.DryRun {
		log.Info("dry run, leaving interfaces in place")
		return true, nil
	}

	for _, ifc := range interfaces {
		v.exec.Run(ctx, "ip", "link", "del", ifc)
		if err := os.Remove(filepath.Join(v.cfg.WireguardConfigDir, ifc+".conf")); err != nil && !os.IsNotExist(err) {
			log.WithError(err).Warning("failed to remove wireguard config")
		}
	}
	for _, ns := range namespaces {
		v.exec.Run(ctx, "ip", "netns", "del", ns)
		os.RemoveAll(filepath.Join(v.cfg.NetnsEtcDir, ns))
	}

	log.Info("cleaned up interfaces")
	return true, nil
}

// ownersOf finds the tpn interfaces, and the namespaces holding them, that
// carry address.
func (v *Validator) ownersOf(ctx context.Context, address string) ([]string, []string) {
	needle := "inet " + bareAddress(address) + "/"
	var interfaces, namespaces []string

	for _, listing := range v.addressListings(ctx) {
		namespace := ""
		for _, line := range strings.Split(listing, "\n") {
			if name, ok := strings.CutPrefix(strings.TrimSpace(line), "netns:"); ok {
				namespace = strings.TrimSpace(name)
				continue
			}
			if !strings.Contains(line, needle) {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) < 2 || !strings.HasPrefix(fields[1], interfacePrefix) {
				continue
			}
			interfaces = append(interfaces, fields[1])
			if strings.HasPrefix(namespace, namespacePrefix+interfacePrefix) {
				namespaces = append(namespaces, namespace)
			}
		}
	}
	return interfaces, namespaces
}

// linkNames picks tpn links out of `ip -o link show`, dropping any "@peer"
// suffix.
func linkNames(listing string) []string {
	var names []string
	for _, line := range strings.Split(listing, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		name := strings.TrimSuffix(fields[1], ":")
		name, _, _ = strings.Cut(name, "@")
		if strings.HasPrefix(name, interfacePrefix) {
			names = append(names, name)
		}
	}
	return names
}

func namespaceNames(listing string) []string {
	var names []string
	for _, line := range strings.Split(listing, "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 && strings.HasPrefix(fields[0], namespacePrefix+interfacePrefix) {
			names = append(names, fields[0])
		}
	}
	return names
}

func bareAddress(address string) string {
	bare, _, _ := strings.Cut(address, "/")
	return bare
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	var out []string
	for _, value := range values {
		if !seen[value] {
			seen[value] = true
			out = append(out, value)
		}
	}
	return out
}
