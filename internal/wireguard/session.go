package wireguard

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"tpn/internal/crypto"
	"tpn/internal/locks"
	"tpn/internal/peerconfig"
)

// ErrResourceCollision means the kernel already had a resource under a name
// the lock registry believed was free.
var ErrResourceCollision = errors.New("kernel resource already exists")

const (
	interfacePrefix = "tpn"
	namespacePrefix = "ns_"

	// IFNAMSIZ leaves 15 usable bytes: prefix, peer part, random suffix.
	maxPeerPartLength = 7
	randomIDLength    = 5

	maxAllocationAttempts = 64
)

// session holds the host resources of one validation attempt.
type session struct {
	interfaceID string
	vethID      string
	namespaceID string
	block       int
	veth        vethBlock

	hostInterface string
	configPath    string

	// Set as each resource is created. Teardown touches only these, so a
	// name that collided with an existing kernel resource is left alone.
	namespaceAdded bool
	interfaceAdded bool
	vethAdded      bool
	configWritten  bool
	natAdded       bool
}

func (s *session) hostVeth() string { return "veth" + s.vethID + "h" }

func (s *session) namespaceVeth() string { return "veth" + s.vethID + "n" }

func (s *session) lockNames() []string {
	var names []string
	if s.interfaceID != "" {
		names = append(names, interfaceLock(s.interfaceID), namespaceLock(s.namespaceID))
	}
	if s.vethID != "" {
		names = append(names, vethLock(s.vethID))
	}
	if s.block >= 0 {
		names = append(names, subnetLock(s.block))
	}
	return names
}

func interfaceLock(id string) string { return "interface_id_in_use_" + id }

func namespaceLock(id string) string { return "namespace_id_in_use_" + id }

func vethLock(id string) string { return "veth_id_in_use_" + id }

func subnetLock(block int) string { return "veth_subnet_in_use_" + strconv.Itoa(block) }

func ipLock(address string) string { return "ip_being_processed_" + address }

// vethBlock is the /30 linking a session namespace to the host.
type vethBlock struct {
	subnet netip.Prefix
	host   netip.Addr
	peer   netip.Addr
}

func blockCount(pool netip.Prefix) int {
	if !pool.Addr().Is4() || pool.Bits() > 30 {
		return 0
	}
	return 1 << (30 - pool.Bits())
}

func blockAt(pool netip.Prefix, index int) vethBlock {
	base := pool.Masked().Addr().As4()
	n := binary.BigEndian.Uint32(base[:]) + uint32(index)*4

	var b [4]byte
	binary.BigEndian.PutUint32(b[:], n)
	network := netip.AddrFrom4(b)

	return vethBlock{
		subnet: netip.PrefixFrom(network, 30),
		host:   network.Next(),
		peer:   network.Next().Next(),
	}
}

func newInterfaceID(peerID string) (string, error) {
	suffix, err := crypto.RandomString(randomIDLength)
	if err != nil {
		return "", err
	}
	return interfacePrefix + sanitizePeerID(peerID) + suffix, nil
}

func sanitizePeerID(peerID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(peerID) {
		if b.Len() == maxPeerPartLength {
			break
		}
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// allocate claims an interface name, its namespace, a veth name and a veth
// subnet. Only the identifiers that collide are regenerated between rounds.
func (v *Validator) allocate(ctx context.Context, peerID string) (*session, error) {
	s := &session{block: -1}

	for attempt := 0; attempt < maxAllocationAttempts; attempt++ {
		if s.interfaceID == "" {
			id, err := newInterfaceID(peerID)
			if err != nil {
				return v.abandon(ctx, s, err)
			}
			ok, err := v.locks.Acquire(ctx, interfaceLock(id))
			if err != nil {
				return v.abandon(ctx, s, err)
			}
			if ok {
				ns := namespacePrefix + id
				nsOK, err := v.locks.Acquire(ctx, namespaceLock(ns))
				if err != nil || !nsOK {
					v.locks.Release(ctx, interfaceLock(id))
					if err != nil {
						return v.abandon(ctx, s, err)
					}
				} else {
					s.interfaceID, s.namespaceID = id, ns
				}
			}
		}

		if s.vethID == "" {
			id, err := crypto.RandomString(randomIDLength)
			if err != nil {
				return v.abandon(ctx, s, err)
			}
			ok, err := v.locks.Acquire(ctx, vethLock(id))
			if err != nil {
				return v.abandon(ctx, s, err)
			}
			if ok {
				s.vethID = id
			}
		}

		if s.block < 0 {
			index := rand.Intn(v.blocks)
			ok, err := v.locks.Acquire(ctx, subnetLock(index))
			if err != nil {
				return v.abandon(ctx, s, err)
			}
			if ok {
				s.block = index
				s.veth = blockAt(v.vethPool, index)
			}
		}

		if s.interfaceID != "" && s.vethID != "" && s.block >= 0 {
			s.configPath = filepath.Join(v.cfg.WireguardConfigDir, s.interfaceID+".conf")
			return s, nil
		}
	}

	return v.abandon(ctx, s, locks.ErrAllocationExhausted)
}

func (v *Validator) abandon(ctx context.Context, s *session, err error) (*session, error) {
	v.release(ctx, s)
	return nil, err
}

func (v *Validator) release(ctx context.Context, s *session) {
	if s == nil {
		return
	}
	if err := v.locks.Release(context.WithoutCancel(ctx), s.lockNames()...); err != nil {
		v.log.WithError(err).Warning("failed to release session locks")
	}
}

// build creates the namespace, veth bridge and WireGuard interface for s.
// Every step depends on the previous one, so the first failure stops it.
func (v *Validator) build(ctx context.Context, s *session, pc *peerconfig.PeerConfig, endpointIP, address string, log *logrus.Entry) error {
	run := func(name string, args ...string) error {
		res, err := v.exec.Run(ctx, name, args...)
		if err != nil {
			if strings.Contains(res.Stderr, "File exists") {
				return fmt.Errorf("%w: %v", ErrResourceCollision, err)
			}
			return err
		}
		return nil
	}

	ns, ifc := s.namespaceID, s.interfaceID

	if err := run("ip", "netns", "add", ns); err != nil {
		return err
	}
	s.namespaceAdded = true
	if err := run("ip", "-n", ns, "link", "set", "lo", "up"); err != nil {
		return err
	}

	// The interface's UDP socket stays in the namespace it was created in,
	// so it is born on the host and moved.
	if err := run("ip", "link", "add", ifc, "type", "wireguard"); err != nil {
		return err
	}
	s.interfaceAdded = true
	if err := run("ip", "link", "set", ifc, "netns", ns); err != nil {
		return err
	}

	if err := run("ip", "link", "add", s.namespaceVeth(), "type", "veth", "peer", "name", s.hostVeth()); err != nil {
		return err
	}
	s.vethAdded = true
	if err := run("ip", "link", "set", s.namespaceVeth(), "netns", ns); err != nil {
		return err
	}
	if err := run("ip", "addr", "add", prefixed(s.veth.host), "dev", s.hostVeth()); err != nil {
		return err
	}
	if err := run("ip", "link", "set", s.hostVeth(), "up"); err != nil {
		return err
	}
	if err := run("ip", "-n", ns, "addr", "add", prefixed(s.veth.peer), "dev", s.namespaceVeth()); err != nil {
		return err
	}
	if err := run("ip", "-n", ns, "link", "set", s.namespaceVeth(), "up"); err != nil {
		return err
	}

	hostInterface, err := v.hostInterface(ctx)
	if err != nil {
		return err
	}
	s.hostInterface = hostInterface

	if err := run("sysctl", "-w", "net.ipv4.ip_forward=1"); err != nil {
		return err
	}
	if err := run("iptables", natRule("-A", s)...); err != nil {
		return err
	}
	s.natAdded = true

	s.configWritten = true
	if err := os.WriteFile(s.configPath, []byte(pc.SetconfText(endpointIP)), 0600); err != nil {
		return fmt.Errorf("failed to write wireguard config: %w", err)
	}
	if err := run("ip", "netns", "exec", ns, "wg", "setconf", ifc, s.configPath); err != nil {
		return err
	}

	if err := run("ip", "-n", ns, "addr", "add", address, "dev", ifc); err != nil {
		return err
	}
	if err := run("ip", "-n", ns, "link", "set", ifc, "up"); err != nil {
		return err
	}
	if err := run("ip", "-n", ns, "route", "add", "default", "dev", ifc); err != nil {
		return err
	}

	etc := filepath.Join(v.cfg.NetnsEtcDir, ns)
	if err := os.MkdirAll(etc, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", etc, err)
	}
	resolv := fmt.Sprintf("nameserver %s\n", v.cfg.NamespaceNameserver)
	if err := os.WriteFile(filepath.Join(etc, "resolv.conf"), []byte(resolv), 0644); err != nil {
		return fmt.Errorf("failed to write resolv.conf: %w", err)
	}

	log.WithField("namespace", ns).Info("namespace ready")
	return nil
}

// teardown removes what build created in this session. Every step tolerates
// a missing target.
func (v *Validator) teardown(ctx context.Context, s *session) {
	quiet := func(name string, args ...string) {
		v.exec.Run(ctx, name, args...)
	}

	if s.interfaceAdded {
		quiet("ip", "-n", s.namespaceID, "link", "del", s.interfaceID)
		quiet("ip", "link", "del", s.interfaceID)
		s.interfaceAdded = false
	}
	if s.vethAdded {
		quiet("ip", "link", "del", s.hostVeth())
		s.vethAdded = false
	}
	if s.natAdded {
		quiet("iptables", natRule("-D", s)...)
		s.natAdded = false
	}
	if s.namespaceAdded {
		quiet("ip", "netns", "del", s.namespaceID)
		if err := os.RemoveAll(filepath.Join(v.cfg.NetnsEtcDir, s.namespaceID)); err != nil {
			v.log.WithError(err).Warning("failed to remove namespace etc directory")
		}
		s.namespaceAdded = false
	}
	if s.configWritten {
		if err := os.Remove(s.configPath); err != nil && !os.IsNotExist(err) {
			v.log.WithError(err).Warning("failed to remove wireguard config")
		}
		s.configWritten = false
	}
}

func natRule(op string, s *session) []string {
	return []string{"-t", "nat", op, "POSTROUTING", "-s", s.veth.subnet.String(), "-o", s.hostInterface, "-j", "MASQUERADE"}
}

func prefixed(addr netip.Addr) string {
	return addr.String() + "/30"
}

// hostInterface is HOST_INTERFACE, or the device of the default route.
func (v *Validator) hostInterface(ctx context.Context) (string, error) {
	if v.cfg.HostInterface != "" {
		return v.cfg.HostInterface, nil
	}

	res, err := v.exec.Run(ctx, "ip", "route", "show", "default")
	if err != nil {
		return "", fmt.Errorf("failed to read default route: %w", err)
	}
	if dev := defaultRouteDevice(res.Stdout); dev != "" {
		return dev, nil
	}
	return "", errors.New("no default route device found")
}

func defaultRouteDevice(routes string) string {
	for _, line := range strings.Split(routes, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 || fields[0] != "default" {
			continue
		}
		for i := 0; i+1 < len(fields); i++ {
			if fields[i] == "dev" {
				return fields[i+1]
			}
		}
	}
	return ""
}
