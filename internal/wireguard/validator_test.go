package wireguard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tpn/internal/challenge"
	"tpn/internal/config"
	"tpn/internal/database"
	"tpn/internal/kvstore"
	"tpn/internal/locks"
	"tpn/internal/shell"
)

const peerConfig = `[Interface]
Address = 10.13.13.2
PrivateKey = aGVsbG9oZWxsb2hlbGxvaGVsbG9oZWxsb2hlbGxvaGU=
ListenPort = 51820
DNS = 10.13.13.1

[Peer]
PublicKey = d29ybGR3b3JsZHdvcmxkd29ybGR3b3JsZHdvcmxkd28=
PresharedKey = c2VjcmV0c2VjcmV0c2VjcmV0c2VjcmV0c2VjcmV0c2U=
Endpoint = 203.0.113.7:51820
AllowedIPs = 0.0.0.0/0
`

type fakeExec struct {
	mu     sync.Mutex
	calls  []string
	failed map[string]bool
	script func(cmd string) (shell.Result, error, bool)
}

func (f *fakeExec) Run(_ context.Context, name string, args ...string) (shell.Result, error) {
	cmd := shell.Format(name, args...)

	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	script := f.script
	f.mu.Unlock()

	if script != nil {
		if res, err, handled := script(cmd); handled {
			if err != nil {
				f.mu.Lock()
				if f.failed == nil {
					f.failed = make(map[string]bool)
				}
				f.failed[cmd] = true
				f.mu.Unlock()
			}
			return res, err
		}
	}

	if name == "ip" && len(args) > 3 && args[3] == "curl" {
		id := path.Base(args[len(args)-1])
		return shell.Result{Stdout: fmt.Sprintf("<!-- noise -->\n{\"response\":\"r%s\"}\n", id)}, nil
	}
	return shell.Result{}, nil
}

func (f *fakeExec) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeExec) matching(substr string) []string {
	var out []string
	for _, cmd := range f.commands() {
		if strings.Contains(cmd, substr) {
			out = append(out, cmd)
		}
	}
	return out
}

// succeeded is matching without the commands that returned an error.
func (f *fakeExec) succeeded(substr string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, cmd := range f.calls {
		if strings.Contains(cmd, substr) && !f.failed[cmd] {
			out = append(out, cmd)
		}
	}
	return out
}

func failed(stderr string) (shell.Result, error, bool) {
	return shell.Result{Stderr: stderr}, fmt.Errorf("command failed: exit status 2 (%s)", stderr), true
}

type fakeIssuer struct {
	mu     sync.Mutex
	issued map[string]bool
	n      int
}

func (f *fakeIssuer) GenerateChallenge(context.Context, string) (*database.Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.issued == nil {
		f.issued = make(map[string]bool)
	}
	f.n++
	id := fmt.Sprintf("c%d", f.n)
	f.issued[id] = true
	return &database.Challenge{ID: id, Response: "r" + id}, nil
}

func (f *fakeIssuer) Solve(_ context.Context, id, response string) (*challenge.Solution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &challenge.Solution{Correct: f.issued[id] && response == "r"+id, SolvedAt: time.Now()}, nil
}

func (f *fakeIssuer) ChallengeURL(id string) string {
	return "http://validator.test:3000/challenge/" + id
}

type fakeResolver struct {
	addrs map[string]string
}

func (f fakeResolver) LookupIPv4(_ context.Context, host string) (string, error) {
	if addr, ok := f.addrs[host]; ok {
		return addr, nil
	}
	return "", errors.New("NXDOMAIN")
}

// trackingStore remembers every key it handed out so tests can check that
// nothing stays held.
type trackingStore struct {
	kvstore.Store
	mu   sync.Mutex
	keys map[string]bool
}

func newTrackingStore() *trackingStore {
	return &trackingStore{Store: kvstore.NewMemory(), keys: make(map[string]bool)}
}

func (s *trackingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	s.keys[key] = true
	s.mu.Unlock()
	return s.Store.Set(ctx, key, value, ttl)
}

func (s *trackingStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.Store.SetNX(ctx, key, value, ttl)
	if ok {
		s.mu.Lock()
		s.keys[key] = true
		s.mu.Unlock()
	}
	return ok, err
}

func (s *trackingStore) held(t *testing.T) []string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var held []string
	for key := range s.keys {
		_, ok, err := s.Store.Get(context.Background(), key)
		require.NoError(t, err)
		if ok {
			held = append(held, key)
		}
	}
	return held
}

type harness struct {
	v     *Validator
	exec  *fakeExec
	store *trackingStore
	cfg   *config.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := &config.Config{
		WireguardConfigDir:    t.TempDir(),
		NetnsEtcDir:           t.TempDir(),
		NamespaceNameserver:   "1.1.1.1",
		HostInterface:         "eth0",
		VethSubnet:            "10.200.0.0/16",
		TestTimeoutSeconds:    1,
		IPWaitIntervalSeconds: 1,
	}
	exec := &fakeExec{}
	store := newTrackingStore()
	resolver := fakeResolver{addrs: map[string]string{"miner.example.com": "203.0.113.9"}}
	v := NewValidator(cfg, exec, locks.NewRegistry(store, time.Minute), &fakeIssuer{}, resolver)
	v.pollInterval = 10 * time.Millisecond
	return &harness{v: v, exec: exec, store: store, cfg: cfg}
}

func (h *harness) assertNothingLeft(t *testing.T) {
	t.Helper()
	assert.Empty(t, h.store.held(t), "locks left behind")

	configs, err := os.ReadDir(h.cfg.WireguardConfigDir)
	require.NoError(t, err)
	assert.Empty(t, configs, "config files left behind")

	etc, err := os.ReadDir(h.cfg.NetnsEtcDir)
	require.NoError(t, err)
	assert.Empty(t, etc, "namespace etc directories left behind")

	for _, add := range h.exec.succeeded("ip netns add ") {
		ns := strings.TrimPrefix(add, "ip netns add ")
		assert.NotEmpty(t, h.exec.matching("ip netns del "+ns), "namespace %s not deleted", ns)
	}
	for _, add := range h.exec.succeeded("type wireguard") {
		ifc := strings.Fields(add)[3]
		assert.NotEmpty(t, h.exec.matching("link del "+ifc), "interface %s not deleted", ifc)
	}
}

func indexOf(cmds []string, substr string) int {
	for i, cmd := range cmds {
		if strings.Contains(cmd, substr) {
			return i
		}
	}
	return -1
}

func TestValidateConfigPasses(t *testing.T) {
	h := newHarness(t)

	result := h.v.ValidateConfig(context.Background(), peerConfig, "42")
	assert.True(t, result.Valid, result.Message)
	assert.Contains(t, result.Message, "Wireguard config passed for peer 42")

	cmds := h.exec.commands()
	order := []string{"ip netns add ns_tpn42", "type wireguard", "type veth", "iptables -t nat -A", "wg setconf", "route add default", "curl", "ip netns del"}
	last := -1
	for _, step := range order {
		i := indexOf(cmds, step)
		require.GreaterOrEqual(t, i, 0, "missing %q", step)
		assert.Greater(t, i, last, "%q out of order", step)
		last = i
	}

	assert.Len(t, h.exec.matching("iptables -t nat -D POSTROUTING -s 10.200."), 1)
	h.assertNothingLeft(t)
}

func TestValidateConfigResolvesEndpointName(t *testing.T) {
	h := newHarness(t)
	var written string
	h.exec.script = func(cmd string) (shell.Result, error, bool) {
		if strings.Contains(cmd, "wg setconf") {
			fields := strings.Fields(cmd)
			data, err := os.ReadFile(fields[len(fields)-1])
			require.NoError(t, err)
			written = string(data)
		}
		return shell.Result{}, nil, false
	}

	cfg := strings.Replace(peerConfig, "203.0.113.7:51820", "miner.example.com:51820", 1)
	result := h.v.ValidateConfig(context.Background(), cfg, "42")
	assert.True(t, result.Valid, result.Message)
	assert.Contains(t, written, "Endpoint = 203.0.113.9:51820")
	assert.NotContains(t, written, "Address")
}

func TestValidateConfigEmpty(t *testing.T) {
	h := newHarness(t)

	result := h.v.ValidateConfig(context.Background(), "  ", "42")
	assert.Equal(t, Result{Valid: false, Message: "No wireguard config provided"}, result)
	assert.Empty(t, h.exec.commands())
}

func TestValidateConfigListsMissingProperties(t *testing.T) {
	h := newHarness(t)
	cfg := strings.Replace(peerConfig, "PresharedKey = c2VjcmV0c2VjcmV0c2VjcmV0c2VjcmV0c2VjcmV0c2U=\n", "", 1)

	result := h.v.ValidateConfig(context.Background(), cfg, "42")
	assert.False(t, result.Valid)
	assert.Equal(t, "Wireguard config for peer 42 is missing required properties: PresharedKey", result.Message)
	assert.Empty(t, h.exec.commands())
}

func TestValidateConfigUnresolvableEndpoint(t *testing.T) {
	h := newHarness(t)
	cfg := strings.Replace(peerConfig, "203.0.113.7:51820", "nowhere.invalid:51820", 1)

	result := h.v.ValidateConfig(context.Background(), cfg, "42")
	assert.False(t, result.Valid)
	assert.Contains(t, result.Message, "Error resolving endpoint nowhere.invalid")
	assert.Empty(t, h.exec.matching("ip netns add"))
	assert.NotEmpty(t, h.store.keys, "identifiers were never allocated")
	h.assertNothingLeft(t)
}

func TestValidateConfigRetriesOnCollision(t *testing.T) {
	h := newHarness(t)
	collided := false
	h.exec.script = func(cmd string) (shell.Result, error, bool) {
		if strings.HasPrefix(cmd, "ip netns add") && !collided {
			collided = true
			return failed(`Cannot create namespace file "/var/run/netns/x": File exists`)
		}
		return shell.Result{}, nil, false
	}

	result := h.v.ValidateConfig(context.Background(), peerConfig, "42")
	assert.True(t, result.Valid, result.Message)

	adds := h.exec.matching("ip netns add")
	require.Len(t, adds, 2)
	assert.NotEqual(t, adds[0], adds[1])

	// The namespace that already existed is not ours to delete.
	taken := strings.TrimPrefix(adds[0], "ip netns add ")
	assert.Empty(t, h.exec.matching("netns del "+taken))
	assert.Empty(t, h.exec.matching("-n "+taken))
	h.assertNothingLeft(t)
}

func TestValidateConfigGivesUpAfterRepeatedCollisions(t *testing.T) {
	h := newHarness(t)
	h.exec.script = func(cmd string) (shell.Result, error, bool) {
		if strings.Contains(cmd, "type wireguard") {
			return failed("RTNETLINK answers: File exists")
		}
		return shell.Result{}, nil, false
	}

	result := h.v.ValidateConfig(context.Background(), peerConfig, "42")
	assert.False(t, result.Valid)
	adds := h.exec.matching("type wireguard")
	assert.Len(t, adds, maxCollisionRetries)
	for _, add := range adds {
		ifc := strings.Fields(add)[3]
		assert.Empty(t, h.exec.matching("link del "+ifc), "existing interface %s deleted", ifc)
	}
	assert.Len(t, h.exec.matching("ip netns del"), maxCollisionRetries)
	h.assertNothingLeft(t)
}

func TestValidateConfigCleansUpAfterFailureAtAnyStage(t *testing.T) {
	stages := []string{
		"ip netns add ",
		"link set lo up",
		"type wireguard",
		"ip link set tpn",
		"type veth",
		"ip link set veth",
		"ip addr add",
		"sysctl",
		"iptables -t nat -A",
		"wg setconf",
		"dev tpn",
		"route add default",
		"curl",
	}

	for _, stage := range stages {
		t.Run(stage, func(t *testing.T) {
			h := newHarness(t)
			h.exec.script = func(cmd string) (shell.Result, error, bool) {
				if strings.Contains(cmd, stage) {
					return failed("RTNETLINK answers: Operation not permitted")
				}
				return shell.Result{}, nil, false
			}

			result := h.v.ValidateConfig(context.Background(), peerConfig, "42")
			assert.False(t, result.Valid)
			assert.Contains(t, result.Message, "Error validating wireguard config for peer 42")
			h.assertNothingLeft(t)
		})
	}
}

func TestValidateConfigWrongResponse(t *testing.T) {
	h := newHarness(t)
	h.exec.script = func(cmd string) (shell.Result, error, bool) {
		if strings.Contains(cmd, "curl") {
			return shell.Result{Stdout: `{"response":"forged"}`}, nil, true
		}
		return shell.Result{}, nil, false
	}

	result := h.v.ValidateConfig(context.Background(), peerConfig, "42")
	assert.Equal(t, Result{Valid: false, Message: "Wireguard config failed challenge for peer 42"}, result)
	h.assertNothingLeft(t)
}

func TestValidateConfigRecoversPanics(t *testing.T) {
	h := newHarness(t)
	h.exec.script = func(cmd string) (shell.Result, error, bool) {
		if strings.Contains(cmd, "wg setconf") {
			panic("boom")
		}
		return shell.Result{}, nil, false
	}

	result := h.v.ValidateConfig(context.Background(), peerConfig, "42")
	assert.False(t, result.Valid)
	assert.Contains(t, result.Message, "boom")
	h.assertNothingLeft(t)
}

func TestConcurrentSessionsGetDistinctIdentifiers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const n = 32
	sessions := make([]*session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := h.v.allocate(ctx, "42")
			assert.NoError(t, err)
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	interfaces, veths, namespaces, blocks := map[string]bool{}, map[string]bool{}, map[string]bool{}, map[int]bool{}
	for _, s := range sessions {
		require.NotNil(t, s)
		assert.False(t, interfaces[s.interfaceID])
		assert.False(t, veths[s.vethID])
		assert.False(t, namespaces[s.namespaceID])
		assert.False(t, blocks[s.block])
		interfaces[s.interfaceID], veths[s.vethID], namespaces[s.namespaceID], blocks[s.block] = true, true, true, true
	}

	for _, s := range sessions {
		h.v.release(ctx, s)
	}
	assert.Empty(t, h.store.held(t))
}

func TestAllocateExhausted(t *testing.T) {
	h := newHarness(t)
	h.cfg.VethSubnet = "10.200.0.0/30"
	v := NewValidator(h.cfg, h.exec, h.v.locks, &fakeIssuer{}, fakeResolver{})
	ctx := context.Background()

	ok, err := v.locks.Acquire(ctx, subnetLock(0))
	require.NoError(t, err)
	require.True(t, ok)

	_, err = v.allocate(ctx, "42")
	assert.ErrorIs(t, err, locks.ErrAllocationExhausted)
	assert.Equal(t, []string{"lock_" + subnetLock(0)}, h.store.held(t))
}

func TestInterfaceIDFitsKernelLimit(t *testing.T) {
	id, err := newInterfaceID("Some-Very-Long_PeerID!!")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(id), 15)
	assert.True(t, strings.HasPrefix(id, "tpnsomever"), id)

	id, err = newInterfaceID("")
	require.NoError(t, err)
	assert.Len(t, id, 8)
}

func TestVethBlocks(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, 16384, h.v.blocks)

	b := blockAt(h.v.vethPool, 0)
	assert.Equal(t, "10.200.0.0/30", b.subnet.String())
	assert.Equal(t, "10.200.0.1", b.host.String())
	assert.Equal(t, "10.200.0.2", b.peer.String())

	b = blockAt(h.v.vethPool, 70)
	assert.Equal(t, "10.200.1.24/30", b.subnet.String())
	assert.Equal(t, "10.200.1.25", b.host.String())
}

func TestDefaultRouteDevice(t *testing.T) {
	assert.Equal(t, "eth0", defaultRouteDevice("default via 172.17.0.1 dev eth0 proto static\n"))
	assert.Equal(t, "wlan0", defaultRouteDevice("10.0.0.0/8 dev br0\ndefault dev wlan0 scope link\n"))
	assert.Empty(t, defaultRouteDevice(""))
}

func TestHostInterfaceFromDefaultRoute(t *testing.T) {
	h := newHarness(t)
	h.cfg.HostInterface = ""
	h.exec.script = func(cmd string) (shell.Result, error, bool) {
		if cmd == "ip route show default" {
			return shell.Result{Stdout: "default via 192.0.2.1 dev ens3 proto dhcp\n"}, nil, true
		}
		return shell.Result{}, nil, false
	}

	result := h.v.ValidateConfig(context.Background(), peerConfig, "42")
	assert.True(t, result.Valid, result.Message)
	assert.NotEmpty(t, h.exec.matching("-o ens3 -j MASQUERADE"))
}
