// Package wireguard proves that a miner's WireGuard configuration yields a
// working tunnel. Each attempt runs inside a throwaway network namespace
// whose only route out is the candidate tunnel.
package wireguard

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tpn/internal/config"
	"tpn/internal/locks"
	"tpn/internal/logging"
	"tpn/internal/peerconfig"
	"tpn/internal/shell"
)

const (
	maxCollisionRetries = 3
	teardownTimeout     = 30 * time.Second
)

var defaultVethPool = netip.MustParsePrefix("10.200.0.0/16")

type Result struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message"`
}

type Validator struct {
	cfg      *config.Config
	exec     shell.Executor
	locks    *locks.Registry
	resolver Resolver
	prover   *Prover
	parser   *peerconfig.Validator
	log      *logrus.Entry

	vethPool     netip.Prefix
	blocks       int
	pollInterval time.Duration
}

func NewValidator(cfg *config.Config, exec shell.Executor, registry *locks.Registry, issuer Issuer, resolver Resolver) *Validator {
	log := logging.WithContext()

	pool, err := netip.ParsePrefix(cfg.VethSubnet)
	if err != nil || blockCount(pool) == 0 {
		log.WithField("veth_subnet", cfg.VethSubnet).Warning("unusable veth subnet, using default")
		pool = defaultVethPool
	}
	pool = pool.Masked()

	return &Validator{
		cfg:          cfg,
		exec:         exec,
		locks:        registry,
		resolver:     resolver,
		prover:       NewProver(exec, issuer, cfg.TestTimeout()),
		parser:       peerconfig.NewValidator(),
		log:          log,
		vethPool:     pool,
		blocks:       blockCount(pool),
		pollInterval: cfg.IPWaitInterval(),
	}
}

// ValidateConfig runs one full validation attempt for peerConfig. It never
// returns an error or panics; every failure becomes Valid=false, and host
// resources are released on every path.
func (v *Validator) ValidateConfig(ctx context.Context, peerConfig, peerID string) (result Result) {
	logTag := fmt.Sprintf("[ %s_%s ]", peerID, strings.Split(uuid.NewString(), "-")[0])
	log := logging.WithContextFields(logging.LogFields{"log_tag": logTag, "peer_id": peerID})

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("validation panicked")
			result = Result{Valid: false, Message: fmt.Sprintf("Error validating wireguard config for peer %s: %v", peerID, r)}
		}
	}()

	if strings.TrimSpace(peerConfig) == "" {
		return Result{Valid: false, Message: "No wireguard config provided"}
	}

	pc, err := v.parser.Parse(peerConfig)
	if err != nil {
		var missing *peerconfig.MissingPropertiesError
		var format *peerconfig.FormatError
		switch {
		case errors.As(err, &missing):
			log.WithField("missing", missing.Missing).Warning("config is missing required properties")
			return Result{Valid: false, Message: fmt.Sprintf("Wireguard config for peer %s is missing required properties: %s", peerID, strings.Join(missing.Missing, ", "))}
		case errors.As(err, &format):
			log.WithField("problems", format.Problems).Warning("config has format errors")
			return Result{Valid: false, Message: fmt.Sprintf("Wireguard config for peer %s has format errors: %s", peerID, strings.Join(format.Problems, ", "))}
		default:
			return Result{Valid: false, Message: fmt.Sprintf("Wireguard config for peer %s is invalid: %v", peerID, err)}
		}
	}

	s, err := v.allocate(ctx, peerID)
	if err != nil {
		log.WithError(err).Warning("failed to allocate identifiers")
		return Result{Valid: false, Message: fmt.Sprintf("Error validating wireguard config for peer %s: %v", peerID, err)}
	}
	defer func() { v.release(ctx, s) }()

	log = log.WithFields(logrus.Fields{"interface": s.interfaceID, "namespace": s.namespaceID, "veth": s.vethID})

	endpointIP, err := v.resolveEndpoint(ctx, pc)
	if err != nil {
		log.WithError(err).Warning("failed to resolve endpoint")
		return Result{Valid: false, Message: fmt.Sprintf("Error resolving endpoint %s: %v", pc.EndpointHost(), err)}
	}

	address := pc.NormalizedAddress()

	if !v.WaitForIPFree(ctx, address, v.cfg.LockTTL()) {
		cleared, err := v.CleanUpInterfaces(ctx, CleanupOptions{IPAddresses: []string{address}})
		if err != nil || !cleared {
			log.WithField("address", address).Warning("address still in use after cleanup")
			return Result{Valid: false, Message: fmt.Sprintf("IP address %s is still in use after cleanup", address)}
		}
		log.WithField("address", address).Info("address free after cleanup")
	}

	if err := v.locks.Mark(ctx, ipLock(address), v.cfg.LockTTL()); err != nil {
		log.WithError(err).Warning("failed to mark address in process")
	}
	defer v.locks.Release(context.WithoutCancel(ctx), ipLock(address))

	for attempt := 1; ; attempt++ {
		proof, err := v.attempt(ctx, s, pc, endpointIP, address, log)

		if errors.Is(err, ErrResourceCollision) && attempt < maxCollisionRetries {
			log.WithError(err).WithField("attempt", attempt).Warning("resource collision, retrying with new identifiers")
			v.release(ctx, s)
			if s, err = v.allocate(ctx, peerID); err != nil {
				return Result{Valid: false, Message: fmt.Sprintf("Error validating wireguard config for peer %s: %v", peerID, err)}
			}
			log = log.WithFields(logrus.Fields{"interface": s.interfaceID, "namespace": s.namespaceID, "veth": s.vethID})
			continue
		}

		if err != nil {
			log.WithError(err).Error("error validating wireguard config")
			return Result{Valid: false, Message: fmt.Sprintf("Error validating wireguard config for peer %s: %v", peerID, err)}
		}

		if !proof.Correct {
			log.WithField("challenge", proof.Challenge).Info("config failed challenge")
			return Result{Valid: false, Message: fmt.Sprintf("Wireguard config failed challenge for peer %s", peerID)}
		}

		log.WithField("challenge", proof.Challenge).Info("config passed")
		return Result{Valid: true, Message: fmt.Sprintf("Wireguard config passed for peer %s %s with response %s", peerID, proof.Challenge, proof.Response)}
	}
}

// attempt builds the session, proves connectivity through it and always
// tears it down again.
func (v *Validator) attempt(ctx context.Context, s *session, pc *peerconfig.PeerConfig, endpointIP, address string, log *logrus.Entry) (*Proof, error) {
	defer func() {
		teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		defer cancel()
		v.teardown(teardownCtx, s)
	}()

	if err := v.build(ctx, s, pc, endpointIP, address, log); err != nil {
		return nil, err
	}

	return v.prover.Prove(ctx, s.namespaceID)
}

func (v *Validator) resolveEndpoint(ctx context.Context, pc *peerconfig.PeerConfig) (string, error) {
	host := pc.EndpointHost()
	if peerconfig.IsIPv4Literal(host) {
		return host, nil
	}
	return v.resolver.LookupIPv4(ctx, host)
}
