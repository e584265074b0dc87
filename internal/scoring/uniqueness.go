// Package scoring turns a solved challenge and the caller's network identity
// into the trust score used for payouts.
package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"tpn/internal/config"
	"tpn/internal/database"
	"tpn/internal/geoip"
	"tpn/internal/kvstore"
	"tpn/internal/logging"
)

const (
	// CooldownWindow is how long an IP is scored 0 after being scored.
	CooldownWindow = 6 * time.Second
	Epoch          = 72 * time.Minute
	// StaleAfter bounds which IPs count towards the country distribution.
	StaleAfter = 2 * Epoch

	DatacenterPenalty = 0.9
	CurveExponent     = 5

	statsCacheTTL = 60 * time.Second
	statsCacheKey = "miner_stats"
)

// ErrUndeterminedIdentity means the caller's IP or country is unknown. It is
// a hard failure, never a zero score.
var ErrUndeterminedIdentity = errors.New("cannot determine identity of request")

// IPStore is the IP history kept in the database.
type IPStore interface {
	SaveIPAndReturnStats(ctx context.Context, ip, country string, now time.Time, staleAfter time.Duration) (database.IPStats, error)
	CountryCounts(ctx context.Context, since time.Time) (map[string]int, error)
	IPsByCountry(ctx context.Context, country string, since time.Time) ([]string, error)
}

// Uniqueness is the scoring outcome for one caller. CountryUniquenessScore
// is absent when the caller was rate limited.
type Uniqueness struct {
	UniquenessScore        *float64 `json:"uniqueness_score,omitempty"`
	CountryUniquenessScore *float64 `json:"country_uniqueness_score,omitempty"`
}

// Value is the uniqueness score, 0 when unset.
func (u Uniqueness) Value() float64 {
	if u.UniquenessScore == nil {
		return 0
	}
	return *u.UniquenessScore
}

type Engine struct {
	store        kvstore.Store
	db           IPStore
	geo          geoip.Locator
	fastTestMode bool
	now          func() time.Time
}

func NewEngine(cfg *config.Config, store kvstore.Store, db IPStore, geo geoip.Locator) *Engine {
	return &Engine{
		store:        store,
		db:           db,
		geo:          geo,
		fastTestMode: cfg.FastTestMode,
		now:          time.Now,
	}
}

// ScoreRequestUniqueness scores originIP against the recently seen IPs.
// originIP must come from the transport layer.
func (e *Engine) ScoreRequestUniqueness(ctx context.Context, originIP string, disableRateLimit bool) (Uniqueness, error) {
	log := logging.WithContextFields(logging.LogFields{"ip": originIP})

	if originIP == "" {
		log.Info("cannot determine ip address of request")
		return Uniqueness{}, ErrUndeterminedIdentity
	}

	country := e.geo.Country(originIP)
	if country == "" && !e.fastTestMode {
		log.Info("cannot determine country of request")
		return Uniqueness{}, ErrUndeterminedIdentity
	}

	now := e.now()
	lastSeenKey := "last_seen_" + originIP

	lastSeen, seen, err := e.lastSeen(ctx, lastSeenKey)
	if err != nil {
		return Uniqueness{}, err
	}
	if since := now.Sub(lastSeen); !disableRateLimit && seen && since < CooldownWindow {
		log.WithField("since", since.String()).Info("ip seen within cooldown, scoring as 0")
		zero := 0.0
		return Uniqueness{UniquenessScore: &zero}, nil
	}

	stamp := []byte(strconv.FormatInt(now.UnixMilli(), 10))
	if err := e.store.Set(ctx, lastSeenKey, stamp, 2*CooldownWindow); err != nil {
		return Uniqueness{}, fmt.Errorf("failed to record last seen: %w", err)
	}

	var isDatacenter bool
	var stats database.IPStats

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		isDatacenter = geoip.IsDatacenterIP(e.geo, originIP)
		return nil
	})
	g.Go(func() error {
		var err error
		stats, err = e.db.SaveIPAndReturnStats(gctx, originIP, country, now, StaleAfter)
		return err
	})
	if err := g.Wait(); err != nil {
		return Uniqueness{}, fmt.Errorf("failed to save ip stats: %w", err)
	}

	countryScore, score := Curve(stats.PctSameCountry, isDatacenter)

	log.WithFields(logrus.Fields{
		"country":                  country,
		"datacenter":               isDatacenter,
		"ip_pct_same_country":      stats.PctSameCountry,
		"country_uniqueness_score": countryScore,
		"uniqueness_score":         score,
	}).Info("scored request uniqueness")

	return Uniqueness{UniquenessScore: &score, CountryUniquenessScore: &countryScore}, nil
}

// Curve returns the country uniqueness score for a country share and the
// uniqueness score after the convexity curve.
func Curve(pctSameCountry int, datacenter bool) (float64, float64) {
	penalty := 1.0
	if datacenter {
		penalty = DatacenterPenalty
	}
	countryScore := float64(100-pctSameCountry) * penalty
	return countryScore, math.Pow(countryScore/100, CurveExponent) * 100
}

func (e *Engine) lastSeen(ctx context.Context, key string) (time.Time, bool, error) {
	raw, ok, err := e.store.Get(ctx, key)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read last seen: %w", err)
	}
	if !ok {
		return time.Time{}, false, nil
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// CountryStats maps country to the number of active IPs, cached for a minute.
func (e *Engine) CountryStats(ctx context.Context) (map[string]int, error) {
	if raw, ok, err := e.store.Get(ctx, statsCacheKey); err == nil && ok {
		var stats map[string]int
		if err := json.Unmarshal(raw, &stats); err == nil {
			return stats, nil
		}
	}

	stats, err := e.db.CountryCounts(ctx, e.now().Add(-StaleAfter))
	if err != nil {
		return nil, fmt.Errorf("failed to count ips by country: %w", err)
	}

	if raw, err := json.Marshal(stats); err == nil {
		if err := e.store.Set(ctx, statsCacheKey, raw, statsCacheTTL); err != nil {
			logging.WithContext().WithError(err).Warning("failed to cache country stats")
		}
	}
	return stats, nil
}

// CountryIPs lists the active IPs seen from country.
func (e *Engine) CountryIPs(ctx context.Context, country string) ([]string, error) {
	ips, err := e.db.IPsByCountry(ctx, country, e.now().Add(-StaleAfter))
	if err != nil {
		return nil, fmt.Errorf("failed to list ips for %s: %w", country, err)
	}
	if ips == nil {
		ips = []string{}
	}
	return ips, nil
}
