package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"tpn/internal/challenge"
	"tpn/internal/database"
	"tpn/internal/kvstore"
	"tpn/internal/logging"
	"tpn/internal/wireguard"
)

type Solver interface {
	Solve(ctx context.Context, id, response string) (*challenge.Solution, error)
}

type TunnelValidator interface {
	ValidateConfig(ctx context.Context, peerConfig, peerID string) wireguard.Result
}

type ScoreStore interface {
	SaveScore(ctx context.Context, score *database.ScoreRecord) error
	GetScore(ctx context.Context, challenge string) (*database.ScoreRecord, error)
}

// SpeedScore is 100 for an instant solve, falling exponentially to 0 at
// about 6.65 seconds.
func SpeedScore(msToSolve int64) float64 {
	if msToSolve < 0 {
		msToSolve = 0
	}
	penalty := math.Min(100, math.Pow(2, float64(msToSolve)/1000)-1)
	return 100 - penalty
}

func CompositeScore(uniqueness, speed float64) int {
	return int(math.Round((uniqueness + speed) / 2))
}

type Result struct {
	Correct                bool
	Score                  int
	SpeedScore             float64
	UniquenessScore        float64
	CountryUniquenessScore float64
	SolvedAt               time.Time
}

// MarshalJSON writes only "correct" for an incorrect result.
func (r *Result) MarshalJSON() ([]byte, error) {
	if !r.Correct {
		return json.Marshal(struct {
			Correct bool `json:"correct"`
		}{false})
	}
	return json.Marshal(struct {
		Correct         bool    `json:"correct"`
		Score           int     `json:"score"`
		SpeedScore      float64 `json:"speed_score"`
		UniquenessScore float64 `json:"uniqueness_score"`
		SolvedAt        int64   `json:"solved_at"`
	}{r.Correct, r.Score, r.SpeedScore, r.UniquenessScore, r.SolvedAt.UnixMilli()})
}

func (r *Result) record(challengeID string) *database.ScoreRecord {
	return &database.ScoreRecord{
		Challenge:              challengeID,
		Correct:                r.Correct,
		Score:                  r.Score,
		SpeedScore:             r.SpeedScore,
		UniquenessScore:        r.UniquenessScore,
		CountryUniquenessScore: r.CountryUniquenessScore,
		SolvedAt:               r.SolvedAt.UnixMilli(),
	}
}

func resultFromRecord(rec *database.ScoreRecord) *Result {
	return &Result{
		Correct:                rec.Correct,
		Score:                  rec.Score,
		SpeedScore:             rec.SpeedScore,
		UniquenessScore:        rec.UniquenessScore,
		CountryUniquenessScore: rec.CountryUniquenessScore,
		SolvedAt:               time.UnixMilli(rec.SolvedAt),
	}
}

type PeerRequest struct {
	PeerConfig string
	PeerID     string
}

// Composite scores solved challenges. A challenge is scored at most once;
// later and concurrent reads return the stored result unchanged.
type Composite struct {
	inflight singleflight.Group

	engine   *Engine
	solver   Solver
	tunnels  TunnelValidator
	scores   ScoreStore
	cache    kvstore.Store
	cacheTTL time.Duration
}

func NewComposite(engine *Engine, solver Solver, tunnels TunnelValidator, scores ScoreStore, store kvstore.Store, cacheTTL time.Duration) *Composite {
	return &Composite{
		engine:   engine,
		solver:   solver,
		tunnels:  tunnels,
		scores:   scores,
		cache:    store,
		cacheTTL: cacheTTL,
	}
}

func (c *Composite) Score(ctx context.Context, challengeID, response, originIP string) (*Result, error) {
	return c.score(ctx, challengeID, response, originIP, nil)
}

// ScoreWithTunnel also requires peer's tunnel to validate before scoring.
func (c *Composite) ScoreWithTunnel(ctx context.Context, challengeID, response, originIP string, peer PeerRequest) (*Result, error) {
	return c.score(ctx, challengeID, response, originIP, &peer)
}

// score collapses concurrent requests for the same solution into one
// evaluation. The tunnel variant is keyed apart so it never shares a result
// that skipped tunnel validation.
func (c *Composite) score(ctx context.Context, challengeID, response, originIP string, peer *PeerRequest) (*Result, error) {
	key := challengeID + "/" + response
	if peer != nil {
		key += "/tunnel"
	}

	v, err, _ := c.inflight.Do(key, func() (interface{}, error) {
		return c.evaluate(ctx, challengeID, response, originIP, peer)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (c *Composite) evaluate(ctx context.Context, challengeID, response, originIP string, peer *PeerRequest) (*Result, error) {
	log := logging.WithContextFields(logging.LogFields{"challenge": challengeID, "ip": originIP})

	if cached, err := c.lookup(ctx, challengeID); err != nil {
		return nil, err
	} else if cached != nil {
		log.Info("returning cached score")
		return cached, nil
	}

	solution, err := c.solver.Solve(ctx, challengeID, response)
	if err != nil {
		return nil, err
	}
	if !solution.Correct {
		return &Result{Correct: false}, nil
	}

	if peer != nil {
		validation := c.tunnels.ValidateConfig(ctx, peer.PeerConfig, peer.PeerID)
		if !validation.Valid {
			log.WithField("message", validation.Message).Info("tunnel validation failed")
			return &Result{Correct: false}, nil
		}
	}

	uniqueness, err := c.engine.ScoreRequestUniqueness(ctx, originIP, false)
	if err != nil {
		return nil, err
	}

	speed := SpeedScore(solution.MsToSolve)
	result := &Result{
		Correct:         true,
		Score:           CompositeScore(uniqueness.Value(), speed),
		SpeedScore:      speed,
		UniquenessScore: uniqueness.Value(),
		SolvedAt:        solution.SolvedAt.Truncate(time.Millisecond),
	}
	if uniqueness.CountryUniquenessScore != nil {
		result.CountryUniquenessScore = *uniqueness.CountryUniquenessScore
	}

	log.WithFields(logrus.Fields{
		"ms_to_solve": solution.MsToSolve,
		"score":       result.Score,
	}).Info("scored solution")

	return c.claim(ctx, challengeID, result, log)
}

// claim takes the cache slot for challengeID. When another evaluation got
// there first its result wins and nothing is persisted.
func (c *Composite) claim(ctx context.Context, challengeID string, result *Result, log *logrus.Entry) (*Result, error) {
	rec := result.record(challengeID)
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode score: %w", err)
	}

	won, err := c.cache.SetNX(ctx, cacheKey(challengeID), raw, c.cacheTTL)
	if err != nil {
		log.WithError(err).Warning("failed to cache score")
		won = true
	}
	if !won {
		if winner, err := c.lookup(ctx, challengeID); err == nil && winner != nil {
			log.Info("challenge already scored elsewhere, returning stored score")
			return winner, nil
		}
	}

	if err := c.scores.SaveScore(ctx, rec); err != nil {
		log.WithError(err).Warning("failed to save score")
	}
	return result, nil
}

// lookup returns the cached score, then the earliest persisted one.
func (c *Composite) lookup(ctx context.Context, challengeID string) (*Result, error) {
	raw, ok, err := c.cache.Get(ctx, cacheKey(challengeID))
	if err != nil {
		return nil, fmt.Errorf("failed to read score cache: %w", err)
	}
	if ok {
		var rec database.ScoreRecord
		if err := json.Unmarshal(raw, &rec); err == nil {
			return resultFromRecord(&rec), nil
		}
	}

	rec, err := c.scores.GetScore(ctx, challengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to read score: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	return resultFromRecord(rec), nil
}

func cacheKey(challengeID string) string {
	return "solution_score_" + challengeID
}
