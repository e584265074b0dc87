package challenge

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"tpn/internal/config"
	"tpn/internal/crypto"
	"tpn/internal/database"
)

// Store is the slice of the database the protocol needs.
type Store interface {
	CreateChallenge(ctx context.Context, challenge *database.Challenge) error
	GetChallenge(ctx context.Context, id string) (*database.Challenge, error)
	MarkChallengeSolved(ctx context.Context, id string, at time.Time) (time.Time, error)
}

type Solution struct {
	Correct   bool
	MsToSolve int64
	SolvedAt  time.Time
}

type Service struct {
	cfg    *config.Config
	db     Store
	secret []byte
	now    func() time.Time
}

func NewService(cfg *config.Config, db Store, secret []byte) *Service {
	return &Service{
		cfg:    cfg,
		db:     db,
		secret: secret,
		now:    time.Now,
	}
}

func (s *Service) GenerateChallenge(ctx context.Context, minerUID string) (*database.Challenge, error) {
	challengeID, err := crypto.GenerateRandomBytes(16)
	if err != nil {
		return nil, fmt.Errorf("failed to generate challenge ID: %w", err)
	}

	id := hex.EncodeToString(challengeID)
	response, err := crypto.DeriveResponse(s.secret, id)
	if err != nil {
		return nil, fmt.Errorf("failed to derive response: %w", err)
	}

	if minerUID == "" {
		minerUID = "unknown"
	}

	challenge := &database.Challenge{
		ID:        id,
		Response:  response,
		MinerUID:  minerUID,
		CreatedAt: s.now(),
	}

	if err := s.db.CreateChallenge(ctx, challenge); err != nil {
		return nil, fmt.Errorf("failed to store challenge: %w", err)
	}

	return challenge, nil
}

// Lookup returns the stored response for id, or "" when id is unknown.
func (s *Service) Lookup(ctx context.Context, id string) (string, error) {
	challenge, err := s.db.GetChallenge(ctx, id)
	if err != nil {
		return "", fmt.Errorf("failed to get challenge: %w", err)
	}
	if challenge == nil {
		return "", nil
	}
	return challenge.Response, nil
}

// Solve checks response against id. Only the first correct solve stamps
// the challenge; later calls read back the same timestamp.
func (s *Service) Solve(ctx context.Context, id, response string) (*Solution, error) {
	challenge, err := s.db.GetChallenge(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get challenge: %w", err)
	}

	if challenge == nil || !crypto.EqualResponses(challenge.Response, response) {
		return &Solution{Correct: false}, nil
	}

	solvedAt, err := s.db.MarkChallengeSolved(ctx, id, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to mark challenge as solved: %w", err)
	}

	ms := solvedAt.Sub(challenge.CreatedAt).Milliseconds()
	if ms < 0 {
		ms = 0
	}

	return &Solution{
		Correct:   true,
		MsToSolve: ms,
		SolvedAt:  solvedAt,
	}, nil
}

// ChallengeURL is where a miner's tunnel fetches the response for id.
func (s *Service) ChallengeURL(id string) string {
	return fmt.Sprintf("%s/challenge/%s", s.cfg.PublicValidatorURL, id)
}
