package database

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	_ "github.com/lib/pq"

	"tpn/internal/config"
	"tpn/internal/logging"
)

type DB struct {
	conn *sql.DB
	cfg  *config.Config
}

func NewDB(cfg *config.Config) (*DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBSSLMode)

	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)

	db := &DB{
		conn: conn,
		cfg:  cfg,
	}

	if cfg.FastTestMode {
		logging.WithContext().Info("dropping tables in fast test mode")
		if err := db.dropTables(); err != nil {
			return nil, fmt.Errorf("failed to drop tables: %w", err)
		}
	}

	if err := db.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *DB) dropTables() error {
	for _, table := range []string{"challenges", "ip_addresses", "scores"} {
		if _, err := db.conn.Exec(`DROP TABLE IF EXISTS ` + table); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS challenges (
			id VARCHAR(255) PRIMARY KEY,
			response TEXT NOT NULL,
			miner_uid TEXT NOT NULL DEFAULT 'unknown',
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			solved_at TIMESTAMP WITH TIME ZONE
		)`,
		`CREATE TABLE IF NOT EXISTS ip_addresses (
			ip_address VARCHAR(45) PRIMARY KEY,
			country TEXT NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scores (
			challenge VARCHAR(255) NOT NULL,
			correct BOOLEAN NOT NULL,
			score BIGINT NOT NULL,
			speed_score DOUBLE PRECISION NOT NULL,
			uniqueness_score DOUBLE PRECISION NOT NULL,
			country_uniqueness_score DOUBLE PRECISION NOT NULL,
			solved_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_challenges_created_at ON challenges(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_ip_addresses_updated_at ON ip_addresses(updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_ip_addresses_country ON ip_addresses(country)`,
		`CREATE INDEX IF NOT EXISTS idx_scores_challenge ON scores(challenge)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %s, error: %w", query, err)
		}
	}

	return nil
}

func (db *DB) CreateChallenge(ctx context.Context, challenge *Challenge) error {
	query := `INSERT INTO challenges (id, response, miner_uid, created_at) VALUES ($1, $2, $3, $4)`

	_, err := db.conn.ExecContext(ctx, query, challenge.ID, challenge.Response, challenge.MinerUID, challenge.CreatedAt)

	return err
}

func (db *DB) GetChallenge(ctx context.Context, id string) (*Challenge, error) {
	query := `SELECT id, response, miner_uid, created_at, solved_at FROM challenges WHERE id = $1`

	challenge := &Challenge{}
	err := db.conn.QueryRowContext(ctx, query, id).Scan(
		&challenge.ID, &challenge.Response, &challenge.MinerUID, &challenge.CreatedAt, &challenge.SolvedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}

	return challenge, err
}

// MarkChallengeSolved sets solved_at only the first time and returns the
// stored value either way.
func (db *DB) MarkChallengeSolved(ctx context.Context, id string, at time.Time) (time.Time, error) {
	if _, err := db.conn.ExecContext(ctx,
		`UPDATE challenges SET solved_at = $1 WHERE id = $2 AND solved_at IS NULL`, at, id); err != nil {
		return time.Time{}, err
	}

	var solvedAt time.Time
	err := db.conn.QueryRowContext(ctx, `SELECT solved_at FROM challenges WHERE id = $1`, id).Scan(&solvedAt)
	return solvedAt, err
}

// SaveIPAndReturnStats counts the population before recording ip so a
// caller is not compared against itself.
func (db *DB) SaveIPAndReturnStats(ctx context.Context, ip, country string, now time.Time, staleAfter time.Duration) (IPStats, error) {
	cutoff := now.Add(-staleAfter)
	var stats IPStats

	if err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ip_addresses WHERE updated_at > $1`, cutoff).Scan(&stats.IPCount); err != nil {
		return stats, fmt.Errorf("failed to count ip addresses: %w", err)
	}

	if err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ip_addresses WHERE country = $1 AND updated_at > $2`, country, cutoff).Scan(&stats.CountryCount); err != nil {
		return stats, fmt.Errorf("failed to count ip addresses in %s: %w", country, err)
	}

	if stats.IPCount > 0 {
		stats.PctSameCountry = int(math.Round(float64(stats.CountryCount) / float64(stats.IPCount) * 100))
	}

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO ip_addresses (ip_address, country, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (ip_address) DO UPDATE SET country = EXCLUDED.country, updated_at = EXCLUDED.updated_at`,
		ip, country, now)
	if err != nil {
		return stats, fmt.Errorf("failed to save ip address: %w", err)
	}

	return stats, nil
}

func (db *DB) CountryCounts(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT country, COUNT(*) FROM ip_addresses WHERE updated_at > $1 GROUP BY country`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var country string
		var count int
		if err := rows.Scan(&country, &count); err != nil {
			return nil, err
		}
		counts[country] = count
	}
	return counts, rows.Err()
}

// IPsByCountry lists non-stale addresses, most recent first. An empty
// country lists all of them.
func (db *DB) IPsByCountry(ctx context.Context, country string, since time.Time) ([]string, error) {
	query := `SELECT ip_address FROM ip_addresses WHERE updated_at > $1 ORDER BY updated_at DESC`
	args := []interface{}{since}
	if country != "" {
		query = `SELECT ip_address FROM ip_addresses WHERE country = $1 AND updated_at > $2 ORDER BY updated_at DESC`
		args = []interface{}{country, since}
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ips []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, err
		}
		ips = append(ips, ip)
	}
	return ips, rows.Err()
}

func (db *DB) SaveScore(ctx context.Context, score *ScoreRecord) error {
	query := `INSERT INTO scores (challenge, correct, score, speed_score, uniqueness_score, country_uniqueness_score, solved_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := db.conn.ExecContext(ctx, query, score.Challenge, score.Correct, score.Score, score.SpeedScore,
		score.UniquenessScore, score.CountryUniquenessScore, score.SolvedAt)

	return err
}

func (db *DB) GetScore(ctx context.Context, challenge string) (*ScoreRecord, error) {
	query := `SELECT challenge, correct, score, speed_score, uniqueness_score, country_uniqueness_score, solved_at
			  FROM scores WHERE challenge = $1 ORDER BY solved_at ASC LIMIT 1`

	score := &ScoreRecord{}
	err := db.conn.QueryRowContext(ctx, query, challenge).Scan(
		&score.Challenge, &score.Correct, &score.Score, &score.SpeedScore,
		&score.UniquenessScore, &score.CountryUniquenessScore, &score.SolvedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}

	return score, err
}

func (db *DB) CleanupOldChallenges(olderThan time.Duration) error {
	query := `DELETE FROM challenges WHERE created_at < $1`
	cutoff := time.Now().Add(-olderThan)
	_, err := db.conn.Exec(query, cutoff)
	return err
}

func (db *DB) CleanupStaleIPs(olderThan time.Duration) error {
	query := `DELETE FROM ip_addresses WHERE updated_at < $1`
	cutoff := time.Now().Add(-olderThan)
	_, err := db.conn.Exec(query, cutoff)
	return err
}
