package database

import (
	"time"
)

type Challenge struct {
	ID        string     `db:"id" json:"challenge"`
	Response  string     `db:"response" json:"response"`
	MinerUID  string     `db:"miner_uid" json:"minerUid"`
	CreatedAt time.Time  `db:"created_at" json:"createdAt"`
	SolvedAt  *time.Time `db:"solved_at" json:"solvedAt,omitempty"`
}

type IPRecord struct {
	IPAddress string    `db:"ip_address" json:"ipAddress"`
	Country   string    `db:"country" json:"country"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// IPStats describes the non-stale IP population as seen before an upsert.
type IPStats struct {
	IPCount        int
	CountryCount   int
	PctSameCountry int
}

// ScoreRecord rows are append-only; the earliest row for a challenge is authoritative.
type ScoreRecord struct {
	Challenge              string  `db:"challenge"`
	Correct                bool    `db:"correct"`
	Score                  int     `db:"score"`
	SpeedScore             float64 `db:"speed_score"`
	UniquenessScore        float64 `db:"uniqueness_score"`
	CountryUniquenessScore float64 `db:"country_uniqueness_score"`
	SolvedAt               int64   `db:"solved_at"`
}
