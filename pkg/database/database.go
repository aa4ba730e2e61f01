package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"trail-lapse/pkg/config"
	"trail-lapse/pkg/models"
)

var db *sql.DB

const schemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	"id" INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
	"job_type" TEXT NOT NULL,
	"payload" TEXT,
	"status" TEXT NOT NULL DEFAULT 'pending',
	"error" TEXT,
	"created_at" DATETIME DEFAULT CURRENT_TIMESTAMP,
	"updated_at" DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TRIGGER IF NOT EXISTS update_jobs_updated_at
AFTER UPDATE ON jobs
FOR EACH ROW
BEGIN
	UPDATE jobs SET updated_at = CURRENT_TIMESTAMP WHERE id = OLD.id;
END;

CREATE TABLE IF NOT EXISTS regenerations (
	"id" INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
	"organization" TEXT NOT NULL,
	"trail" TEXT NOT NULL,
	"outcome" TEXT NOT NULL,
	"frame_count" INTEGER NOT NULL DEFAULT 0,
	"error" TEXT,
	"started_at" DATETIME NOT NULL,
	"finished_at" DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_regenerations_trail ON regenerations (organization, trail, finished_at);
`

// CreateSchema creates the jobs and regenerations tables if they don't exist.
func CreateSchema(conn *sql.DB) error {
	if _, err := conn.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// InitDB opens the sqlite database at config.AppConfig.DBPath and creates the schema.
// TIL SQLite needs CGO...
func InitDB() {
	var err error
	db, err = sql.Open("sqlite3", config.AppConfig.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", config.AppConfig.DBPath).Msg("Failed to open database")
	}
	if err := CreateSchema(db); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	log.Info().Str("path", config.AppConfig.DBPath).Msg("Database initialized")
}

// UseDB replaces the package connection. Tests use it with an in-memory database.
func UseDB(conn *sql.DB) {
	db = conn
}

// GetDB returns the database connection pool.
func GetDB() *sql.DB {
	return db
}

// RecordRegeneration stores a finished regeneration attempt.
func RecordRegeneration(run models.RegenerationRun) error {
	var errStr sql.NullString
	if run.Error != "" {
		errStr = sql.NullString{String: run.Error, Valid: true}
	}
	_, err := db.Exec(`INSERT INTO regenerations (organization, trail, outcome, frame_count, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.OrganizationID, run.TrailID, run.Outcome, run.FrameCount, errStr, run.StartedAt.UTC(), run.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record regeneration: %w", err)
	}
	return nil
}

// ListRegenerations returns the most recent runs first. Empty org or trail match everything.
func ListRegenerations(org, trail string, limit int) ([]models.RegenerationRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`SELECT id, organization, trail, outcome, frame_count, error, started_at, finished_at
		FROM regenerations
		WHERE (? = '' OR organization = ?) AND (? = '' OR trail = ?)
		ORDER BY finished_at DESC, id DESC
		LIMIT ?`, org, org, trail, trail, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query regenerations: %w", err)
	}
	defer rows.Close()

	runs := []models.RegenerationRun{}
	for rows.Next() {
		var run models.RegenerationRun
		var errStr sql.NullString
		if err := rows.Scan(&run.ID, &run.OrganizationID, &run.TrailID, &run.Outcome, &run.FrameCount, &errStr, &run.StartedAt, &run.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan regeneration row: %w", err)
		}
		run.Error = errStr.String
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during regeneration rows iteration: %w", err)
	}
	return runs, nil
}

// PruneRegenerations deletes runs that finished before cutoff.
func PruneRegenerations(cutoff time.Time) (int64, error) {
	result, err := db.Exec("DELETE FROM regenerations WHERE finished_at < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune regenerations: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		log.Info().Int64("deleted", rowsAffected).Msg("Pruned regeneration history")
	}
	return rowsAffected, nil
}
