// Package lifecycle checks consultation state before a join is admitted. The
// relay itself never writes consultation rows; scheduling and completion are
// owned by the clinic backend, and the relay only reads the current state.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrRoomNotFound    = errors.New("consultation not found")
	ErrRoomNotJoinable = errors.New("consultation not joinable")
	ErrNotParticipant  = errors.New("not a participant of this consultation")
)

// Statuses under which a consultation accepts participants.
const (
	statusScheduled  = "SCHEDULED"
	statusInProgress = "IN_PROGRESS"
)

const consultationQuery = `
SELECT status, doctor_id, patient_id
FROM consultations
WHERE id = $1`

const observerQuery = `
SELECT EXISTS (
	SELECT 1
	FROM consultation_observers
	WHERE consultation_id = $1 AND user_id = $2
)`

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store authorizes joins against the clinic's consultations table.
type Store struct {
	db     querier
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects to the clinic database and verifies the connection.
func Open(ctx context.Context, databaseURL string, logger *slog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to consultation db: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping consultation db: %w", err)
	}

	return &Store{db: pool, pool: pool, logger: logger}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// AuthorizeJoin admits a principal into a room when the room is a known
// consultation that is scheduled or in progress and the principal is its
// doctor, its patient, or a registered observer. Room IDs are consultation
// IDs.
func (s *Store) AuthorizeJoin(ctx context.Context, roomID, principal string) error {
	var status, doctorID, patientID string
	err := s.db.QueryRow(ctx, consultationQuery, roomID).Scan(&status, &doctorID, &patientID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrRoomNotFound
	}
	if err != nil {
		return fmt.Errorf("look up consultation %q: %w", roomID, err)
	}

	switch status {
	case statusScheduled, statusInProgress:
	default:
		return fmt.Errorf("%w: status %s", ErrRoomNotJoinable, status)
	}

	if principal == doctorID || principal == patientID {
		return nil
	}

	var observer bool
	if err := s.db.QueryRow(ctx, observerQuery, roomID, principal).Scan(&observer); err != nil {
		return fmt.Errorf("look up observers for consultation %q: %w", roomID, err)
	}
	if !observer {
		return ErrNotParticipant
	}
	return nil
}
