package rx

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func (s *PGStore) CreateReviewer(ctx context.Context, r *Reviewer) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO reviewers(id, name, available, daily_capacity)
		VALUES ($1,$2,$3,$4)`,
		r.ID, r.Name, r.Available, r.DailyCapacity)
	return err
}

func (s *PGStore) GetReviewer(ctx context.Context, id string) (*Reviewer, error) {
	var r Reviewer
	err := s.DB.QueryRow(ctx, `
		SELECT id, name, available, daily_capacity, total_verified, total_approved, total_rejected, last_activity_at
		FROM reviewers WHERE id=$1`, id,
	).Scan(&r.ID, &r.Name, &r.Available, &r.DailyCapacity,
		&r.TotalVerified, &r.TotalApproved, &r.TotalRejected, &r.LastActivityAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (s *PGStore) SetReviewerAvailability(ctx context.Context, id string, available bool) error {
	ct, err := s.DB.Exec(ctx, `UPDATE reviewers SET available=$2 WHERE id=$1`, id, available)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) Snapshot(ctx context.Context, reviewerID string) (CapacitySnapshot, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return CapacitySnapshot{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var available bool
	var capacity int
	err = tx.QueryRow(ctx, `SELECT available, daily_capacity FROM reviewers WHERE id=$1`, reviewerID).
		Scan(&available, &capacity)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CapacitySnapshot{}, ErrNotFound
		}
		return CapacitySnapshot{}, err
	}
	snap, err := snapshotTx(ctx, tx, reviewerID, available, capacity)
	if err != nil {
		return CapacitySnapshot{}, err
	}
	return snap, tx.Commit(ctx)
}

func (s *PGStore) AvailableSnapshots(ctx context.Context) ([]CapacitySnapshot, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id, available, daily_capacity FROM reviewers
		WHERE available = true ORDER BY id`)
	if err != nil {
		return nil, err
	}
	type rv struct {
		id        string
		available bool
		capacity  int
	}
	var rvs []rv
	for rows.Next() {
		var x rv
		if err := rows.Scan(&x.id, &x.available, &x.capacity); err != nil {
			rows.Close()
			return nil, err
		}
		rvs = append(rvs, x)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]CapacitySnapshot, 0, len(rvs))
	for _, x := range rvs {
		snap, err := snapshotTx(ctx, tx, x.id, x.available, x.capacity)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, tx.Commit(ctx)
}
