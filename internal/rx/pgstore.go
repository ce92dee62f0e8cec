package rx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore implements Store on postgres. Claim/decision/stock paths rely on
// row locks (FOR UPDATE) and status-guarded updates so concurrent requests
// serialize per prescription, per reviewer, and per product. See schema.sql.
type PGStore struct{ DB *pgxpool.Pool }

var _ Store = (*PGStore)(nil)

func NewPGStore(db *pgxpool.Pool) *PGStore { return &PGStore{DB: db} }

func insertActivity(ctx context.Context, tx pgx.Tx, prescriptionID, reviewerID, action, desc string) error {
	var rid any
	if reviewerID != "" {
		rid = reviewerID
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO activity_log(id, prescription_id, reviewer_id, action, description)
		VALUES ($1,$2,$3,$4,$5)`,
		uuid.NewString(), prescriptionID, rid, action, desc)
	return err
}

func (s *PGStore) CreatePrescription(ctx context.Context, p *Prescription) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.Status = StatusPending
	meds, err := json.Marshal(p.Meds)
	if err != nil {
		return fmt.Errorf("marshal medications: %w", err)
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO prescriptions(id, customer_id, status, priority, urgent, medications)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING uploaded_at, updated_at`,
		p.ID, p.CustomerID, p.Status, p.Priority, p.Urgent, meds,
	).Scan(&p.UploadedAt, &p.UpdatedAt)
	if err != nil {
		return err
	}
	if err := insertActivity(ctx, tx, p.ID, "",
		ActionSubmitted, fmt.Sprintf("prescription submitted with %d medication(s)", len(p.Meds))); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func scanPrescription(row pgx.Row) (*Prescription, error) {
	var p Prescription
	var reviewerID, orderID *string
	var meds []byte
	err := row.Scan(&p.ID, &p.CustomerID, &p.Status, &reviewerID, &p.Priority, &p.Urgent,
		&meds, &p.UploadedAt, &p.AssignedAt, &p.UpdatedAt, &p.VerifiedAt, &orderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if reviewerID != nil {
		p.ReviewerID = *reviewerID
	}
	if orderID != nil {
		p.OrderID = *orderID
	}
	if err := json.Unmarshal(meds, &p.Meds); err != nil {
		return nil, fmt.Errorf("unmarshal medications: %w", err)
	}
	return &p, nil
}

const prescriptionCols = `id, customer_id, status, reviewer_id, priority, urgent,
	medications, uploaded_at, assigned_at, updated_at, verified_at, order_id`

func (s *PGStore) GetPrescription(ctx context.Context, id string) (*Prescription, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+prescriptionCols+` FROM prescriptions WHERE id=$1`, id)
	return scanPrescription(row)
}

// snapshotTx recomputes the reviewer's load inside the caller's transaction.
// Call after locking the reviewer row so the numbers cannot move under us.
func snapshotTx(ctx context.Context, tx pgx.Tx, reviewerID string, available bool, capacity int) (CapacitySnapshot, error) {
	snap := CapacitySnapshot{ReviewerID: reviewerID, Max: capacity, Available: available}
	day := DayStart(time.Now())

	err := tx.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status='in_review'),
			COUNT(*) FILTER (WHERE assigned_at >= $2)
		FROM prescriptions WHERE reviewer_id=$1`,
		reviewerID, day,
	).Scan(&snap.Current, &snap.DailyCount)
	if err != nil {
		return snap, err
	}

	var avg *float64
	var decided int
	err = tx.QueryRow(ctx, `
		SELECT EXTRACT(EPOCH FROM AVG(verified_at - uploaded_at))::float8, COUNT(*)
		FROM prescriptions
		WHERE reviewer_id=$1 AND verified_at IS NOT NULL`,
		reviewerID,
	).Scan(&avg, &decided)
	if err != nil {
		return snap, err
	}
	if decided > 0 && avg != nil {
		snap.AvgSeconds = *avg
		snap.HasHistory = true
	}
	snap.CanAcceptMore = snap.Available && snap.DailyCount < snap.Max
	return snap, nil
}

func (s *PGStore) ClaimForReview(ctx context.Context, prescriptionID, reviewerID string, force bool) (CapacitySnapshot, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return CapacitySnapshot{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status Status
	err = tx.QueryRow(ctx, `SELECT status FROM prescriptions WHERE id=$1 FOR UPDATE`, prescriptionID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CapacitySnapshot{}, ErrNotFound
		}
		return CapacitySnapshot{}, err
	}
	if status != StatusPending {
		return CapacitySnapshot{}, ErrAlreadyAssigned
	}

	// Lock the reviewer row so concurrent claims serialize the capacity check.
	var available bool
	var capacity int
	err = tx.QueryRow(ctx, `SELECT available, daily_capacity FROM reviewers WHERE id=$1 FOR UPDATE`, reviewerID).
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
	if !force && !snap.CanAcceptMore {
		if !snap.Available {
			return snap, ErrVerifierUnavailable
		}
		return snap, &CapacityError{Snapshot: snap}
	}

	ct, err := tx.Exec(ctx, `
		UPDATE prescriptions
		SET status='in_review', reviewer_id=$2, assigned_at=now(), updated_at=now()
		WHERE id=$1 AND status='pending'`,
		prescriptionID, reviewerID)
	if err != nil {
		return CapacitySnapshot{}, err
	}
	if ct.RowsAffected() != 1 {
		return CapacitySnapshot{}, ErrAlreadyAssigned
	}
	if _, err := tx.Exec(ctx, `UPDATE reviewers SET last_activity_at=now() WHERE id=$1`, reviewerID); err != nil {
		return CapacitySnapshot{}, err
	}

	desc := "assigned for review"
	if force {
		desc = "assigned for review (capacity override)"
	}
	if err := insertActivity(ctx, tx, prescriptionID, reviewerID, ActionAssigned, desc); err != nil {
		return CapacitySnapshot{}, err
	}

	after, err := snapshotTx(ctx, tx, reviewerID, available, capacity)
	if err != nil {
		return CapacitySnapshot{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return CapacitySnapshot{}, err
	}
	return after, nil
}

func (s *PGStore) ReassignReview(ctx context.Context, prescriptionID, newReviewerID, reason string) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status Status
	var prev *string
	err = tx.QueryRow(ctx, `SELECT status, reviewer_id FROM prescriptions WHERE id=$1 FOR UPDATE`, prescriptionID).
		Scan(&status, &prev)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if status != StatusInReview {
		return &TransitionError{From: status, To: StatusInReview}
	}

	var available bool
	var capacity int
	err = tx.QueryRow(ctx, `SELECT available, daily_capacity FROM reviewers WHERE id=$1 FOR UPDATE`, newReviewerID).
		Scan(&available, &capacity)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	snap, err := snapshotTx(ctx, tx, newReviewerID, available, capacity)
	if err != nil {
		return err
	}
	if !snap.Available {
		return ErrVerifierUnavailable
	}
	if !snap.CanAcceptMore {
		return &CapacityError{Snapshot: snap}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE prescriptions
		SET reviewer_id=$2, assigned_at=now(), updated_at=now()
		WHERE id=$1`,
		prescriptionID, newReviewerID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE reviewers SET last_activity_at=now() WHERE id=$1`, newReviewerID); err != nil {
		return err
	}

	prevID := ""
	if prev != nil {
		prevID = *prev
	}
	if err := insertActivity(ctx, tx, prescriptionID, newReviewerID, ActionReassigned,
		fmt.Sprintf("reassigned from %s to %s: %s", prevID, newReviewerID, reason)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGStore) ApplyDecision(ctx context.Context, prescriptionID, reviewerID string, decision Decision, notes string, adminOverride bool) (*Prescription, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status Status
	var holder *string
	err = tx.QueryRow(ctx, `SELECT status, reviewer_id FROM prescriptions WHERE id=$1 FOR UPDATE`, prescriptionID).
		Scan(&status, &holder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	target := decision.TargetStatus()
	if !CanTransition(status, target) {
		return nil, &TransitionError{From: status, To: target}
	}
	if !adminOverride && (holder == nil || *holder != reviewerID) {
		return nil, ErrNotAssignee
	}

	verifiedAt := "NULL"
	if target.Terminal() {
		verifiedAt = "now()"
	}
	ct, err := tx.Exec(ctx, `
		UPDATE prescriptions
		SET status=$2, updated_at=now(), verified_at=`+verifiedAt+`
		WHERE id=$1 AND status=$3`,
		prescriptionID, target, status)
	if err != nil {
		return nil, err
	}
	if ct.RowsAffected() != 1 {
		return nil, &TransitionError{From: status, To: target}
	}

	if target.Terminal() {
		approved := 0
		rejected := 0
		if target == StatusApproved {
			approved = 1
		} else {
			rejected = 1
		}
		if _, err := tx.Exec(ctx, `
			UPDATE reviewers
			SET total_verified = total_verified + 1,
			    total_approved = total_approved + $2,
			    total_rejected = total_rejected + $3,
			    last_activity_at = now()
			WHERE id=$1`,
			reviewerID, approved, rejected); err != nil {
			return nil, err
		}
	}

	if err := insertActivity(ctx, tx, prescriptionID, reviewerID, ActionDecision,
		fmt.Sprintf("decision %s: %s", decision, notes)); err != nil {
		return nil, err
	}

	p, err := scanPrescription(tx.QueryRow(ctx, `SELECT `+prescriptionCols+` FROM prescriptions WHERE id=$1`, prescriptionID))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PGStore) Resubmit(ctx context.Context, prescriptionID string) (*Prescription, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status Status
	err = tx.QueryRow(ctx, `SELECT status FROM prescriptions WHERE id=$1 FOR UPDATE`, prescriptionID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !CanTransition(status, StatusPending) {
		return nil, &TransitionError{From: status, To: StatusPending}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE prescriptions
		SET status='pending', reviewer_id=NULL, assigned_at=NULL, updated_at=now()
		WHERE id=$1`, prescriptionID); err != nil {
		return nil, err
	}
	if err := insertActivity(ctx, tx, prescriptionID, "", ActionResubmitted,
		"prescription re-submitted after clarification"); err != nil {
		return nil, err
	}

	p, err := scanPrescription(tx.QueryRow(ctx, `SELECT `+prescriptionCols+` FROM prescriptions WHERE id=$1`, prescriptionID))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return p, nil
}
