package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Lynn-Wanjiru/trafficalertsystem/internal/model"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const userColumns = `id, full_name, email, patrol_id, password_hash, role, created_at, updated_at`

func (s *Store) CreateUser(ctx context.Context, user model.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, full_name, email, patrol_id, password_hash, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, user.ID, user.FullName, user.Email, user.PatrolID, user.PasswordHash, string(user.Role), user.CreatedAt, user.UpdatedAt)
	return err
}

func (s *Store) GetUserByID(ctx context.Context, userID string) (model.User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id = $1
	`, userID)
	return scanUser(row)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE email = $1
	`, email)
	return scanUser(row)
}

func (s *Store) GetUserByPatrolID(ctx context.Context, patrolID string) (model.User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE patrol_id = $1 AND role = 'patrol'
	`, patrolID)
	return scanUser(row)
}

func (s *Store) ListUsersByRoles(ctx context.Context, roles []model.Role) ([]model.User, error) {
	names := make([]string, 0, len(roles))
	for _, role := range roles {
		names = append(names, string(role))
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE role = ANY($1)
		ORDER BY created_at
	`, names)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []model.User{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

type UserUpdate struct {
	FullName     *string
	Email        *string
	PasswordHash *string
}

func (s *Store) UpdateUser(ctx context.Context, userID string, update UserUpdate) (model.User, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE users
		SET full_name = COALESCE($2, full_name),
		    email = COALESCE($3, email),
		    password_hash = COALESCE($4, password_hash),
		    updated_at = $5
		WHERE id = $1
		RETURNING `+userColumns+`
	`, userID, update.FullName, update.Email, update.PasswordHash, time.Now().UTC())
	return scanUser(row)
}

// DeleteUser removes the account and cleans up alert references in the same
// transaction: a driver's alerts go with the account, a patrol's assignments
// are nulled and the alerts drop back to pending.
func (s *Store) DeleteUser(ctx context.Context, userID string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var role model.Role
	if err := tx.QueryRow(ctx, `SELECT role FROM users WHERE id = $1`, userID).Scan(&role); err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, err
	}

	switch role {
	case model.RoleDriver:
		if _, err := tx.Exec(ctx, `DELETE FROM alerts WHERE reported_by = $1`, userID); err != nil {
			return false, err
		}
	case model.RolePatrol:
		_, err := tx.Exec(ctx, `
			UPDATE alerts
			SET assigned_to = NULL, verified_by = NULL, status = 'pending', updated_at = $2
			WHERE assigned_to = $1 OR verified_by = $1
		`, userID, time.Now().UTC())
		if err != nil {
			return false, err
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM users WHERE id = $1`, userID); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

const alertColumns = `a.id, a.type, a.description, a.longitude, a.latitude, a.reported_by,
	a.status, a.assigned_to, a.verified_by, a.reroute_suggestion, a.created_at, a.updated_at`

// AlertWithReporter carries the reporter's display fields alongside the
// alert, so listings don't need a second lookup per row.
type AlertWithReporter struct {
	model.Alert
	ReporterName  string
	ReporterEmail *string
}

func (s *Store) CreateAlert(ctx context.Context, alert model.Alert) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO alerts (id, type, description, longitude, latitude, reported_by,
			status, assigned_to, verified_by, reroute_suggestion, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, alert.ID, alert.Type, alert.Description, alert.Longitude, alert.Latitude, alert.ReportedBy,
		string(alert.Status), alert.AssignedTo, alert.VerifiedBy, alert.RerouteSuggestion, alert.CreatedAt, alert.UpdatedAt)
	return err
}

func (s *Store) GetAlertByID(ctx context.Context, alertID string) (AlertWithReporter, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+alertColumns+`, u.full_name, u.email
		FROM alerts a
		JOIN users u ON u.id = a.reported_by
		WHERE a.id = $1
	`, alertID)
	return scanAlert(row)
}

type AlertFilter struct {
	Start *time.Time
	End   *time.Time
}

func (s *Store) ListAlerts(ctx context.Context, filter AlertFilter) ([]AlertWithReporter, error) {
	query := `
		SELECT ` + alertColumns + `, u.full_name, u.email
		FROM alerts a
		JOIN users u ON u.id = a.reported_by
	`
	args := []interface{}{}
	if filter.Start != nil && filter.End != nil {
		query += ` WHERE a.created_at >= $1 AND a.created_at <= $2`
		args = append(args, *filter.Start, *filter.End)
	}
	query += ` ORDER BY a.created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAlerts(rows)
}

func (s *Store) ListAlertsByReporter(ctx context.Context, reporterID string) ([]AlertWithReporter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+alertColumns+`, u.full_name, u.email
		FROM alerts a
		JOIN users u ON u.id = a.reported_by
		WHERE a.reported_by = $1
		ORDER BY a.created_at DESC
	`, reporterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAlerts(rows)
}

func (s *Store) ListAlertsByAssignee(ctx context.Context, patrolID string) ([]AlertWithReporter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+alertColumns+`, u.full_name, u.email
		FROM alerts a
		JOIN users u ON u.id = a.reported_by
		WHERE a.assigned_to = $1
		ORDER BY a.created_at DESC
	`, patrolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAlerts(rows)
}

type AlertUpdate struct {
	Type              *string
	Description       *string
	Longitude         *float64
	Latitude          *float64
	Status            *string
	RerouteSuggestion *string
	AssignedTo        *string
	VerifiedBy        *string
}

// UpdateAlert patches only the supplied fields; updated_at is refreshed
// unconditionally. A single statement, so a racing update never observes a
// half-written row.
func (s *Store) UpdateAlert(ctx context.Context, alertID string, update AlertUpdate) (model.Alert, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE alerts
		SET type = COALESCE($2, type),
		    description = COALESCE($3, description),
		    longitude = COALESCE($4, longitude),
		    latitude = COALESCE($5, latitude),
		    status = COALESCE($6, status),
		    reroute_suggestion = COALESCE($7, reroute_suggestion),
		    assigned_to = COALESCE($8, assigned_to),
		    verified_by = COALESCE($9, verified_by),
		    updated_at = $10
		WHERE id = $1
		RETURNING id, type, description, longitude, latitude, reported_by,
			status, assigned_to, verified_by, reroute_suggestion, created_at, updated_at
	`, alertID, update.Type, update.Description, update.Longitude, update.Latitude,
		update.Status, update.RerouteSuggestion, update.AssignedTo, update.VerifiedBy, time.Now().UTC())

	var alert model.Alert
	err := row.Scan(
		&alert.ID,
		&alert.Type,
		&alert.Description,
		&alert.Longitude,
		&alert.Latitude,
		&alert.ReportedBy,
		&alert.Status,
		&alert.AssignedTo,
		&alert.VerifiedBy,
		&alert.RerouteSuggestion,
		&alert.CreatedAt,
		&alert.UpdatedAt,
	)
	return alert, err
}

func (s *Store) DeleteAlert(ctx context.Context, alertID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM alerts WHERE id = $1`, alertID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func scanUser(row pgx.Row) (model.User, error) {
	var user model.User
	err := row.Scan(
		&user.ID,
		&user.FullName,
		&user.Email,
		&user.PatrolID,
		&user.PasswordHash,
		&user.Role,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	return user, err
}

func scanAlert(row pgx.Row) (AlertWithReporter, error) {
	var alert AlertWithReporter
	err := row.Scan(
		&alert.ID,
		&alert.Type,
		&alert.Description,
		&alert.Longitude,
		&alert.Latitude,
		&alert.ReportedBy,
		&alert.Status,
		&alert.AssignedTo,
		&alert.VerifiedBy,
		&alert.RerouteSuggestion,
		&alert.CreatedAt,
		&alert.UpdatedAt,
		&alert.ReporterName,
		&alert.ReporterEmail,
	)
	return alert, err
}

func collectAlerts(rows pgx.Rows) ([]AlertWithReporter, error) {
	alerts := []AlertWithReporter{}
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}
