package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/piehands/campaignd/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Campaigns ---

func (s *LibSQLStore) CreateCampaign(ctx context.Context, c *Campaign) error {
	def, err := json.Marshal(c.Definition)
	if err != nil {
		return fmt.Errorf("marshal canvas definition: %w", err)
	}
	if c.Status == "" {
		c.Status = schema.CampaignStatusDraft
	}
	c.CreatedAt = timeOrNow(c.CreatedAt)
	c.UpdatedAt = timeOrNow(c.UpdatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO campaigns (id, workspace_id, name, status, canvas_definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.WorkspaceID, c.Name, string(c.Status), string(def), c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (s *LibSQLStore) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	c := &Campaign{}
	var defJSON string
	var activated, completed sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, name, status, canvas_definition, created_at, updated_at, activated_at, completed_at
		 FROM campaigns WHERE id = ?`, id,
	).Scan(&c.ID, &c.WorkspaceID, &c.Name, &c.Status, &defJSON, &c.CreatedAt, &c.UpdatedAt, &activated, &completed)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("campaign", id)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(defJSON), &c.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal canvas definition: %w", err)
	}
	c.ActivatedAt = timeOrNil(activated)
	c.CompletedAt = timeOrNil(completed)
	return c, nil
}

func (s *LibSQLStore) UpdateCampaignStatus(ctx context.Context, id string, from, to schema.CampaignStatus) error {
	stamp := ""
	switch to {
	case schema.CampaignStatusActive, schema.CampaignStatusSending:
		stamp = ", activated_at = COALESCE(activated_at, CURRENT_TIMESTAMP)"
	case schema.CampaignStatusCompleted:
		stamp = ", completed_at = CURRENT_TIMESTAMP"
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET status = ?, updated_at = CURRENT_TIMESTAMP`+stamp+` WHERE id = ? AND status = ?`,
		string(to), id, string(from),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either the campaign is gone or another writer moved it first.
		if _, getErr := s.GetCampaign(ctx, id); getErr != nil {
			return getErr
		}
		return schema.NewErrorf(schema.ErrCodeConflict,
			"campaign %s is no longer %s", id, from)
	}
	return nil
}

func (s *LibSQLStore) ListCampaigns(ctx context.Context, filter CampaignFilter) ([]*Campaign, error) {
	query := `SELECT id, workspace_id, name, status, canvas_definition, created_at, updated_at, activated_at, completed_at FROM campaigns`
	var where []string
	var args []any
	if filter.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, filter.WorkspaceID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var campaigns []*Campaign
	for rows.Next() {
		c := &Campaign{}
		var defJSON string
		var activated, completed sql.NullTime
		if err := rows.Scan(&c.ID, &c.WorkspaceID, &c.Name, &c.Status, &defJSON, &c.CreatedAt, &c.UpdatedAt, &activated, &completed); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(defJSON), &c.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal canvas definition: %w", err)
		}
		c.ActivatedAt = timeOrNil(activated)
		c.CompletedAt = timeOrNil(completed)
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

func (s *LibSQLStore) CampaignStats(ctx context.Context, campaignID string) (map[schema.EnrollmentStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM enrollments WHERE campaign_id = ? GROUP BY status`, campaignID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[schema.EnrollmentStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[schema.EnrollmentStatus(status)] = count
	}
	return stats, rows.Err()
}

// --- Users ---

func (s *LibSQLStore) UpsertUser(ctx context.Context, u *User) error {
	props, err := marshalMapOrNil(u.Properties)
	if err != nil {
		return fmt.Errorf("marshal user properties: %w", err)
	}
	if u.Deliverability == "" {
		u.Deliverability = schema.DeliverabilityActive
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, workspace_id, email, deliverability, properties, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET email=excluded.email, properties=excluded.properties`,
		u.ID, u.WorkspaceID, u.Email, string(u.Deliverability), props, timeOrNow(u.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetUser(ctx context.Context, id string) (*User, error) {
	return s.queryUser(ctx, `WHERE id = ?`, id)
}

func (s *LibSQLStore) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.queryUser(ctx, `WHERE email = ?`, email)
}

func (s *LibSQLStore) queryUser(ctx context.Context, where string, arg any) (*User, error) {
	u := &User{}
	var props sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, email, deliverability, properties, created_at FROM users `+where, arg,
	).Scan(&u.ID, &u.WorkspaceID, &u.Email, &u.Deliverability, &props, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("user", fmt.Sprintf("%v", arg))
	}
	if err != nil {
		return nil, err
	}
	if props.Valid && props.String != "" {
		if err := json.Unmarshal([]byte(props.String), &u.Properties); err != nil {
			return nil, fmt.Errorf("unmarshal user properties: %w", err)
		}
	}
	return u, nil
}

func (s *LibSQLStore) ListActiveUsers(ctx context.Context, workspaceID string) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workspace_id, email, deliverability, properties, created_at
		 FROM users WHERE workspace_id = ? AND deliverability = ? ORDER BY id`,
		workspaceID, string(schema.DeliverabilityActive),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u := &User{}
		var props sql.NullString
		if err := rows.Scan(&u.ID, &u.WorkspaceID, &u.Email, &u.Deliverability, &props, &u.CreatedAt); err != nil {
			return nil, err
		}
		if props.Valid && props.String != "" {
			if err := json.Unmarshal([]byte(props.String), &u.Properties); err != nil {
				return nil, fmt.Errorf("unmarshal user properties: %w", err)
			}
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *LibSQLStore) SetDeliverability(ctx context.Context, userID string, from, to schema.DeliverabilityStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET deliverability = ? WHERE id = ? AND deliverability = ?`,
		string(to), userID, string(from),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := s.GetUser(ctx, userID); getErr != nil {
			return getErr
		}
		return schema.NewErrorf(schema.ErrCodeConflict,
			"user %s deliverability is no longer %s", userID, from)
	}
	return nil
}

// --- Enrollments ---

func (s *LibSQLStore) CreateEnrollment(ctx context.Context, e *Enrollment) (bool, error) {
	if e.Status == "" {
		e.Status = schema.EnrollmentStatusActive
	}
	if e.Version == 0 {
		e.Version = 1
	}
	e.EnteredNodeAt = timeOrNow(e.EnteredNodeAt)
	e.CreatedAt = timeOrNow(e.CreatedAt)
	e.UpdatedAt = timeOrNow(e.UpdatedAt)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO enrollments (campaign_id, user_id, current_node_id, status, entered_node_at, wake_at, failure_reason, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(campaign_id, user_id) DO NOTHING`,
		e.CampaignID, e.UserID, e.CurrentNodeID, string(e.Status), e.EnteredNodeAt,
		nullTime(e.WakeAt), nullStr(e.FailureReason), e.Version, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LibSQLStore) GetEnrollment(ctx context.Context, campaignID, userID string) (*Enrollment, error) {
	e := &Enrollment{}
	var wakeAt sql.NullTime
	var reason sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT campaign_id, user_id, current_node_id, status, entered_node_at, wake_at, failure_reason, version, created_at, updated_at
		 FROM enrollments WHERE campaign_id = ? AND user_id = ?`, campaignID, userID,
	).Scan(&e.CampaignID, &e.UserID, &e.CurrentNodeID, &e.Status, &e.EnteredNodeAt, &wakeAt, &reason, &e.Version, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("enrollment", campaignID+"/"+userID)
	}
	if err != nil {
		return nil, err
	}
	e.WakeAt = timeOrNil(wakeAt)
	e.FailureReason = reason.String
	return e, nil
}

func (s *LibSQLStore) UpdateEnrollment(ctx context.Context, e *Enrollment) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE enrollments
		 SET current_node_id = ?, status = ?, entered_node_at = ?, wake_at = ?, failure_reason = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		 WHERE campaign_id = ? AND user_id = ? AND version = ?`,
		e.CurrentNodeID, string(e.Status), e.EnteredNodeAt, nullTime(e.WakeAt), nullStr(e.FailureReason),
		e.CampaignID, e.UserID, e.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := s.GetEnrollment(ctx, e.CampaignID, e.UserID); getErr != nil {
			return getErr
		}
		return schema.NewErrorf(schema.ErrCodeConflict,
			"enrollment %s/%s was modified concurrently (stale version %d)", e.CampaignID, e.UserID, e.Version)
	}
	e.Version++
	return nil
}

func (s *LibSQLStore) ListEnrollments(ctx context.Context, filter EnrollmentFilter) ([]*Enrollment, error) {
	query := `SELECT campaign_id, user_id, current_node_id, status, entered_node_at, wake_at, failure_reason, version, created_at, updated_at FROM enrollments`
	var where []string
	var args []any
	if filter.CampaignID != "" {
		where = append(where, "campaign_id = ?")
		args = append(args, filter.CampaignID)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY campaign_id, user_id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEnrollments(rows)
}

func (s *LibSQLStore) CountUnfinished(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM enrollments WHERE campaign_id = ? AND status IN (?, ?)`,
		campaignID, string(schema.EnrollmentStatusActive), string(schema.EnrollmentStatusWaiting),
	).Scan(&n)
	return n, err
}

func (s *LibSQLStore) ListDueWaiting(ctx context.Context, now time.Time, limit int) ([]*Enrollment, error) {
	query := `SELECT campaign_id, user_id, current_node_id, status, entered_node_at, wake_at, failure_reason, version, created_at, updated_at
		 FROM enrollments WHERE status = ? AND wake_at IS NOT NULL AND wake_at <= ? ORDER BY wake_at`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, string(schema.EnrollmentStatusWaiting), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEnrollments(rows)
}

func scanEnrollments(rows *sql.Rows) ([]*Enrollment, error) {
	var enrollments []*Enrollment
	for rows.Next() {
		e := &Enrollment{}
		var wakeAt sql.NullTime
		var reason sql.NullString
		if err := rows.Scan(&e.CampaignID, &e.UserID, &e.CurrentNodeID, &e.Status, &e.EnteredNodeAt, &wakeAt, &reason, &e.Version, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.WakeAt = timeOrNil(wakeAt)
		e.FailureReason = reason.String
		enrollments = append(enrollments, e)
	}
	return enrollments, rows.Err()
}

// --- Provider-event dedup ledger ---

func (s *LibSQLStore) MarkProviderEvent(ctx context.Context, providerEventID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_events (provider_event_id) VALUES (?)
		 ON CONFLICT(provider_event_id) DO NOTHING`, providerEventID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LibSQLStore) UnmarkProviderEvent(ctx context.Context, providerEventID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM provider_events WHERE provider_event_id = ?`, providerEventID,
	)
	return err
}

// --- Trigger subscriptions ---

func (s *LibSQLStore) CreateSubscription(ctx context.Context, sub *TriggerSubscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trigger_subscriptions (campaign_id, event_name, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(campaign_id, event_name) DO NOTHING`,
		sub.CampaignID, sub.EventName, timeOrNow(sub.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListSubscriptionsByEvent(ctx context.Context, eventName string) ([]*TriggerSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT campaign_id, event_name, created_at FROM trigger_subscriptions WHERE event_name = ? ORDER BY campaign_id`,
		eventName,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*TriggerSubscription
	for rows.Next() {
		sub := &TriggerSubscription{}
		if err := rows.Scan(&sub.CampaignID, &sub.EventName, &sub.CreatedAt); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *LibSQLStore) DeleteSubscriptions(ctx context.Context, campaignID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM trigger_subscriptions WHERE campaign_id = ?`, campaignID)
	return err
}

// --- Tick queue ---

func (s *LibSQLStore) EnqueueTicks(ctx context.Context, items []*TickItem) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback()

	for _, item := range items {
		item.NotBefore = timeOrNow(item.NotBefore)
		item.CreatedAt = timeOrNow(item.CreatedAt)
		res, err := tx.ExecContext(ctx,
			`INSERT INTO tick_queue (campaign_id, user_id, not_before, attempts, created_at) VALUES (?, ?, ?, ?, ?)`,
			item.CampaignID, item.UserID, item.NotBefore, item.Attempts, item.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("enqueue tick %s/%s: %w", item.CampaignID, item.UserID, err)
		}
		if id, err := res.LastInsertId(); err == nil {
			item.ID = id
		}
	}
	return tx.Commit()
}

// ClaimDueTicks marks up to limit due, unclaimed items as claimed and
// returns them. The select and the claim run in one transaction so two
// dispatchers never claim the same item.
func (s *LibSQLStore) ClaimDueTicks(ctx context.Context, now time.Time, limit int) ([]*TickItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT id, campaign_id, user_id, not_before, attempts, created_at
		 FROM tick_queue WHERE claimed_at IS NULL AND not_before <= ? ORDER BY not_before, id`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := tx.QueryContext(ctx, query, now)
	if err != nil {
		return nil, err
	}

	var items []*TickItem
	for rows.Next() {
		item := &TickItem{}
		if err := rows.Scan(&item.ID, &item.CampaignID, &item.UserID, &item.NotBefore, &item.Attempts, &item.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	claimed := now.UTC()
	for _, item := range items {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tick_queue SET claimed_at = ? WHERE id = ?`, claimed, item.ID); err != nil {
			return nil, fmt.Errorf("claim tick %d: %w", item.ID, err)
		}
		t := claimed
		item.ClaimedAt = &t
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return items, nil
}

func (s *LibSQLStore) CompleteTick(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tick_queue WHERE id = ?`, id)
	return err
}

func (s *LibSQLStore) ReleaseTick(ctx context.Context, id int64, notBefore time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tick_queue SET claimed_at = NULL, not_before = ?, attempts = attempts + 1 WHERE id = ?`,
		notBefore, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "tick", fmt.Sprintf("%d", id))
}

func (s *LibSQLStore) ReclaimStaleTicks(ctx context.Context, claimedBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tick_queue SET claimed_at = NULL
		 WHERE claimed_at IS NOT NULL AND claimed_at < ?`, claimedBefore,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- Scheduled activations ---

func (s *LibSQLStore) CreateScheduledActivation(ctx context.Context, job *ScheduledActivation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_activations (id, campaign_id, cron_expression, enabled, last_run_at, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.CampaignID, job.CronExpr, job.Enabled, nullTime(job.LastRunAt), nullTime(job.NextRunAt), timeOrNow(job.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListScheduledActivations(ctx context.Context, enabledOnly bool) ([]*ScheduledActivation, error) {
	query := `SELECT id, campaign_id, cron_expression, enabled, last_run_at, next_run_at, created_at FROM scheduled_activations`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ScheduledActivation
	for rows.Next() {
		job := &ScheduledActivation{}
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&job.ID, &job.CampaignID, &job.CronExpr, &job.Enabled, &lastRun, &nextRun, &job.CreatedAt); err != nil {
			return nil, err
		}
		job.LastRunAt = timeOrNil(lastRun)
		job.NextRunAt = timeOrNil(nextRun)
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) UpdateScheduledActivation(ctx context.Context, id string, update ScheduledActivationUpdate) error {
	var sets []string
	var args []any
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_activations SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled activation", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func timeOrNil(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalMapOrNil(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
