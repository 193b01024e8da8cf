// Package sqlite provides SQLite-backed persistence for the availability
// allocation engine.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/gigdesk/gigdesk/internal/platform/storage/sqlitemigrate"
	"github.com/gigdesk/gigdesk/internal/services/availability/storage"
	"github.com/gigdesk/gigdesk/internal/services/availability/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for availability engine state.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens an availability SQLite store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_pragma=foreign_keys(ON)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := store.runMigrations(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) runMigrations() error {
	return sqlitemigrate.ApplyMigrations(s.sqlDB, migrations.FS, "")
}

func (s *Store) ready() error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

const askColumns = `id, act_id, lineup_id, recipient, musician_id, duty_role, origin, date_iso,
venue_address, fee_pence, slot_index, channel_state, provider_handle, reply, replied_at,
reminder_sent_at, chase_sent_at, auto_escalated_at, cancelled_at, created_at, updated_at`

// UpsertAsk inserts the ask unless an active one exists for its natural key.
func (s *Store) UpsertAsk(ctx context.Context, record storage.AskRecord) (storage.AskRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return storage.AskRecord{}, false, err
	}
	if err := s.ready(); err != nil {
		return storage.AskRecord{}, false, err
	}
	normalized, err := normalizeAskRecord(record)
	if err != nil {
		return storage.AskRecord{}, false, err
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO asks (
	id, act_id, lineup_id, recipient, musician_id, duty_role, origin, date_iso,
	venue_address, fee_pence, slot_index, channel_state, provider_handle, reply, replied_at,
	reminder_sent_at, chase_sent_at, auto_escalated_at, cancelled_at, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, NULL, NULL, NULL, ?, ?)
`,
		normalized.ID,
		normalized.ActID,
		normalized.LineupID,
		normalized.Recipient,
		normalized.MusicianID,
		normalized.DutyRole,
		string(normalized.Origin),
		normalized.DateISO,
		normalized.VenueAddress,
		normalized.FeePence,
		normalized.SlotIndex,
		string(normalized.ChannelState),
		normalized.ProviderHandle,
		toMillis(normalized.CreatedAt),
		toMillis(normalized.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			existing, lookupErr := s.getActiveAskByKey(ctx, normalized.Key())
			if lookupErr != nil {
				return storage.AskRecord{}, false, lookupErr
			}
			return existing, false, nil
		}
		return storage.AskRecord{}, false, fmt.Errorf("insert ask: %w", err)
	}
	return normalized, true, nil
}

// GetAsk loads one ask by id.
func (s *Store) GetAsk(ctx context.Context, id string) (storage.AskRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.AskRecord{}, err
	}
	if err := s.ready(); err != nil {
		return storage.AskRecord{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return storage.AskRecord{}, fmt.Errorf("ask id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+askColumns+` FROM asks WHERE id = ?`, id)
	record, err := scanAsk(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.AskRecord{}, storage.ErrNotFound
		}
		return storage.AskRecord{}, fmt.Errorf("get ask: %w", err)
	}
	return record, nil
}

// GetAskByProviderHandle loads one ask by provider message handle.
func (s *Store) GetAskByProviderHandle(ctx context.Context, handle string) (storage.AskRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.AskRecord{}, err
	}
	if err := s.ready(); err != nil {
		return storage.AskRecord{}, err
	}
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return storage.AskRecord{}, storage.ErrNotFound
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+askColumns+` FROM asks WHERE provider_handle = ? ORDER BY created_at DESC, id DESC LIMIT 1
`, handle)
	record, err := scanAsk(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.AskRecord{}, storage.ErrNotFound
		}
		return storage.AskRecord{}, fmt.Errorf("get ask by provider handle: %w", err)
	}
	return record, nil
}

// ListUnrepliedByRecipient lists unreplied asks for any alias, newest first.
func (s *Store) ListUnrepliedByRecipient(ctx context.Context, aliases []string) ([]storage.AskRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	trimmed := make([]string, 0, len(aliases))
	for _, alias := range aliases {
		if alias = strings.TrimSpace(alias); alias != "" {
			trimmed = append(trimmed, alias)
		}
	}
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("at least one recipient alias is required")
	}

	args := make([]any, 0, len(trimmed))
	for _, alias := range trimmed {
		args = append(args, alias)
	}
	query := `
SELECT ` + askColumns + `
FROM asks
WHERE reply IS NULL
  AND cancelled_at IS NULL
  AND recipient IN (` + placeholders(len(trimmed)) + `)
ORDER BY created_at DESC, id DESC
`
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list unreplied asks by recipient: %w", err)
	}
	defer rows.Close()
	return collectAsks(rows)
}

// ListUnrepliedCreatedBefore lists unreplied asks older than cutoff, oldest first.
func (s *Store) ListUnrepliedCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]storage.AskRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	if cutoff.IsZero() {
		return nil, fmt.Errorf("cutoff is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+askColumns+`
FROM asks
WHERE reply IS NULL
  AND cancelled_at IS NULL
  AND created_at < ?
ORDER BY created_at ASC, id ASC
LIMIT ?
`, toMillis(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("list unreplied asks before cutoff: %w", err)
	}
	defer rows.Close()
	return collectAsks(rows)
}

// ListAsksForActDate lists every ask for one act and date.
func (s *Store) ListAsksForActDate(ctx context.Context, actID string, dateISO string) ([]storage.AskRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	actID = strings.TrimSpace(actID)
	dateISO = strings.TrimSpace(dateISO)
	if actID == "" || dateISO == "" {
		return nil, fmt.Errorf("act id and date are required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+askColumns+`
FROM asks
WHERE act_id = ? AND date_iso = ?
ORDER BY created_at ASC, id ASC
`, actID, dateISO)
	if err != nil {
		return nil, fmt.Errorf("list asks for act date: %w", err)
	}
	defer rows.Close()
	return collectAsks(rows)
}

// ListAsksForLineupDate lists every ask for one act lineup and date.
func (s *Store) ListAsksForLineupDate(ctx context.Context, actID string, lineupID string, dateISO string) ([]storage.AskRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	actID = strings.TrimSpace(actID)
	lineupID = strings.TrimSpace(lineupID)
	dateISO = strings.TrimSpace(dateISO)
	if actID == "" || lineupID == "" || dateISO == "" {
		return nil, fmt.Errorf("act id, lineup id and date are required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+askColumns+`
FROM asks
WHERE act_id = ? AND lineup_id = ? AND date_iso = ?
ORDER BY created_at ASC, id ASC
`, actID, lineupID, dateISO)
	if err != nil {
		return nil, fmt.Errorf("list asks for lineup date: %w", err)
	}
	defer rows.Close()
	return collectAsks(rows)
}

// ApplyReply records an answer only while no answer exists.
func (s *Store) ApplyReply(ctx context.Context, id string, reply storage.Reply, repliedAt time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := s.ready(); err != nil {
		return false, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return false, fmt.Errorf("ask id is required")
	}
	if reply == "" {
		return false, fmt.Errorf("reply is required")
	}
	if repliedAt.IsZero() {
		return false, fmt.Errorf("replied at is required")
	}

	now := toMillis(repliedAt)
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE asks
SET reply = ?, replied_at = ?, updated_at = ?
WHERE id = ? AND reply IS NULL AND cancelled_at IS NULL
`, string(reply), now, now, id)
	if err != nil {
		return false, fmt.Errorf("apply reply: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("apply reply rows affected: %w", err)
	}
	if affected > 0 {
		return true, nil
	}
	// Distinguish an already-answered ask (no-op) from a missing one.
	if _, err := s.GetAsk(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// UpdateChannelState moves delivery state when the current state allows it.
func (s *Store) UpdateChannelState(ctx context.Context, id string, state storage.ChannelState, allowedFrom []storage.ChannelState) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := s.ready(); err != nil {
		return false, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return false, fmt.Errorf("ask id is required")
	}
	if state == "" {
		return false, fmt.Errorf("channel state is required")
	}
	if len(allowedFrom) == 0 {
		return false, fmt.Errorf("at least one allowed source state is required")
	}

	args := []any{string(state), toMillis(time.Now()), id}
	for _, from := range allowedFrom {
		args = append(args, string(from))
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE asks
SET channel_state = ?, updated_at = ?
WHERE id = ? AND channel_state IN (`+placeholders(len(allowedFrom))+`)
`, args...)
	if err != nil {
		return false, fmt.Errorf("update channel state: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update channel state rows affected: %w", err)
	}
	return affected > 0, nil
}

// MarkSent stamps the post-send delivery state and provider handle.
func (s *Store) MarkSent(ctx context.Context, id string, state storage.ChannelState, providerHandle string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("ask id is required")
	}
	if state == "" {
		return fmt.Errorf("channel state is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE asks
SET channel_state = ?, provider_handle = ?, updated_at = ?
WHERE id = ?
`, string(state), strings.TrimSpace(providerHandle), toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("mark ask sent: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark ask sent rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkReminderSent stamps reminder_sent_at if absent.
func (s *Store) MarkReminderSent(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.stampIfAbsent(ctx, "reminder_sent_at", id, at)
}

// MarkChaseSent stamps chase_sent_at if absent.
func (s *Store) MarkChaseSent(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.stampIfAbsent(ctx, "chase_sent_at", id, at)
}

// MarkAutoEscalated stamps auto_escalated_at if absent.
func (s *Store) MarkAutoEscalated(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.stampIfAbsent(ctx, "auto_escalated_at", id, at)
}

func (s *Store) stampIfAbsent(ctx context.Context, column string, id string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := s.ready(); err != nil {
		return false, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return false, fmt.Errorf("ask id is required")
	}
	if at.IsZero() {
		return false, fmt.Errorf("timestamp is required")
	}

	now := toMillis(at)
	result, err := s.sqlDB.ExecContext(ctx,
		"UPDATE asks SET "+column+" = ?, updated_at = ? WHERE id = ? AND "+column+" IS NULL",
		now, now, id)
	if err != nil {
		return false, fmt.Errorf("stamp %s: %w", column, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("stamp %s rows affected: %w", column, err)
	}
	if affected > 0 {
		return true, nil
	}
	if _, err := s.GetAsk(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// MarkNoResponse terminally resolves an unanswered ask.
func (s *Store) MarkNoResponse(ctx context.Context, id string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := s.ready(); err != nil {
		return false, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return false, fmt.Errorf("ask id is required")
	}
	if at.IsZero() {
		return false, fmt.Errorf("timestamp is required")
	}

	now := toMillis(at)
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE asks
SET reply = ?, replied_at = ?, auto_escalated_at = COALESCE(auto_escalated_at, ?), updated_at = ?
WHERE id = ? AND reply IS NULL AND cancelled_at IS NULL
`, string(storage.ReplyNoResponse), now, now, now, id)
	if err != nil {
		return false, fmt.Errorf("mark no response: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark no response rows affected: %w", err)
	}
	if affected > 0 {
		return true, nil
	}
	if _, err := s.GetAsk(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// EnqueueItem inserts one queue item unless its dedupe key exists.
func (s *Store) EnqueueItem(ctx context.Context, record storage.QueueItemRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := s.ready(); err != nil {
		return false, err
	}
	normalized, err := normalizeQueueItemRecord(record)
	if err != nil {
		return false, err
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO queue_items (id, recipient, kind, ask_id, template_id, variables_json, fallback_text, dedupe_key, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		normalized.ID,
		normalized.Recipient,
		string(normalized.Kind),
		normalized.AskID,
		normalized.TemplateID,
		normalized.VariablesJSON,
		normalized.FallbackText,
		normalized.DedupeKey,
		toMillis(normalized.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return false, nil
		}
		return false, fmt.Errorf("enqueue item: %w", err)
	}
	return true, nil
}

// NextItem returns the oldest queued item for the recipient.
func (s *Store) NextItem(ctx context.Context, recipient string) (storage.QueueItemRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.QueueItemRecord{}, err
	}
	if err := s.ready(); err != nil {
		return storage.QueueItemRecord{}, err
	}
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return storage.QueueItemRecord{}, fmt.Errorf("recipient is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, recipient, kind, ask_id, template_id, variables_json, fallback_text, dedupe_key, created_at
FROM queue_items
WHERE recipient = ?
ORDER BY created_at ASC, id ASC
LIMIT 1
`, recipient)
	record, err := scanQueueItem(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.QueueItemRecord{}, storage.ErrNotFound
		}
		return storage.QueueItemRecord{}, fmt.Errorf("next queue item: %w", err)
	}
	return record, nil
}

// DeleteItem removes one queue item by id.
func (s *Store) DeleteItem(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("queue item id is required")
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete queue item: %w", err)
	}
	return nil
}

// CountItems reports pending queue items for one recipient.
func (s *Store) CountItems(ctx context.Context, recipient string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := s.ready(); err != nil {
		return 0, err
	}
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return 0, fmt.Errorf("recipient is required")
	}

	var count int
	if err := s.sqlDB.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM queue_items WHERE recipient = ?`, recipient,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count queue items: %w", err)
	}
	return count, nil
}

// PutBadge upserts one badge projection row.
func (s *Store) PutBadge(ctx context.Context, record storage.BadgeRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	record.ActID = strings.TrimSpace(record.ActID)
	record.DateISO = strings.TrimSpace(record.DateISO)
	if record.ActID == "" || record.DateISO == "" {
		return fmt.Errorf("act id and date are required")
	}
	if record.Deputies == nil {
		record.Deputies = []storage.BadgeDeputy{}
	}
	deputiesJSON, err := json.Marshal(record.Deputies)
	if err != nil {
		return fmt.Errorf("marshal badge deputies: %w", err)
	}

	var setAt int64
	if !record.SetAt.IsZero() {
		setAt = toMillis(record.SetAt)
	}
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO badges (act_id, date_iso, active, is_deputy, vocalist_name, musician_id, photo_url, profile_url, venue_address, set_at, deputies_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(act_id, date_iso) DO UPDATE SET
	active = excluded.active,
	is_deputy = excluded.is_deputy,
	vocalist_name = excluded.vocalist_name,
	musician_id = excluded.musician_id,
	photo_url = excluded.photo_url,
	profile_url = excluded.profile_url,
	venue_address = excluded.venue_address,
	set_at = excluded.set_at,
	deputies_json = excluded.deputies_json
`,
		record.ActID,
		record.DateISO,
		boolToInt(record.Active),
		boolToInt(record.IsDeputy),
		record.VocalistName,
		record.MusicianID,
		record.PhotoURL,
		record.ProfileURL,
		record.VenueAddress,
		setAt,
		string(deputiesJSON),
	)
	if err != nil {
		return fmt.Errorf("put badge: %w", err)
	}
	return nil
}

// GetBadge loads one badge projection row.
func (s *Store) GetBadge(ctx context.Context, actID string, dateISO string) (storage.BadgeRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.BadgeRecord{}, err
	}
	if err := s.ready(); err != nil {
		return storage.BadgeRecord{}, err
	}
	actID = strings.TrimSpace(actID)
	dateISO = strings.TrimSpace(dateISO)
	if actID == "" || dateISO == "" {
		return storage.BadgeRecord{}, fmt.Errorf("act id and date are required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT act_id, date_iso, active, is_deputy, vocalist_name, musician_id, photo_url, profile_url, venue_address, set_at, deputies_json
FROM badges
WHERE act_id = ? AND date_iso = ?
`, actID, dateISO)

	var record storage.BadgeRecord
	var active int
	var isDeputy int
	var setAt int64
	var deputiesJSON string
	if err := row.Scan(
		&record.ActID,
		&record.DateISO,
		&active,
		&isDeputy,
		&record.VocalistName,
		&record.MusicianID,
		&record.PhotoURL,
		&record.ProfileURL,
		&record.VenueAddress,
		&setAt,
		&deputiesJSON,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.BadgeRecord{}, storage.ErrNotFound
		}
		return storage.BadgeRecord{}, fmt.Errorf("get badge: %w", err)
	}
	record.Active = active == 1
	record.IsDeputy = isDeputy == 1
	if setAt > 0 {
		record.SetAt = fromMillis(setAt)
	}
	record.Deputies = []storage.BadgeDeputy{}
	if strings.TrimSpace(deputiesJSON) != "" {
		if err := json.Unmarshal([]byte(deputiesJSON), &record.Deputies); err != nil {
			return storage.BadgeRecord{}, fmt.Errorf("unmarshal badge deputies: %w", err)
		}
	}
	return record, nil
}

// ReplaceLineup atomically replaces one lineup's members and deputies.
func (s *Store) ReplaceLineup(ctx context.Context, record storage.LineupRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	record.ActID = strings.TrimSpace(record.ActID)
	record.LineupID = strings.TrimSpace(record.LineupID)
	if record.ActID == "" || record.LineupID == "" {
		return fmt.Errorf("act id and lineup id are required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin lineup replace: %w", err)
	}
	rollbackWith := func(cause error) error {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%w: rollback lineup replace: %v", cause, rollbackErr)
		}
		return cause
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM lineup_deputies WHERE act_id = ? AND lineup_id = ?`,
		record.ActID, record.LineupID,
	); err != nil {
		return rollbackWith(fmt.Errorf("clear lineup deputies: %w", err))
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM lineup_members WHERE act_id = ? AND lineup_id = ?`,
		record.ActID, record.LineupID,
	); err != nil {
		return rollbackWith(fmt.Errorf("clear lineup members: %w", err))
	}

	for position, member := range record.Members {
		member.MusicianID = strings.TrimSpace(member.MusicianID)
		member.Phone = strings.TrimSpace(member.Phone)
		if member.MusicianID == "" || member.Phone == "" {
			return rollbackWith(fmt.Errorf("lineup member musician id and phone are required"))
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO lineup_members (act_id, lineup_id, musician_id, name, phone, duty_role, is_lead, fee_pence, photo_url, profile_url, position)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
			record.ActID,
			record.LineupID,
			member.MusicianID,
			strings.TrimSpace(member.Name),
			member.Phone,
			strings.TrimSpace(member.DutyRole),
			boolToInt(member.IsLead),
			member.FeePence,
			strings.TrimSpace(member.PhotoURL),
			strings.TrimSpace(member.ProfileURL),
			position,
		); err != nil {
			return rollbackWith(fmt.Errorf("insert lineup member: %w", err))
		}

		for deputyPosition, deputy := range member.Deputies {
			deputy.MusicianID = strings.TrimSpace(deputy.MusicianID)
			deputy.Phone = strings.TrimSpace(deputy.Phone)
			if deputy.MusicianID == "" || deputy.Phone == "" {
				return rollbackWith(fmt.Errorf("lineup deputy musician id and phone are required"))
			}
			if _, err := tx.ExecContext(ctx, `
INSERT INTO lineup_deputies (act_id, lineup_id, member_musician_id, musician_id, name, phone, photo_url, profile_url, position)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
				record.ActID,
				record.LineupID,
				member.MusicianID,
				deputy.MusicianID,
				strings.TrimSpace(deputy.Name),
				deputy.Phone,
				strings.TrimSpace(deputy.PhotoURL),
				strings.TrimSpace(deputy.ProfileURL),
				deputyPosition,
			); err != nil {
				return rollbackWith(fmt.Errorf("insert lineup deputy: %w", err))
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit lineup replace: %w", err)
	}
	return nil
}

// GetLineup loads one lineup with its members in position order.
func (s *Store) GetLineup(ctx context.Context, actID string, lineupID string) (storage.LineupRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.LineupRecord{}, err
	}
	if err := s.ready(); err != nil {
		return storage.LineupRecord{}, err
	}
	actID = strings.TrimSpace(actID)
	lineupID = strings.TrimSpace(lineupID)
	if actID == "" || lineupID == "" {
		return storage.LineupRecord{}, fmt.Errorf("act id and lineup id are required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT musician_id, name, phone, duty_role, is_lead, fee_pence, photo_url, profile_url
FROM lineup_members
WHERE act_id = ? AND lineup_id = ?
ORDER BY position ASC
`, actID, lineupID)
	if err != nil {
		return storage.LineupRecord{}, fmt.Errorf("list lineup members: %w", err)
	}
	defer rows.Close()

	record := storage.LineupRecord{ActID: actID, LineupID: lineupID}
	for rows.Next() {
		var member storage.MemberRecord
		var isLead int
		if err := rows.Scan(
			&member.MusicianID,
			&member.Name,
			&member.Phone,
			&member.DutyRole,
			&isLead,
			&member.FeePence,
			&member.PhotoURL,
			&member.ProfileURL,
		); err != nil {
			return storage.LineupRecord{}, fmt.Errorf("scan lineup member: %w", err)
		}
		member.IsLead = isLead == 1
		record.Members = append(record.Members, member)
	}
	if err := rows.Err(); err != nil {
		return storage.LineupRecord{}, fmt.Errorf("iterate lineup members: %w", err)
	}
	if len(record.Members) == 0 {
		return storage.LineupRecord{}, storage.ErrNotFound
	}

	deputyRows, err := s.sqlDB.QueryContext(ctx, `
SELECT member_musician_id, musician_id, name, phone, photo_url, profile_url
FROM lineup_deputies
WHERE act_id = ? AND lineup_id = ?
ORDER BY member_musician_id ASC, position ASC
`, actID, lineupID)
	if err != nil {
		return storage.LineupRecord{}, fmt.Errorf("list lineup deputies: %w", err)
	}
	defer deputyRows.Close()

	deputiesByMember := make(map[string][]storage.DeputyRecord)
	for deputyRows.Next() {
		var memberMusicianID string
		var deputy storage.DeputyRecord
		if err := deputyRows.Scan(
			&memberMusicianID,
			&deputy.MusicianID,
			&deputy.Name,
			&deputy.Phone,
			&deputy.PhotoURL,
			&deputy.ProfileURL,
		); err != nil {
			return storage.LineupRecord{}, fmt.Errorf("scan lineup deputy: %w", err)
		}
		deputiesByMember[memberMusicianID] = append(deputiesByMember[memberMusicianID], deputy)
	}
	if err := deputyRows.Err(); err != nil {
		return storage.LineupRecord{}, fmt.Errorf("iterate lineup deputies: %w", err)
	}
	for i := range record.Members {
		record.Members[i].Deputies = deputiesByMember[record.Members[i].MusicianID]
	}
	return record, nil
}

func (s *Store) getActiveAskByKey(ctx context.Context, key storage.AskKey) (storage.AskRecord, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+askColumns+`
FROM asks
WHERE act_id = ? AND lineup_id = ? AND date_iso = ? AND recipient = ? AND slot_index = ?
  AND reply IS NULL AND cancelled_at IS NULL
`, key.ActID, key.LineupID, key.DateISO, key.Recipient, key.SlotIndex)
	record, err := scanAsk(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.AskRecord{}, storage.ErrNotFound
		}
		return storage.AskRecord{}, fmt.Errorf("get active ask by key: %w", err)
	}
	return record, nil
}

type scanner func(dest ...any) error

func normalizeAskRecord(record storage.AskRecord) (storage.AskRecord, error) {
	record.ID = strings.TrimSpace(record.ID)
	record.ActID = strings.TrimSpace(record.ActID)
	record.LineupID = strings.TrimSpace(record.LineupID)
	record.Recipient = strings.TrimSpace(record.Recipient)
	record.MusicianID = strings.TrimSpace(record.MusicianID)
	record.DutyRole = strings.TrimSpace(record.DutyRole)
	record.DateISO = strings.TrimSpace(record.DateISO)
	record.VenueAddress = strings.TrimSpace(record.VenueAddress)
	record.ProviderHandle = strings.TrimSpace(record.ProviderHandle)
	if record.ID == "" {
		return storage.AskRecord{}, fmt.Errorf("ask id is required")
	}
	if record.ActID == "" {
		return storage.AskRecord{}, fmt.Errorf("act id is required")
	}
	if record.LineupID == "" {
		return storage.AskRecord{}, fmt.Errorf("lineup id is required")
	}
	if record.Recipient == "" {
		return storage.AskRecord{}, fmt.Errorf("recipient is required")
	}
	if record.DateISO == "" {
		return storage.AskRecord{}, fmt.Errorf("date is required")
	}
	if record.Origin == "" {
		record.Origin = storage.OriginLead
	}
	if record.ChannelState == "" {
		record.ChannelState = storage.ChannelStateQueued
	}
	if record.SlotIndex < 0 {
		return storage.AskRecord{}, fmt.Errorf("slot index must be non-negative")
	}
	if record.CreatedAt.IsZero() {
		return storage.AskRecord{}, fmt.Errorf("created_at is required")
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = record.CreatedAt
	}
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	return record, nil
}

func normalizeQueueItemRecord(record storage.QueueItemRecord) (storage.QueueItemRecord, error) {
	record.ID = strings.TrimSpace(record.ID)
	record.Recipient = strings.TrimSpace(record.Recipient)
	record.AskID = strings.TrimSpace(record.AskID)
	record.TemplateID = strings.TrimSpace(record.TemplateID)
	record.DedupeKey = strings.TrimSpace(record.DedupeKey)
	record.VariablesJSON = strings.TrimSpace(record.VariablesJSON)
	if record.VariablesJSON == "" {
		record.VariablesJSON = "{}"
	}
	if record.ID == "" {
		return storage.QueueItemRecord{}, fmt.Errorf("queue item id is required")
	}
	if record.Recipient == "" {
		return storage.QueueItemRecord{}, fmt.Errorf("recipient is required")
	}
	if record.Kind == "" {
		return storage.QueueItemRecord{}, fmt.Errorf("message kind is required")
	}
	if record.AskID == "" {
		return storage.QueueItemRecord{}, fmt.Errorf("ask id is required")
	}
	if record.DedupeKey == "" {
		return storage.QueueItemRecord{}, fmt.Errorf("dedupe key is required")
	}
	if record.CreatedAt.IsZero() {
		return storage.QueueItemRecord{}, fmt.Errorf("created_at is required")
	}
	record.CreatedAt = record.CreatedAt.UTC()
	return record, nil
}

func scanAsk(scan scanner) (storage.AskRecord, error) {
	var record storage.AskRecord
	var origin string
	var channelState string
	var reply sql.NullString
	var repliedAt sql.NullInt64
	var reminderSentAt sql.NullInt64
	var chaseSentAt sql.NullInt64
	var autoEscalatedAt sql.NullInt64
	var cancelledAt sql.NullInt64
	var createdAt int64
	var updatedAt int64
	if err := scan(
		&record.ID,
		&record.ActID,
		&record.LineupID,
		&record.Recipient,
		&record.MusicianID,
		&record.DutyRole,
		&origin,
		&record.DateISO,
		&record.VenueAddress,
		&record.FeePence,
		&record.SlotIndex,
		&channelState,
		&record.ProviderHandle,
		&reply,
		&repliedAt,
		&reminderSentAt,
		&chaseSentAt,
		&autoEscalatedAt,
		&cancelledAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return storage.AskRecord{}, err
	}
	record.Origin = storage.AskOrigin(origin)
	record.ChannelState = storage.ChannelState(channelState)
	if reply.Valid {
		record.Reply = storage.Reply(reply.String)
	}
	record.RepliedAt = optionalMillis(repliedAt)
	record.ReminderSentAt = optionalMillis(reminderSentAt)
	record.ChaseSentAt = optionalMillis(chaseSentAt)
	record.AutoEscalatedAt = optionalMillis(autoEscalatedAt)
	record.CancelledAt = optionalMillis(cancelledAt)
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}

func scanQueueItem(scan scanner) (storage.QueueItemRecord, error) {
	var record storage.QueueItemRecord
	var kind string
	var createdAt int64
	if err := scan(
		&record.ID,
		&record.Recipient,
		&kind,
		&record.AskID,
		&record.TemplateID,
		&record.VariablesJSON,
		&record.FallbackText,
		&record.DedupeKey,
		&createdAt,
	); err != nil {
		return storage.QueueItemRecord{}, err
	}
	record.Kind = storage.MessageKind(kind)
	record.CreatedAt = fromMillis(createdAt)
	return record, nil
}

func collectAsks(rows *sql.Rows) ([]storage.AskRecord, error) {
	var results []storage.AskRecord
	for rows.Next() {
		record, err := scanAsk(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan ask row: %w", err)
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ask rows: %w", err)
	}
	return results, nil
}

func optionalMillis(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	converted := fromMillis(value.Int64)
	return &converted
}

func placeholders(count int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", count), ", ")
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "unique constraint failed")
}
