package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sirupsen/logrus"

	"github.com/eljojo/relaycache"
	"github.com/eljojo/relaycache/types"
	"github.com/eljojo/relaycache/utilities"
)

// ErrSealed is returned when a sealed row is read without an encryptor.
var ErrSealed = errors.New("event is sealed and no key was given")

// Options configures a Store.
type Options struct {
	// Encryptor seals the raw event at rest. Index columns (id, pubkey,
	// kind, created_at, tags) stay in the clear so queries keep working.
	Encryptor *utilities.Encryptor
}

// Store persists events in SQLite. It implements relaycache.Backend and
// relaycache.Evictor.
type Store struct {
	db  *DB
	enc *utilities.Encryptor
	log *logrus.Entry
}

var (
	_ relaycache.Backend = (*Store)(nil)
	_ relaycache.Evictor = (*Store)(nil)
)

// New wraps an open database.
func New(db *DB, opts Options) *Store {
	return &Store{
		db:  db,
		enc: opts.Encryptor,
		log: logrus.WithField("component", "sqlitestore"),
	}
}

// Save stores an event. Saving an already stored id is a no-op.
func (s *Store) Save(ctx context.Context, ev *nostr.Event) error {
	raw, sealed, err := s.encode(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.ID, err)
	}

	return retryOp(defaultRetryConfig, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO events (id, pubkey, kind, created_at, d_tag, raw, sealed)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			ev.ID, ev.PubKey, ev.Kind, int64(ev.CreatedAt), relaycache.Identifier(ev), raw, sealed,
		)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return tx.Commit()
		}

		for _, tag := range ev.Tags {
			if len(tag) < 2 || len(tag[0]) != 1 {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO event_tags (event_id, name, value) VALUES (?, ?, ?)",
				ev.ID, tag[0], tag[1],
			); err != nil {
				return fmt.Errorf("insert tag: %w", err)
			}
		}
		return tx.Commit()
	})
}

// Delete removes an event by id. Deleting an unknown id is not an error.
func (s *Store) Delete(ctx context.Context, id types.EventID) error {
	return retryOp(defaultRetryConfig, func() error {
		return s.deleteIDs(ctx, []string{string(id)})
	})
}

func (s *Store) deleteIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	in, args := placeholders(ids)
	if _, err := tx.ExecContext(ctx, "DELETE FROM event_tags WHERE event_id IN ("+in+")", args...); err != nil {
		return fmt.Errorf("delete tags: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM events WHERE id IN ("+in+")", args...); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	return tx.Commit()
}

// Get loads one event, or returns relaycache.ErrNotFound.
func (s *Store) Get(ctx context.Context, id types.EventID) (*nostr.Event, error) {
	var (
		raw    []byte
		sealed bool
	)
	err := s.db.QueryRowContext(ctx, "SELECT raw, sealed FROM events WHERE id = ?", string(id)).Scan(&raw, &sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, relaycache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	return s.decode(string(id), raw, sealed)
}

// Query returns events matching the filter, newest first. Rows that fail to
// decode are skipped with a warning.
func (s *Store) Query(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	query, args := buildQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*nostr.Event
	for rows.Next() {
		var (
			id     string
			raw    []byte
			sealed bool
		)
		if err := rows.Scan(&id, &raw, &sealed); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev, err := s.decode(id, raw, sealed)
		if err != nil {
			s.log.Warnf("skipping unreadable event %s: %v", id, err)
			continue
		}
		// search and anything else SQL did not express
		if !filter.Matches(ev) {
			continue
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Count returns the number of stored events.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&n)
	return n, err
}

// Evict removes the oldest events beyond max, skipping ids keep protects,
// and returns how many were removed.
func (s *Store) Evict(ctx context.Context, max int, keep func(id types.EventID) bool) (int, error) {
	total, err := s.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	excess := total - max
	if excess <= 0 {
		return 0, nil
	}

	rows, err := s.db.QueryContext(ctx, "SELECT id FROM events ORDER BY created_at ASC, id ASC")
	if err != nil {
		return 0, fmt.Errorf("list events: %w", err)
	}
	victims := make([]string, 0, excess)
	for rows.Next() && len(victims) < excess {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan id: %w", err)
		}
		if keep != nil && keep(types.EventID(id)) {
			continue
		}
		victims = append(victims, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("list events: %w", err)
	}
	rows.Close()

	err = retryOp(defaultRetryConfig, func() error {
		return s.deleteIDs(ctx, victims)
	})
	if err != nil {
		return 0, err
	}
	if len(victims) > 0 {
		s.log.Debugf("evicted %d event(s), %d over cap", len(victims), excess)
	}
	return len(victims), nil
}

func (s *Store) encode(ev *nostr.Event) ([]byte, bool, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, false, err
	}
	if s.enc == nil {
		return raw, false, nil
	}
	sealed, err := s.enc.Seal(raw, []byte(ev.ID))
	if err != nil {
		return nil, false, err
	}
	return sealed, true, nil
}

func (s *Store) decode(id string, raw []byte, sealed bool) (*nostr.Event, error) {
	if sealed {
		if s.enc == nil {
			return nil, ErrSealed
		}
		opened, err := s.enc.Open(raw, []byte(id))
		if err != nil {
			return nil, err
		}
		raw = opened
	}
	var ev nostr.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// buildQuery turns a filter into SQL. Ordering matches the in-memory store.
func buildQuery(filter nostr.Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if len(filter.IDs) > 0 {
		in, a := placeholders(filter.IDs)
		where = append(where, "id IN ("+in+")")
		args = append(args, a...)
	}
	if len(filter.Authors) > 0 {
		in, a := placeholders(filter.Authors)
		where = append(where, "pubkey IN ("+in+")")
		args = append(args, a...)
	}
	if len(filter.Kinds) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?,", len(filter.Kinds)), ",")
		where = append(where, "kind IN ("+marks+")")
		for _, k := range filter.Kinds {
			args = append(args, k)
		}
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, int64(*filter.Since))
	}
	if filter.Until != nil {
		where = append(where, "created_at <= ?")
		args = append(args, int64(*filter.Until))
	}
	for name, values := range filter.Tags {
		if len(values) == 0 {
			continue
		}
		in, a := placeholders(values)
		where = append(where, "EXISTS (SELECT 1 FROM event_tags t WHERE t.event_id = events.id AND t.name = ? AND t.value IN ("+in+"))")
		args = append(args, name)
		args = append(args, a...)
	}

	query := "SELECT id, raw, sealed FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"
	if filter.Limit > 0 && filter.Search == "" {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return query, args
}

func placeholders(values []string) (string, []any) {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(values)), ","), args
}
