package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"donorpage/templates"
)

// ErrPageNotFound is returned when no live page exists for a slug pair.
var ErrPageNotFound = errors.New("page not found")

// Store is the sqlite ledger behind the payment pipeline: pending payments,
// the conversion ledger, and provisioned page configurations.
type Store struct {
	db *sql.DB
}

const storeSchema = `
CREATE TABLE IF NOT EXISTS payments (
	uuid       TEXT PRIMARY KEY,
	secret_id  TEXT NOT NULL UNIQUE,
	kind       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	amount     TEXT NOT NULL,
	currency   TEXT NOT NULL,
	page_slug  TEXT NOT NULL,
	rp_slug    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS conversions (
	uid         TEXT PRIMARY KEY,
	amount      TEXT NOT NULL,
	recorded_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS pages (
	rp_slug   TEXT NOT NULL,
	page_slug TEXT NOT NULL,
	config    TEXT NOT NULL,
	PRIMARY KEY (rp_slug, page_slug)
);
`

// OpenStore opens (creating if needed) the ledger at path. Use ":memory:"
// for an ephemeral store.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("error opening ledger %s: %w", path, err)
	}

	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("error applying ledger schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertPayment records a freshly created payment as pending.
func (s *Store) InsertPayment(ctx context.Context, p templates.Payment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payments (uuid, secret_id, kind, status, amount, currency, page_slug, rp_slug, created_at)
		 VALUES (?, ?, ?, 'pending', ?, ?, ?, ?, ?)`,
		p.UUID, SecretIdentifier(p.ClientSecret), string(p.Kind), p.Amount, p.Currency,
		p.PageSlug, p.RevenueProgramSlug, p.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("error recording payment %s: %w", p.UUID, err)
	}
	return nil
}

// MarkPaymentSucceeded flips a payment to succeeded, keyed by the secret
// identifier. It is idempotent: the first call reports true, repeats report
// false with no error.
func (s *Store) MarkPaymentSucceeded(ctx context.Context, secretID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payments SET status = 'succeeded' WHERE secret_id = ? AND status != 'succeeded'`,
		secretID,
	)
	if err != nil {
		return false, fmt.Errorf("error marking payment succeeded: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkPaymentCanceled flips a payment to canceled.
func (s *Store) MarkPaymentCanceled(ctx context.Context, uid string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE payments SET status = 'canceled' WHERE uuid = ?`, uid,
	)
	if err != nil {
		return fmt.Errorf("error marking payment canceled: %w", err)
	}
	return nil
}

// DeleteExpiredPending removes pending payments older than cutoff and returns
// how many were removed.
func (s *Store) DeleteExpiredPending(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM payments WHERE status = 'pending' AND created_at < ?`, cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("error sweeping expired payments: %w", err)
	}
	return res.RowsAffected()
}

// RecordConversion claims the one conversion slot for uid. The first call
// per uid reports true; every later call reports false. This backs the
// exactly-once conversion guarantee across re-entrant interstitial requests.
func (s *Store) RecordConversion(ctx context.Context, uid, amount string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversions (uid, amount, recorded_at) VALUES (?, ?, ?)`,
		uid, amount, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("error recording conversion for %s: %w", uid, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpsertPage provisions or replaces a page configuration.
func (s *Store) UpsertPage(ctx context.Context, pc templates.PageConfiguration) error {
	blob, err := json.Marshal(pc)
	if err != nil {
		return fmt.Errorf("error marshalling page %s/%s: %w", pc.RevenueProgramSlug, pc.Slug, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pages (rp_slug, page_slug, config) VALUES (?, ?, ?)
		 ON CONFLICT (rp_slug, page_slug) DO UPDATE SET config = excluded.config`,
		pc.RevenueProgramSlug, pc.Slug, string(blob),
	)
	if err != nil {
		return fmt.Errorf("error saving page %s/%s: %w", pc.RevenueProgramSlug, pc.Slug, err)
	}
	return nil
}

// LivePageDetail fetches a page configuration by its slug pair.
func (s *Store) LivePageDetail(ctx context.Context, rpSlug, pageSlug string) (templates.PageConfiguration, error) {
	var blob string
	err := s.db.QueryRowContext(ctx,
		`SELECT config FROM pages WHERE rp_slug = ? AND page_slug = ?`,
		rpSlug, pageSlug,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return templates.PageConfiguration{}, ErrPageNotFound
	}
	if err != nil {
		return templates.PageConfiguration{}, fmt.Errorf("error loading page %s/%s: %w", rpSlug, pageSlug, err)
	}

	var pc templates.PageConfiguration
	if err := json.Unmarshal([]byte(blob), &pc); err != nil {
		return templates.PageConfiguration{}, fmt.Errorf("error parsing stored page %s/%s: %w", rpSlug, pageSlug, err)
	}
	return pc, nil
}
