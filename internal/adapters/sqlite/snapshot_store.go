package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Guilhem-Bonnet/feedwatch/internal/domain"
	"github.com/Guilhem-Bonnet/feedwatch/internal/ports"
)

const (
	metaLastID  = "last_id"
	metaSavedAt = "saved_at"
)

// SnapshotStore réécrit l'image complète du registre dans une transaction.
type SnapshotStore struct {
	db *DB
}

func NewSnapshotStore(db *DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) Close() error {
	return s.db.Close()
}

func (s *SnapshotStore) Save(ctx context.Context, snap domain.Snapshot) (err error) {
	tx, err := s.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, table := range []string{"items", "subscriptions", "downloads"} {
		if _, err = tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	if err = putMeta(ctx, tx, metaLastID, strconv.FormatUint(snap.LastID, 10)); err != nil {
		return err
	}
	if err = putMeta(ctx, tx, metaSavedAt, formatTime(snap.SavedAt)); err != nil {
		return err
	}

	for _, sub := range snap.Subscriptions {
		if err = insertSubscription(ctx, tx, sub); err != nil {
			return fmt.Errorf("save subscription %d: %w", sub.ID, err)
		}
	}
	for _, d := range snap.Downloads {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO downloads(id, subscription_id, item_id, source, output_path, state, created_at, updated_at, error_code, error)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, d.ID, int64(d.SubscriptionID), d.ItemID, d.Source, d.OutputPath, string(d.State),
			formatTime(d.CreatedAt), formatTime(d.UpdatedAt), d.ErrorCode, d.Error)
		if err != nil {
			return fmt.Errorf("save download %s: %w", d.ID, err)
		}
	}
	if err = putSettings(ctx, tx, snap.Settings); err != nil {
		return err
	}

	return tx.Commit()
}

func insertSubscription(ctx context.Context, tx *sql.Tx, sub domain.Subscription) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO subscriptions(id, url, title, description, last_update, update_interval_ns, status, status_reason, auto_download)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, int64(sub.ID), sub.URL, sub.Title, sub.Description, formatTime(sub.LastUpdate),
		int64(sub.UpdateInterval), string(sub.Status), sub.StatusReason, boolToInt(sub.AutoDownload))
	if err != nil {
		return err
	}

	for _, it := range sub.Items {
		var torrent []byte
		if it.Torrent != nil {
			torrent, err = json.Marshal(it.Torrent)
			if err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO items(subscription_id, id, title, link, description, enclosure, status, torrent_json)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		`, int64(sub.ID), it.ID, it.Title, it.Link, it.Description, it.Enclosure, string(it.Status), torrent)
		if err != nil {
			return err
		}
	}
	return nil
}

// Load renvoie ports.ErrNotFound si aucun snapshot n'a encore été écrit.
func (s *SnapshotStore) Load(ctx context.Context) (domain.Snapshot, error) {
	db := s.db.SQL

	lastIDText, err := getMeta(ctx, db, metaLastID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	lastID, err := strconv.ParseUint(lastIDText, 10, 64)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("invalid last_id %q: %w", lastIDText, err)
	}
	snap := domain.Snapshot{LastID: lastID}
	if savedAt, err := getMeta(ctx, db, metaSavedAt); err == nil {
		snap.SavedAt, _ = parseTime(savedAt)
	}

	snap.Subscriptions, err = loadSubscriptions(ctx, db)
	if err != nil {
		return domain.Snapshot{}, err
	}
	snap.Downloads, err = loadDownloads(ctx, db)
	if err != nil {
		return domain.Snapshot{}, err
	}
	snap.Settings, err = getSettings(ctx, db)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return snap, nil
}

func loadSubscriptions(ctx context.Context, db *sql.DB) ([]domain.Subscription, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, url, title, description, last_update, update_interval_ns, status, status_reason, auto_download
		FROM subscriptions ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []domain.Subscription
	index := map[uint64]int{}
	for rows.Next() {
		var (
			sub        domain.Subscription
			id         int64
			lastUpdate string
			interval   int64
			status     string
			auto       int
		)
		if err := rows.Scan(&id, &sub.URL, &sub.Title, &sub.Description, &lastUpdate, &interval, &status, &sub.StatusReason, &auto); err != nil {
			return nil, err
		}
		sub.ID = uint64(id)
		sub.LastUpdate, err = parseTime(lastUpdate)
		if err != nil {
			return nil, err
		}
		sub.UpdateInterval = time.Duration(interval)
		sub.Status = domain.SubscriptionStatus(status)
		sub.AutoDownload = auto != 0
		index[sub.ID] = len(subs)
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	itemRows, err := db.QueryContext(ctx, `
		SELECT subscription_id, id, title, link, description, enclosure, status, torrent_json
		FROM items ORDER BY subscription_id, id
	`)
	if err != nil {
		return nil, err
	}
	defer itemRows.Close()

	for itemRows.Next() {
		var (
			subID   int64
			it      domain.Item
			status  string
			torrent []byte
		)
		if err := itemRows.Scan(&subID, &it.ID, &it.Title, &it.Link, &it.Description, &it.Enclosure, &status, &torrent); err != nil {
			return nil, err
		}
		it.Status = domain.ItemStatus(status)
		if len(torrent) > 0 {
			var meta domain.TorrentMetadata
			if err := json.Unmarshal(torrent, &meta); err != nil {
				return nil, fmt.Errorf("item %d/%d metadata: %w", subID, it.ID, err)
			}
			it.Torrent = &meta
		}
		i, ok := index[uint64(subID)]
		if !ok {
			continue
		}
		subs[i].Items = append(subs[i].Items, it)
	}
	return subs, itemRows.Err()
}

func loadDownloads(ctx context.Context, db *sql.DB) ([]domain.DownloadTask, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, subscription_id, item_id, source, output_path, state, created_at, updated_at, error_code, error
		FROM downloads ORDER BY created_at, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DownloadTask
	for rows.Next() {
		var (
			d                    domain.DownloadTask
			subID                int64
			state                string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&d.ID, &subID, &d.ItemID, &d.Source, &d.OutputPath, &state, &createdAt, &updatedAt, &d.ErrorCode, &d.Error); err != nil {
			return nil, err
		}
		d.SubscriptionID = uint64(subID)
		d.State = domain.DownloadState(state)
		if d.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func putMeta(ctx context.Context, q execQuerier, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO registry_meta(key, value) VALUES(?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func getMeta(ctx context.Context, q execQuerier, key string) (string, error) {
	var v string
	err := q.QueryRowContext(ctx, `SELECT value FROM registry_meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ports.ErrNotFound
	}
	return v, err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
