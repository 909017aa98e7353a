package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when an image key has no stored row.
var ErrNotFound = errors.New("image not found")

// ImageRecord is one persisted image body plus its access bookkeeping.
type ImageRecord struct {
	Key         string
	URL         string
	ContentType string
	Data        []byte
	Size        int64
	Hits        int64
	CreatedAt   time.Time
	LastAccess  time.Time
}

// SaveImage inserts or replaces an image. Hits survive a replace so a
// refreshed image keeps its ranking; created_at restarts so the new body
// gets a full TTL.
func (db *DB) SaveImage(rec *ImageRecord) error {
	now := time.Now().Unix()
	_, err := db.Exec(`
		INSERT INTO images (key, url, content_type, data, size, hits, created_at, last_access)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			url = excluded.url,
			content_type = excluded.content_type,
			data = excluded.data,
			size = excluded.size,
			created_at = excluded.created_at,
			last_access = excluded.last_access
	`, rec.Key, rec.URL, rec.ContentType, rec.Data, int64(len(rec.Data)), rec.Hits, now, now)
	if err != nil {
		return fmt.Errorf("failed to save image: %w", err)
	}
	return nil
}

// LoadImage returns the stored image for key or ErrNotFound.
func (db *DB) LoadImage(key string) (*ImageRecord, error) {
	row := db.QueryRow(`
		SELECT key, url, content_type, data, size, hits, created_at, last_access
		FROM images WHERE key = ?
	`, key)

	rec, err := scanImage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load image: %w", err)
	}
	return rec, nil
}

// TouchImage counts a cache hit and refreshes last_access.
func (db *DB) TouchImage(key string) error {
	_, err := db.Exec("UPDATE images SET hits = hits + 1, last_access = ? WHERE key = ?", time.Now().Unix(), key)
	if err != nil {
		return fmt.Errorf("failed to touch image: %w", err)
	}
	return nil
}

// DeleteImage removes one image; deleting a missing key is not an error.
func (db *DB) DeleteImage(key string) error {
	if _, err := db.Exec("DELETE FROM images WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete image: %w", err)
	}
	return nil
}

// scoreOrder ranks rows by hits / (1 + age in hours since last access).
const scoreOrder = `CAST(hits AS REAL) / (1.0 + (CAST(? AS REAL) - last_access) / 3600.0) DESC, last_access DESC`

// LoadTopImages returns up to limit images ordered by recency/frequency score.
func (db *DB) LoadTopImages(limit int) ([]*ImageRecord, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := db.Query(`
		SELECT key, url, content_type, data, size, hits, created_at, last_access
		FROM images
		ORDER BY `+scoreOrder+`
		LIMIT ?
	`, time.Now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load images: %w", err)
	}
	defer rows.Close()

	var out []*ImageRecord
	for rows.Next() {
		rec, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan image: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PruneImages deletes everything but the keep best-scored images and
// returns how many rows went away.
func (db *DB) PruneImages(keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := db.Exec(`
		DELETE FROM images WHERE key NOT IN (
			SELECT key FROM images ORDER BY `+scoreOrder+` LIMIT ?
		)
	`, time.Now().Unix(), keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune images: %w", err)
	}
	return res.RowsAffected()
}

// ClearImages removes every stored image.
func (db *DB) ClearImages() error {
	if _, err := db.Exec("DELETE FROM images"); err != nil {
		return fmt.Errorf("failed to clear images: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanImage(s rowScanner) (*ImageRecord, error) {
	var rec ImageRecord
	var created, accessed int64
	if err := s.Scan(&rec.Key, &rec.URL, &rec.ContentType, &rec.Data, &rec.Size, &rec.Hits, &created, &accessed); err != nil {
		return nil, err
	}
	rec.CreatedAt = time.Unix(created, 0)
	rec.LastAccess = time.Unix(accessed, 0)
	return &rec, nil
}
