package sqlite

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/deepr-dev/deepr/internal/domain"
)

// ArtifactStore keeps result artifacts content-addressed by SHA-256 on the
// blob path; the database stores references and sizes only.
type ArtifactStore struct {
	DB   *sql.DB
	Root string
}

// NewArtifactStore constructs an ArtifactStore rooted at dir.
func NewArtifactStore(db *sql.DB, dir string) (*ArtifactStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("op=artifacts.init: %w", err)
	}
	return &ArtifactStore{DB: db, Root: dir}, nil
}

// Put stores data and returns its hex SHA-256 reference. Writing the same
// bytes twice is a no-op.
func (s *ArtifactStore) Put(ctx domain.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	ref := hex.EncodeToString(sum[:])
	path := filepath.Join(s.Root, ref)
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return "", fmt.Errorf("op=artifacts.put: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("op=artifacts.put: %w", err)
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT OR IGNORE INTO artifacts (ref, size, created_at) VALUES (?,?,?)`,
		ref, len(data), time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=artifacts.put: %w", err)
	}
	return ref, nil
}

// Get loads the artifact bytes for ref.
func (s *ArtifactStore) Get(_ domain.Context, ref string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.Root, filepath.Base(ref)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("op=artifacts.get ref=%s: %w", ref, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=artifacts.get: %w", err)
	}
	return data, nil
}
