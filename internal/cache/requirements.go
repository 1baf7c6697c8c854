package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/bifrost-io/bifrost/internal/db"
	"github.com/bifrost-io/bifrost/internal/repositories"
)

// requirementsFilePath is the file-index path of the shared requirements
// file the package installer maintains.
const requirementsFilePath = "requirements.txt"

// RequirementsDoc is the cached shape of the requirements file: its content
// plus a SHA-256 content hash so consumers can cheaply detect changes.
type RequirementsDoc struct {
	Content string `json:"content"`
	Hash    string `json:"hash"`
}

// FileSource supplies file contents from the durable file index. Satisfied
// by repositories.ConfigRepository.
type FileSource interface {
	GetFile(ctx context.Context, path string) (*db.FileIndexEntry, error)
	UpsertFile(ctx context.Context, entry *db.FileIndexEntry) error
}

// WarmRequirements loads requirements.txt from the file index into the
// cache. Returns false (and no error) when the file has never been indexed —
// a fresh install has no requirements yet.
func (c *Client) WarmRequirements(ctx context.Context, files FileSource) (bool, error) {
	entry, err := files.GetFile(ctx, requirementsFilePath)
	if errors.Is(err, repositories.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache: warm requirements: %w", err)
	}
	if err := c.setRequirementsDoc(ctx, entry.Content); err != nil {
		return false, err
	}
	return true, nil
}

// GetRequirements returns the cached requirements document, or nil when the
// cache entry has expired (callers re-warm from the file index).
func (c *Client) GetRequirements(ctx context.Context) (*RequirementsDoc, error) {
	raw, err := c.rdb.Get(ctx, requirementsKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: get requirements: %w", err)
	}
	var doc RequirementsDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("cache: decode requirements: %w", err)
	}
	return &doc, nil
}

// SetRequirements writes the content through to the file index and then to
// the cache. Write-through keeps the DB authoritative: if the cache write
// fails after the upsert, the next warm repairs it.
func (c *Client) SetRequirements(ctx context.Context, files FileSource, content string) error {
	hash := sha256.Sum256([]byte(content))
	if err := files.UpsertFile(ctx, &db.FileIndexEntry{
		Path:        requirementsFilePath,
		Content:     content,
		ContentHash: hex.EncodeToString(hash[:]),
	}); err != nil {
		return fmt.Errorf("cache: set requirements: %w", err)
	}
	return c.setRequirementsDoc(ctx, content)
}

func (c *Client) setRequirementsDoc(ctx context.Context, content string) error {
	hash := sha256.Sum256([]byte(content))
	doc, err := json.Marshal(RequirementsDoc{
		Content: content,
		Hash:    hex.EncodeToString(hash[:]),
	})
	if err != nil {
		return fmt.Errorf("cache: marshal requirements: %w", err)
	}
	if err := c.rdb.Set(ctx, requirementsKey, doc, requirementsTTL).Err(); err != nil {
		return fmt.Errorf("cache: store requirements: %w", err)
	}
	return nil
}
