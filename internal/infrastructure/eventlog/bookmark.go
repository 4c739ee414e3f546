package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Bookmark is an opaque per-channel position token used to resume a channel
// subscription after restart.
type Bookmark struct {
	Channel  string    `json:"channel"`
	Position string    `json:"position"`
	SavedAt  time.Time `json:"saved_at"`
}

// BookmarkStore persists bookmarks keyed by channel name.
type BookmarkStore interface {
	Save(channel string, b *Bookmark) error
	// Load returns nil without error when no usable bookmark exists; a
	// corrupted bookmark is discarded and the channel resumes from tail.
	Load(channel string) (*Bookmark, error)
}

// fileBookmarkStore keeps one JSON blob per channel under a directory.
// Writes go to a temp file and are renamed into place so a crash never
// leaves a half-written bookmark.
type fileBookmarkStore struct {
	dir    string
	logger *zap.Logger
}

// NewFileBookmarkStore creates the backing directory if needed.
func NewFileBookmarkStore(dir string, logger *zap.Logger) (BookmarkStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("bookmark directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating bookmark directory: %w", err)
	}
	return &fileBookmarkStore{dir: dir, logger: logger}, nil
}

func (s *fileBookmarkStore) Save(channel string, b *Bookmark) error {
	if b == nil {
		return fmt.Errorf("bookmark cannot be nil")
	}
	b.Channel = channel
	b.SavedAt = time.Now().UTC()

	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshaling bookmark: %w", err)
	}

	path := s.path(channel)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing bookmark temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing bookmark file: %w", err)
	}
	return nil
}

func (s *fileBookmarkStore) Load(channel string) (*Bookmark, error) {
	data, err := os.ReadFile(s.path(channel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		s.logger.Warn("bookmark unreadable, resuming from tail",
			zap.String("channel", channel), zap.Error(err))
		return nil, nil
	}

	var b Bookmark
	if err := json.Unmarshal(data, &b); err != nil {
		s.logger.Warn("bookmark corrupted, discarding",
			zap.String("channel", channel), zap.Error(err))
		_ = os.Remove(s.path(channel))
		return nil, nil
	}
	return &b, nil
}

func (s *fileBookmarkStore) path(channel string) string {
	return filepath.Join(s.dir, sanitizeChannelName(channel)+".bookmark")
}

// sanitizeChannelName derives a path-safe filename from a channel name such
// as "Microsoft-Windows-PowerShell/Operational".
func sanitizeChannelName(channel string) string {
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
		" ", "_",
	)
	return replacer.Replace(channel)
}
