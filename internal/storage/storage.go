// Package storage provides object storage for chat attachments and
// exported transcripts.
//
// Implementations:
//   - LocalStorage: filesystem storage for development
//   - R2Storage: Cloudflare R2 (S3-compatible) storage for production
//
// Attachments are written by the browser client under the user's prefix and
// only read here. Transcript exports are written here and handed back as
// short-lived URLs.
package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Storage defines the interface for file storage operations.
type Storage interface {
	// Put stores data at key. It returns ErrKeyExists when the key is taken
	// and opts.Overwrite is false, and ErrTooLarge when data exceeds
	// opts.MaxSize.
	Put(ctx context.Context, key string, data io.Reader, opts PutOptions) error

	// Get opens the object at key. The caller must close the reader.
	// Returns ErrNotFound if the key doesn't exist.
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)

	// Delete removes the object at key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// URL returns a URL for the object. Private objects get a presigned URL
	// valid for expires.
	URL(ctx context.Context, key string, expires time.Duration) (string, error)
}

// PutOptions configures how an object is stored.
type PutOptions struct {
	// ContentType is detected from the key's extension when empty.
	ContentType string

	// MaxSize is the maximum allowed size in bytes. 0 means no limit.
	MaxSize int64

	// Overwrite allows replacing an existing object at the same key.
	Overwrite bool
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// LocalConfig holds configuration for local filesystem storage.
type LocalConfig struct {
	// BasePath is the root directory where files are stored.
	BasePath string

	// BaseURL is the URL prefix files are served under.
	// Example: "http://localhost:8080/files"
	BaseURL string
}

// R2Config holds configuration for Cloudflare R2 storage.
type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string

	// PublicURL is the bucket's custom domain, if any. Presigned URLs are
	// used when empty or when an expiry is requested.
	PublicURL string

	// Region defaults to "auto".
	Region string

	// Endpoint overrides the account endpoint. Used against S3-compatible
	// emulators.
	Endpoint string
}

const (
	// ProviderLocal identifies the local filesystem storage provider.
	ProviderLocal = "local"

	// ProviderR2 identifies the Cloudflare R2 storage provider.
	ProviderR2 = "r2"
)

// Open returns the storage implementation for provider.
func Open(provider string, local LocalConfig, r2 R2Config, logger *slog.Logger) (Storage, error) {
	switch provider {
	case ProviderLocal:
		return NewLocalStorage(local, logger)
	case ProviderR2:
		return NewR2Storage(r2, logger)
	default:
		return nil, fmt.Errorf("unknown storage provider %q", provider)
	}
}

// =============================================================================
// Keys
// =============================================================================

// UserPrefix is the key prefix every object owned by userID lives under.
func UserPrefix(userID string) string {
	return "users/" + userID + "/"
}

// FileKey is where the client stores the bytes of an uploaded attachment.
// Format: users/{userID}/chats/{chatID}/files/{fileID}{ext}
func FileKey(userID, chatID, fileID, filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	return fmt.Sprintf("%schats/%s/files/%s%s", UserPrefix(userID), chatID, fileID, ext)
}

// ExportKey generates a key for an exported transcript.
// Format: users/{userID}/exports/{chatID}/{uuid}.{format}
func ExportKey(userID, chatID, format string) string {
	return fmt.Sprintf("%sexports/%s/%s.%s", UserPrefix(userID), chatID, uuid.New(), format)
}

// ValidateKey rejects empty, absolute and traversing keys.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return ErrInvalidKey
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "." {
			return ErrInvalidKey
		}
	}
	if path.Clean(key) != key {
		return ErrInvalidKey
	}
	return nil
}

// OwnedBy reports whether key is a valid key under userID's prefix.
func OwnedBy(userID, key string) bool {
	if userID == "" || ValidateKey(key) != nil {
		return false
	}
	return strings.HasPrefix(key, UserPrefix(userID))
}

// ReadAll reads the object at key, failing with ErrTooLarge when it holds
// more than max bytes.
func ReadAll(ctx context.Context, s Storage, key string, max int64) ([]byte, ObjectInfo, error) {
	rc, info, err := s.Get(ctx, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	defer rc.Close()

	if max > 0 && info.Size > max {
		return nil, info, &StorageError{Op: "Get", Key: key, Err: ErrTooLarge}
	}

	var r io.Reader = rc
	if max > 0 {
		r = io.LimitReader(rc, max+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, info, &StorageError{Op: "Get", Key: key, Err: err}
	}
	if max > 0 && int64(len(data)) > max {
		return nil, info, &StorageError{Op: "Get", Key: key, Err: ErrTooLarge}
	}
	return data, info, nil
}
