// Package storage handles persistence of reported message identifiers.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"

	"github.com/sonukartik/net-distribution-notifier/dedup"
)

// ErrMalformed is returned by Load when the stored state cannot be decoded.
// The returned set is empty and usable.
var ErrMalformed = errors.New("malformed state")

// Store persists the dedup set as a JSON array of strings, either in a local
// file or in a Cloud Storage object.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
	object    string
}

// New creates a new storage handler. When bucket is empty, localPath is used.
func New(client *storage.Client, bucket, object, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
		object:    object,
	}
}

// Load reads the persisted set. A missing file or object yields an empty set.
func (s *Store) Load(ctx context.Context) (*dedup.Set, error) {
	var data []byte
	var err error
	if s.bucket == "" {
		data, err = s.readLocal()
	} else {
		data, err = s.readObject(ctx)
	}
	if err != nil {
		return nil, err
	}
	if data == nil {
		s.logger.Info("No saved state, starting empty", "location", s.location())
		return dedup.NewSet(), nil
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return dedup.NewSet(), fmt.Errorf("%w: %s: %w", ErrMalformed, s.location(), err)
	}

	set := dedup.NewSet(ids...)
	s.logger.Debug("State loaded", "location", s.location(), "ids", set.Len())
	return set, nil
}

// Save writes every identifier in set, replacing the previous state.
func (s *Store) Save(ctx context.Context, set *dedup.Set) error {
	data, err := json.MarshalIndent(set.IDs(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	if s.bucket == "" {
		if err := writeFileAtomic(s.localPath, data); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		s.logger.Info("State saved to local storage", "path", s.localPath, "ids", set.Len())
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(s.object).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		s.retryOptions(ctx, "save")...,
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Info("State saved", "location", s.location(), "ids", set.Len())
	return nil
}

// readLocal returns nil data when the file does not exist.
func (s *Store) readLocal() ([]byte, error) {
	data, err := os.ReadFile(s.localPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read from local storage: %w", err)
	}
	return data, nil
}

// readObject returns nil data when the object does not exist.
func (s *Store) readObject(ctx context.Context) ([]byte, error) {
	var data []byte
	var notFound bool
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(s.object).NewReader(ctx)
			if openErr != nil {
				// Don't retry on "not found" errors
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					notFound = true
					return retry.Unrecoverable(fmt.Errorf("open storage reader: %w", openErr))
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		s.retryOptions(ctx, "load")...,
	)
	if notFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

func (s *Store) retryOptions(ctx context.Context, op string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying storage operation after error", "operation", op, "attempt", n, "object", s.object, "error", retryErr)
		}),
	}
}

func (s *Store) location() string {
	if s.bucket == "" {
		return s.localPath
	}
	return "gs://" + s.bucket + "/" + s.object
}

// writeFileAtomic replaces path so that a crash never leaves a truncated file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(tmp.Name()) // no-op after a successful rename
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
