// Package snapshot copies the ledger database to S3-compatible storage as
// encrypted snapshots.
package snapshot

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sethvargo/go-retry"
	_ "modernc.org/sqlite"

	"github.com/dukerupert/loyaltywallet/internal/model"
	"github.com/dukerupert/loyaltywallet/internal/store"
)

var (
	ErrDisabled     = errors.New("snapshots are not configured")
	ErrInProgress   = errors.New("a snapshot is already running")
	ErrNotFound     = errors.New("snapshot not found")
	ErrNotCompleted = errors.New("snapshot did not complete")
)

type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

type Config struct {
	S3            S3Config
	Prefix        string
	Passphrase    string
	Interval      time.Duration // 0 disables the schedule
	RetentionDays int
}

// Enabled reports whether storage credentials and a passphrase are present.
func (c Config) Enabled() bool {
	return c.S3.Bucket != "" && c.S3.AccessKey != "" && c.S3.SecretKey != "" && c.Passphrase != ""
}

type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateDisabled State = "disabled"
	StateError    State = "error"
)

type Status struct {
	State        State      `json:"state"`
	LastSnapshot *time.Time `json:"last_snapshot,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// Recorder counts finished snapshots by status.
type Recorder interface {
	Snapshot(status string)
}

type s3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type Manager struct {
	db       *sql.DB
	store    *store.SnapshotStore
	cfg      Config
	client   s3Client
	recorder Recorder
	logger   *slog.Logger
	backoff  func() retry.Backoff

	mu      sync.Mutex
	status  Status
	running bool
	started bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewManager(db *sql.DB, st *store.SnapshotStore, cfg Config, recorder Recorder, logger *slog.Logger) *Manager {
	var client s3Client
	if cfg.Enabled() {
		client = newS3Client(cfg.S3)
	}
	return newManager(db, st, cfg, client, recorder, logger)
}

func newManager(db *sql.DB, st *store.SnapshotStore, cfg Config, client s3Client, recorder Recorder, logger *slog.Logger) *Manager {
	m := &Manager{
		db:       db,
		store:    st,
		cfg:      cfg,
		client:   client,
		recorder: recorder,
		logger:   logger,
		backoff:  defaultBackoff,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		status:   Status{State: StateIdle},
	}
	if !cfg.Enabled() || client == nil {
		m.status.State = StateDisabled
	}
	return m
}

func defaultBackoff() retry.Backoff {
	return retry.WithMaxRetries(4, retry.NewExponential(500*time.Millisecond))
}

func newS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

func (m *Manager) enabled() bool {
	return m.cfg.Enabled() && m.client != nil
}

// Start runs a snapshot and a retention sweep every Interval until Stop is
// called or ctx ends. It does nothing when snapshots are disabled, and calls
// after the first are ignored.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	if !m.enabled() || m.cfg.Interval <= 0 {
		close(m.done)
		return
	}
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.tick(ctx)
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	m.logger.Info("snapshot schedule started", "interval", m.cfg.Interval, "retention_days", m.cfg.RetentionDays)
}

// Stop ends the schedule and waits for an in-flight tick to return. It is
// safe to call more than once, and without Start.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if started {
		<-m.done
	}
}

func (m *Manager) tick(ctx context.Context) {
	if _, err := m.RunNow(ctx); err != nil && !errors.Is(err, ErrInProgress) {
		m.logger.Error("scheduled snapshot failed", "error", err)
	}
	if m.cfg.RetentionDays > 0 {
		if _, err := m.Cleanup(ctx, time.Duration(m.cfg.RetentionDays)*24*time.Hour); err != nil {
			m.logger.Error("snapshot cleanup failed", "error", err)
		}
	}
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) List(ctx context.Context, limit int) ([]model.Snapshot, error) {
	snaps, err := m.store.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	if snaps == nil {
		snaps = []model.Snapshot{}
	}
	return snaps, nil
}

// RunNow takes a consistent copy of the database, seals it and uploads it.
func (m *Manager) RunNow(ctx context.Context) (*model.Snapshot, error) {
	if !m.enabled() {
		return nil, ErrDisabled
	}
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil, ErrInProgress
	}
	m.running = true
	m.status.State = StateRunning
	m.mu.Unlock()

	started := time.Now()
	filename := fmt.Sprintf("ledger-%s.db.enc", started.UTC().Format("20060102T150405.000000000Z"))
	rec, err := m.store.Create(ctx, filename, path.Join(m.cfg.Prefix, filename))
	if err != nil {
		m.finish(err)
		return nil, err
	}

	size, err := m.capture(ctx, rec)
	if err != nil {
		if uerr := m.store.UpdateStatus(context.WithoutCancel(ctx), rec.ID, model.SnapshotStatusFailed, err.Error()); uerr != nil {
			m.logger.Error("failed to mark snapshot failed", "snapshot_id", rec.ID, "error", uerr)
		}
		m.logger.Error("snapshot failed", "snapshot_id", rec.ID, "error", err)
		m.finish(err)
		return nil, err
	}
	if err := m.store.UpdateCompleted(ctx, rec.ID, size); err != nil {
		m.finish(err)
		return nil, err
	}
	m.logger.Info("snapshot completed", "snapshot_id", rec.ID, "key", rec.S3Key,
		"size_bytes", size, "duration", time.Since(started))
	m.finish(nil)
	return m.store.GetByID(ctx, rec.ID)
}

func (m *Manager) capture(ctx context.Context, rec *model.Snapshot) (int64, error) {
	dir, err := os.MkdirTemp("", "loyaltywallet-snapshot-*")
	if err != nil {
		return 0, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	copyPath := filepath.Join(dir, "ledger.db")
	if _, err := m.db.ExecContext(ctx, `VACUUM INTO ?`, copyPath); err != nil {
		return 0, fmt.Errorf("vacuum into: %w", err)
	}
	plaintext, err := os.ReadFile(copyPath)
	if err != nil {
		return 0, fmt.Errorf("read copy: %w", err)
	}
	sealed, err := Seal(plaintext, m.cfg.Passphrase)
	if err != nil {
		return 0, fmt.Errorf("seal: %w", err)
	}

	if err := m.store.UpdateStatus(ctx, rec.ID, model.SnapshotStatusUploading, ""); err != nil {
		return 0, err
	}
	err = retry.Do(ctx, m.backoff(), func(ctx context.Context) error {
		_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(m.cfg.S3.Bucket),
			Key:    aws.String(rec.S3Key),
			Body:   bytes.NewReader(sealed),
		})
		if err != nil {
			m.logger.Warn("snapshot upload attempt failed", "snapshot_id", rec.ID, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("upload: %w", err)
	}
	return int64(len(sealed)), nil
}

func (m *Manager) finish(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	if err != nil {
		m.status.State = StateError
		m.status.Error = err.Error()
		m.record(model.SnapshotStatusFailed)
		return
	}
	now := time.Now().UTC()
	m.status = Status{State: StateIdle, LastSnapshot: &now}
	m.record(model.SnapshotStatusCompleted)
}

func (m *Manager) record(status model.SnapshotStatus) {
	if m.recorder != nil {
		m.recorder.Snapshot(string(status))
	}
}

// Cleanup deletes snapshots older than retention, both the records and the
// stored objects, and returns how many were removed.
func (m *Manager) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	if !m.enabled() {
		return 0, ErrDisabled
	}
	keys, err := m.store.DeleteOlderThan(ctx, time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		_, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(m.cfg.S3.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			m.logger.Warn("failed to delete snapshot object", "key", key, "error", err)
		}
	}
	if len(keys) > 0 {
		m.logger.Info("snapshot cleanup", "deleted", len(keys))
	}
	return len(keys), nil
}

// Fetch downloads and decrypts a completed snapshot to dst, replacing any
// existing file there only once the copy passes an integrity check.
func (m *Manager) Fetch(ctx context.Context, id, dst string) error {
	if !m.enabled() {
		return ErrDisabled
	}
	rec, err := m.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrNotFound
	}
	if rec.Status != model.SnapshotStatusCompleted {
		return ErrNotCompleted
	}

	out, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.cfg.S3.Bucket),
		Key:    aws.String(rec.S3Key),
	})
	if err != nil {
		return fmt.Errorf("download %s: %w", rec.S3Key, err)
	}
	sealed, err := io.ReadAll(out.Body)
	out.Body.Close()
	if err != nil {
		return fmt.Errorf("read %s: %w", rec.S3Key, err)
	}
	plaintext, err := Open(sealed, m.cfg.Passphrase)
	if err != nil {
		return err
	}

	tmp := dst + ".partial"
	if err := os.WriteFile(tmp, plaintext, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := integrityCheck(ctx, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("move into place: %w", err)
	}
	m.logger.Info("snapshot fetched", "snapshot_id", id, "dst", dst)
	return nil
}

func integrityCheck(ctx context.Context, dbPath string) error {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check: %s", result)
	}
	return nil
}
