// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/rigrun-adapter/internal/event"
	"github.com/jeranaias/rigrun-adapter/internal/security"
	"github.com/jeranaias/rigrun-adapter/internal/util"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrSecretKeyRequired is returned when a file holds sealed secrets but the
	// store has no key to open them, and when saving an authenticated login
	// that could not be written back without one.
	ErrSecretKeyRequired = errors.New("config contains sealed secrets but no secret key is configured")

	// ErrNoConfigFile is returned by Backup when nothing has been saved yet.
	ErrNoConfigFile = errors.New("no config file to back up")

	// ErrBackupNotFound is returned by Restore for an unknown backup.
	ErrBackupNotFound = errors.New("backup not found")
)

const (
	filePerm = 0o600
	dirPerm  = 0o700

	backupPrefix     = "config-"
	backupTimeLayout = "20060102-150405.000"
)

// =============================================================================
// STORE
// =============================================================================

// Store owns the config file: it loads, validates, seals, persists, backs up
// and watches it. The active config is only replaced by a value that passed
// validation. Safe for concurrent use.
type Store struct {
	path   string
	format Format

	box    *security.SecretBox
	logger *zap.Logger
	hub    *event.Hub
	now    func() time.Time

	mu     sync.RWMutex
	cfg    *Config
	digest [sha256.Size]byte
}

// Option configures a Store.
type Option func(*Store) error

// WithSecretKey enables sealing of secret fields with a key derived from
// passphrase. An empty passphrase leaves sealing disabled.
func WithSecretKey(passphrase string) Option {
	return func(s *Store) error {
		if passphrase == "" {
			return nil
		}
		box, err := security.NewSecretBox(passphrase)
		if err != nil {
			return fmt.Errorf("secret key: %w", err)
		}
		s.box = box
		return nil
	}
}

// WithLogger sets the store's logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) error {
		if l != nil {
			s.logger = l
		}
		return nil
	}
}

// WithClock overrides the clock used for backup names.
func WithClock(now func() time.Time) Option {
	return func(s *Store) error {
		s.now = now
		return nil
	}
}

// NewStore creates a store for the file at path. The format follows the
// extension. Nothing is read until Load.
func NewStore(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}
	s := &Store{
		path:   path,
		format: FormatFor(path),
		logger: zap.NewNop(),
		hub:    event.NewHub("config"),
		now:    time.Now,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Path returns the config file path.
func (s *Store) Path() string { return s.path }

// Dir returns the config directory.
func (s *Store) Dir() string { return filepath.Dir(s.path) }

// BackupDir returns the backups directory.
func (s *Store) BackupDir() string { return filepath.Join(s.Dir(), BackupDirName) }

// Sealing reports whether secrets are sealed on save.
func (s *Store) Sealing() bool { return s.box != nil }

// Subscribe registers o for config events.
func (s *Store) Subscribe(o event.Observer) func() {
	return s.hub.Subscribe(o)
}

// Config returns a copy of the active config, or defaults before Load.
func (s *Store) Config() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg == nil {
		return Default()
	}
	return s.cfg.Clone()
}

// =============================================================================
// LOAD / SAVE
// =============================================================================

// Load reads the config file. A missing file is created from defaults.
func (s *Store) Load() (*Config, error) {
	if err := os.MkdirAll(s.Dir(), dirPerm); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info("config file not found, writing defaults", zap.String("path", s.path))
		s.mu.Lock()
		warnings, err := s.saveLocked(Default())
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
		s.report(warnings)
		s.hub.Emit(event.ConfigLoaded, map[string]any{"path": s.path, "created": true})
		return s.Config(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, res, err := s.parse(data, s.format)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cfg = cfg
	s.digest = sha256.Sum256(data)
	s.mu.Unlock()

	s.report(res.Warnings)
	s.logger.Info("config loaded",
		zap.String("path", s.path),
		zap.String("mode", string(cfg.Mode)),
		zap.String("api_key", security.Fingerprint(cfg.APIKey)))
	s.hub.Emit(event.ConfigLoaded, map[string]any{"path": s.path, "created": false})
	return cfg.Clone(), nil
}

// Save validates cfg, seals its secrets and writes it atomically.
func (s *Store) Save(cfg *Config) error {
	s.mu.Lock()
	warnings, err := s.saveLocked(cfg)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.report(warnings)
	s.hub.Emit(event.ConfigSaved, map[string]any{"path": s.path})
	return nil
}

// Update merges p over the active config, validates and persists the result.
// On error the active config is unchanged.
func (s *Store) Update(p *Patch) (*Config, error) {
	s.mu.Lock()
	base := s.cfg
	if base == nil {
		base = Default()
	}
	next := Merge(base, p)
	warnings, err := s.saveLocked(next)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.report(warnings)
	s.hub.Emit(event.ConfigUpdated, map[string]any{"path": s.path, "mode": string(next.Mode)})
	return s.Config(), nil
}

func (s *Store) saveLocked(cfg *Config) ([]string, error) {
	res := Validate(cfg)
	if !res.OK() {
		return nil, fmt.Errorf("invalid config: %w", res.Errors)
	}

	active := cfg.Clone()
	if !active.IsAuthenticated() {
		active.Credentials = nil
	}
	// The password is never written in plaintext, and an authenticated file
	// without one fails validation on the next Load.
	if active.IsAuthenticated() && s.box == nil && active.Credentials.HasLogin() {
		return nil, fmt.Errorf("saving credentials.password: %w", ErrSecretKeyRequired)
	}

	disk := active.Clone()
	omitted, err := s.sealSecrets(disk)
	if err != nil {
		return nil, err
	}
	data, err := encode(s.format, disk)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	if err := util.WriteFileAtomic(s.path, data, filePerm); err != nil {
		return nil, fmt.Errorf("write config: %w", err)
	}

	s.cfg = active
	s.digest = sha256.Sum256(data)

	warnings := res.Warnings
	if len(omitted) > 0 {
		warnings = append(warnings, fmt.Sprintf(
			"no secret key configured; %s not written to disk", strings.Join(omitted, ", ")))
	}
	return warnings, nil
}

// parse decodes data, merges it over defaults, opens sealed secrets and
// validates the result.
func (s *Store) parse(data []byte, f Format) (*Config, Result, error) {
	p, err := decodePatch(f, data)
	if err != nil {
		return nil, Result{}, err
	}
	cfg := Merge(Default(), p)
	if err := s.openSecrets(cfg); err != nil {
		return nil, Result{}, err
	}
	res := Validate(cfg)
	if !res.OK() {
		return nil, res, fmt.Errorf("invalid config: %w", res.Errors)
	}
	return cfg, res, nil
}

func (s *Store) report(warnings []string) {
	for _, w := range warnings {
		s.logger.Warn("config warning", zap.String("warning", w))
		s.hub.Emit(event.ConfigWarning, map[string]any{"warning": w})
	}
}

// =============================================================================
// SECRETS
// =============================================================================

type secretField struct {
	name string
	ptr  *string
}

func secretFields(c *Config) []secretField {
	fields := []secretField{{"api_key", &c.APIKey}}
	if c.Credentials != nil {
		fields = append(fields,
			secretField{"credentials.password", &c.Credentials.Password},
			secretField{"credentials.access_token", &c.Credentials.AccessToken},
			secretField{"credentials.refresh_token", &c.Credentials.RefreshToken},
			secretField{"credentials.session_token", &c.Credentials.SessionToken},
		)
	}
	return fields
}

// sealSecrets seals every secret in c. Without a key, secrets are cleared and
// their names returned.
func (s *Store) sealSecrets(c *Config) ([]string, error) {
	var omitted []string
	for _, f := range secretFields(c) {
		if *f.ptr == "" {
			continue
		}
		if s.box == nil {
			*f.ptr = ""
			omitted = append(omitted, f.name)
			continue
		}
		if security.IsSealed(*f.ptr) {
			continue
		}
		sealed, err := s.box.Seal(*f.ptr)
		if err != nil {
			return nil, fmt.Errorf("seal %s: %w", f.name, err)
		}
		*f.ptr = sealed
	}
	return omitted, nil
}

// openSecrets opens sealed secrets in c. Plaintext values are accepted as is
// and get sealed on the next save.
func (s *Store) openSecrets(c *Config) error {
	for _, f := range secretFields(c) {
		if !security.IsSealed(*f.ptr) {
			continue
		}
		if s.box == nil {
			return fmt.Errorf("%s: %w", f.name, ErrSecretKeyRequired)
		}
		plain, err := s.box.Open(*f.ptr)
		if err != nil {
			return fmt.Errorf("open %s: %w", f.name, err)
		}
		*f.ptr = plain
	}
	return nil
}

// =============================================================================
// BACKUP / RESTORE
// =============================================================================

// BackupInfo describes one backup file.
type BackupInfo struct {
	Name      string
	Path      string
	CreatedAt time.Time
	Size      int64
}

// Backup copies the current config file to the backups directory and returns
// the backup path.
func (s *Store) Backup() (string, error) {
	dst, err := s.backupLocked()
	if err != nil {
		return "", err
	}
	s.logger.Info("config backed up", zap.String("backup", dst))
	s.hub.Emit(event.ConfigBackup, map[string]any{"path": dst})
	return dst, nil
}

func (s *Store) backupLocked() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return "", ErrNoConfigFile
	}
	if err := os.MkdirAll(s.BackupDir(), dirPerm); err != nil {
		return "", fmt.Errorf("create backup directory: %w", err)
	}

	stamp := s.now().UTC().Format(backupTimeLayout)
	ext := s.format.Ext()
	dst := filepath.Join(s.BackupDir(), backupPrefix+stamp+ext)
	for seq := 1; fileExists(dst); seq++ {
		dst = filepath.Join(s.BackupDir(), fmt.Sprintf("%s%s-%d%s", backupPrefix, stamp, seq, ext))
	}

	if err := util.CopyFileAtomic(s.path, dst, filePerm); err != nil {
		return "", fmt.Errorf("copy config: %w", err)
	}
	return dst, nil
}

// Restore validates the backup named by file (a name inside BackupDir or a
// path) and, if valid, makes it the active config.
func (s *Store) Restore(file string) (*Config, error) {
	path := file
	if filepath.Base(file) == file {
		path = filepath.Join(s.BackupDir(), file)
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", file, ErrBackupNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read backup: %w", err)
	}

	cfg, _, err := s.parse(data, FormatFor(path))
	if err != nil {
		return nil, fmt.Errorf("backup %s: %w", filepath.Base(path), err)
	}

	s.mu.Lock()
	warnings, err := s.saveLocked(cfg)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.report(warnings)
	s.logger.Info("config restored", zap.String("backup", path))
	s.hub.Emit(event.ConfigRestored, map[string]any{"path": path})
	return s.Config(), nil
}

// ListBackups returns the backups, newest first.
func (s *Store) ListBackups() ([]BackupInfo, error) {
	entries, err := os.ReadDir(s.BackupDir())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read backup directory: %w", err)
	}

	type keyed struct {
		info BackupInfo
		seq  int
	}
	var list []keyed
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), backupPrefix) {
			continue
		}
		created, seq, ok := parseBackupName(e.Name())
		if !ok {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		list = append(list, keyed{
			info: BackupInfo{
				Name:      e.Name(),
				Path:      filepath.Join(s.BackupDir(), e.Name()),
				CreatedAt: created,
				Size:      fi.Size(),
			},
			seq: seq,
		})
	}

	sort.Slice(list, func(i, j int) bool {
		if !list[i].info.CreatedAt.Equal(list[j].info.CreatedAt) {
			return list[i].info.CreatedAt.After(list[j].info.CreatedAt)
		}
		return list[i].seq > list[j].seq
	})

	out := make([]BackupInfo, len(list))
	for i, k := range list {
		out[i] = k.info
	}
	return out, nil
}

// parseBackupName splits config-<stamp>[-<seq>].<ext>.
func parseBackupName(name string) (time.Time, int, bool) {
	rest := strings.TrimPrefix(name, backupPrefix)
	rest = strings.TrimSuffix(rest, filepath.Ext(rest))
	if len(rest) < len(backupTimeLayout) {
		return time.Time{}, 0, false
	}
	t, err := time.Parse(backupTimeLayout, rest[:len(backupTimeLayout)])
	if err != nil {
		return time.Time{}, 0, false
	}
	seq := 0
	if suffix := rest[len(backupTimeLayout):]; suffix != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(suffix, "-"))
		if err != nil {
			return time.Time{}, 0, false
		}
		seq = n
	}
	return t, seq, true
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
