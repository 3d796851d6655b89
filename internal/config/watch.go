// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/jeranaias/rigrun-adapter/internal/event"
)

// Watch reloads the config when the file is changed by another process. It
// returns once the watcher is installed; watching stops when ctx is done.
// Writes made by this store are recognised by content and ignored. An edit
// that fails to parse or validate leaves the active config in place and
// publishes config.warning.
func (s *Store) Watch(ctx context.Context) error {
	target, err := filepath.Abs(s.path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Atomic saves replace the file, so watch the directory.
	if err := w.Add(filepath.Dir(target)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	go s.watchLoop(ctx, w, target)
	return nil
}

func (s *Store) watchLoop(ctx context.Context, w *fsnotify.Watcher, target string) {
	defer w.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				s.reload()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (s *Store) reload() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("config reload failed", zap.Error(err))
		}
		return
	}
	digest := sha256.Sum256(data)

	s.mu.Lock()
	if digest == s.digest {
		s.mu.Unlock()
		return
	}
	cfg, res, err := s.parse(data, s.format)
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("ignoring invalid config edit", zap.String("path", s.path), zap.Error(err))
		s.hub.Emit(event.ConfigWarning, map[string]any{"warning": err.Error()})
		return
	}
	s.cfg = cfg
	s.digest = digest
	s.mu.Unlock()

	s.report(res.Warnings)
	s.logger.Info("config reloaded", zap.String("path", s.path))
	s.hub.Emit(event.ConfigReloaded, map[string]any{"path": s.path})
}
