// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package health

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce collapses the burst of events an editor save produces.
const reloadDebounce = 250 * time.Millisecond

// WatchThresholds loads path, applies it, and reapplies it whenever the
// file is written or replaced, until ctx is done. The parent directory is
// watched so atomic renames are seen. An invalid file is logged and the
// current thresholds are kept.
func (e *Evaluator) WatchThresholds(ctx context.Context, path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}
	if err := e.reloadThresholds(absPath); err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		fsw.Close()
		return fmt.Errorf("failed to watch path: %w", err)
	}

	logger := e.logger.With(slog.String("path", absPath))
	go func() {
		defer fsw.Close()

		var (
			mu    sync.Mutex
			timer *time.Timer
		)
		defer func() {
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
		}()

		for {
			select {
			case <-ctx.Done():
				logger.Info("threshold watcher stopped")
				return
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != absPath {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(reloadDebounce, func() {
					if err := e.reloadThresholds(absPath); err != nil {
						logger.Error("failed to reload thresholds", slog.Any("error", err))
					}
				})
				mu.Unlock()
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				logger.Error("threshold watcher error", slog.Any("error", err))
			}
		}
	}()

	logger.Info("watching thresholds file")
	return nil
}

func (e *Evaluator) reloadThresholds(path string) error {
	t, err := LoadThresholds(path)
	if err != nil {
		return err
	}
	return e.UpdateThresholds(t)
}
