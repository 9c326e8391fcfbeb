package main

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	hookgateway "github.com/ferro-labs/hook-gateway"
	"github.com/ferro-labs/hook-gateway/internal/admin"
	"github.com/ferro-labs/hook-gateway/internal/logging"
)

const reloadDebounce = 500 * time.Millisecond

// configApplier is satisfied by *admin.GatewayConfigManager.
type configApplier interface {
	Apply(ctx context.Context, cfg hookgateway.Config) (admin.ConfigVersion, error)
}

// watchConfig reloads path into the gateway whenever it changes on disk.
// The parent directory is watched so editors that replace the file by
// rename are picked up. A config that fails to load or validate is logged
// and the running config is kept.
func watchConfig(ctx context.Context, path string, target configApplier) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return err
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		timer := time.NewTimer(0)
		timer.Stop()
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					timer.Reset(reloadDebounce)
				}
			case <-timer.C:
				reloadFromFile(ctx, abs, target)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Logger.Warn("config watcher error", "error", err.Error())
			}
		}
	}()
	logging.Logger.Info("watching config for changes", "path", abs)
	return nil
}

func reloadFromFile(ctx context.Context, path string, target configApplier) {
	log := logging.Logger.With("path", path)
	cfg, err := hookgateway.LoadConfig(path)
	if err != nil {
		log.Error("config reload failed", "error", err.Error())
		return
	}
	v, err := target.Apply(ctx, *cfg)
	if err != nil {
		log.Error("config reload rejected", "error", err.Error())
		return
	}
	log.Info("config reloaded from file", "version", v.Version, "plugins", len(cfg.Plugins))
}
