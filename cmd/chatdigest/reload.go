package main

import (
	"context"
	"log/slog"
	"reflect"
	"sync"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/chatdigest/internal/config"
	"github.com/basket/chatdigest/internal/engine"
	"github.com/basket/chatdigest/internal/trigger"
)

type policySetter interface {
	SetPolicy(p trigger.Policy, style string)
	SetCompleter(comp engine.Completer)
}

type dailySetter interface {
	SetDaily(daily cronlib.Schedule)
}

// reloader re-applies config.yaml edits to the running daemon. Trigger
// settings, style, the mode and daily time and the provider list take effect
// immediately; everything else needs a restart.
type reloader struct {
	mu      sync.Mutex
	current config.Config
	coord   policySetter
	sched   dailySetter
	kv      engine.KVStore
	logger  *slog.Logger

	// build defaults to buildCompleter.
	build func(ctx context.Context, cfg config.Config, kv engine.KVStore, logger *slog.Logger) engine.Completer
}

func (r *reloader) reload(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, err := config.LoadFrom(r.current.HomeDir)
	if err != nil {
		r.logger.Warn("config reload failed, keeping current settings", "error", err)
		return
	}
	for _, w := range next.Warnings {
		r.logger.Warn("config value replaced by fallback", "error", w)
	}

	if next.Fingerprint() != r.current.Fingerprint() {
		r.coord.SetPolicy(next.Summary.Policy(), next.Summary.Style)
		r.logger.Info("summary settings reloaded",
			"fingerprint", next.Fingerprint(),
			"threshold", next.Summary.Threshold,
			"mode", next.Summary.Mode,
			"style", next.Summary.Style,
		)
	}
	if next.Summary.Mode != r.current.Summary.Mode ||
		next.Summary.DailyTime != r.current.Summary.DailyTime ||
		next.Summary.Timezone != r.current.Summary.Timezone ||
		next.Summary.DailyDisabled != r.current.Summary.DailyDisabled {
		r.sched.SetDaily(next.Summary.DailySchedule())
	}
	if !reflect.DeepEqual(next.LLM, r.current.LLM) {
		build := r.build
		if build == nil {
			build = buildCompleter
		}
		r.coord.SetCompleter(build(ctx, next, r.kv, r.logger))
		r.logger.Info("completion providers reloaded", "providers", len(next.LLM.Providers))
	}
	if restartNeeded(r.current, next) {
		r.logger.Warn("some changed settings take effect after a restart")
	}
	r.current = next
}

// restartNeeded reports changes to settings that are only read at startup.
func restartNeeded(old, next config.Config) bool {
	return old.BindAddr != next.BindAddr ||
		old.Summary.BufferCapacity != next.Summary.BufferCapacity ||
		old.Summary.MaxConcurrent != next.Summary.MaxConcurrent ||
		old.Summary.MaxMessageChars != next.Summary.MaxMessageChars ||
		old.Summary.CompletionTimeoutSeconds != next.Summary.CompletionTimeoutSeconds ||
		old.Summary.RetryFailedWindow != next.Summary.RetryFailedWindow ||
		!reflect.DeepEqual(old.Persistence, next.Persistence) ||
		!reflect.DeepEqual(old.Channels, next.Channels) ||
		!reflect.DeepEqual(old.Gateway, next.Gateway) ||
		!reflect.DeepEqual(old.Telemetry, next.Telemetry)
}
