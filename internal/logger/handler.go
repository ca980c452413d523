// Package logger provides the structured single-line JSON logging contract
// used across the decision engine: fixed base fields plus a closed set of
// context fields, with base fields always winning over context.
package logger

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"
)

// allowedContextFields is the closed enumeration of context keys a log call
// may attach. Anything outside this set is dropped rather than emitted,
// since an open-ended key set would make the logging contract unauditable.
var allowedContextFields = map[string]bool{
	"marketId":          true,
	"symbol":            true,
	"slug":              true,
	"stateMinute":       true,
	"side":              true,
	"confidence":        true,
	"entryPrice":        true,
	"imputedFeatures":   true,
	"orderId":           true,
	"error":             true,
	"errorCode":         true,
	"message":           true,
	"modelCount":        true,
	"trackerCount":      true,
	"positionCount":     true,
	"removedCount":      true,
	"remainingCount":    true,
	"success":           true,
	"pnl":               true,
	"size":              true,
	"dryRun":            true,
	"linearCombination": true,
	"tradeId":           true,
	"dbPath":            true,
	"outcome":           true,
	"isWin":             true,
}

const maxErrorLen = 200

// Handler implements slog.Handler, emitting one JSON object per record.
// Context fields are applied first and the fixed base fields are set after
// them, so context cannot override a base field; keys are written in
// encoding/json's sorted map-key order.
type Handler struct {
	mu      *sync.Mutex
	out     io.Writer
	service string
	app     string
	env     string
	level   slog.Leveler
	group   string
	attrs   []slog.Attr
}

// Options configures the fixed, per-process base fields.
type Options struct {
	Service string
	App     string
	Env     string
	Level   slog.Leveler
}

// New constructs a Handler writing to out.
func New(out io.Writer, opts Options) *Handler {
	level := opts.Level
	if level == nil {
		level = slog.LevelInfo
	}
	return &Handler{
		mu:      &sync.Mutex{},
		out:     out,
		service: opts.Service,
		app:     opts.App,
		env:     opts.Env,
		level:   level,
	}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	entry := make(map[string]any, 8+r.NumAttrs()+len(h.attrs))

	apply := func(a slog.Attr) bool {
		name := a.Key
		if h.group != "" {
			name = h.group + "." + a.Key
		}
		if !allowedContextFields[name] {
			return true
		}
		entry[name] = normalizeValue(name, a.Value)
		return true
	}
	for _, a := range h.attrs {
		apply(a)
	}
	r.Attrs(apply)

	entry["timestamp"] = r.Time.UTC().Format(time.RFC3339Nano)
	entry["level"] = levelName(r.Level)
	entry["strategy"] = "updown15m"
	entry["event"] = r.Message
	entry["_service"] = h.service
	entry["_app"] = h.app
	entry["_env"] = h.env

	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.out.Write(b)
	return err
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &cp
}

func (h *Handler) WithGroup(name string) slog.Handler {
	cp := *h
	if h.group == "" {
		cp.group = name
	} else {
		cp.group = h.group + "." + name
	}
	return &cp
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "ERROR"
	case l >= slog.LevelWarn:
		return "WARN"
	default:
		return "INFO"
	}
}

func normalizeValue(name string, v slog.Value) any {
	if name == "error" {
		s := v.String()
		if len(s) > maxErrorLen {
			return s[:maxErrorLen] + "…"
		}
		return s
	}
	return v.Any()
}
