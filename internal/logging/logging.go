// Package logging configures the process-wide slog handler and tracks a
// leveled registry so verbosity can be adjusted per component at runtime
// via the debug-level topic.
package logging

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/cantinaos/cantina/internal/config"
)

// Level converts a config log level to its slog equivalent. Unknown values
// map to info.
func Level(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Registry hands out per-component loggers that share one handler but have
// individually adjustable levels.
type Registry struct {
	mu       sync.Mutex
	base     slog.Handler
	root     *slog.LevelVar
	levels   map[string]*slog.LevelVar
	fallback slog.Level
}

// NewRegistry creates a registry writing text logs to w at the given
// default level, and installs the root logger as slog's default.
func NewRegistry(w io.Writer, level config.LogLevel) *Registry {
	root := &slog.LevelVar{}
	root.Set(Level(level))
	base := slog.NewTextHandler(w, &slog.HandlerOptions{Level: root})
	slog.SetDefault(slog.New(base))
	return &Registry{
		base:     base,
		root:     root,
		levels:   make(map[string]*slog.LevelVar),
		fallback: Level(level),
	}
}

// Component returns a logger for the named component whose level can later
// be changed with SetLevel.
func (r *Registry) Component(name string) *slog.Logger {
	lv := r.levelVar(name)
	return slog.New(&leveledHandler{next: r.base, level: lv}).With("component", name)
}

func (r *Registry) levelVar(name string) *slog.LevelVar {
	r.mu.Lock()
	defer r.mu.Unlock()
	lv, ok := r.levels[name]
	if !ok {
		lv = &slog.LevelVar{}
		lv.Set(r.fallback)
		r.levels[name] = lv
	}
	return lv
}

// SetLevel adjusts one component's verbosity. Component "" adjusts the
// root logger and every component that has not been individually set.
func (r *Registry) SetLevel(component string, level config.LogLevel) {
	if component == "" {
		r.root.Set(Level(level))
		r.mu.Lock()
		r.fallback = Level(level)
		for _, lv := range r.levels {
			lv.Set(Level(level))
		}
		r.mu.Unlock()
		return
	}
	r.levelVar(component).Set(Level(level))
}

// Components returns the names that currently have dedicated levels,
// sorted for stable status output.
func (r *Registry) Components() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.levels))
	for name := range r.levels {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// leveledHandler gates a shared handler behind a per-component level.
type leveledHandler struct {
	next  slog.Handler
	level *slog.LevelVar
}

func (h *leveledHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *leveledHandler) Handle(ctx context.Context, rec slog.Record) error {
	return h.next.Handle(ctx, rec)
}

func (h *leveledHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &leveledHandler{next: h.next.WithAttrs(attrs), level: h.level}
}

func (h *leveledHandler) WithGroup(name string) slog.Handler {
	return &leveledHandler{next: h.next.WithGroup(name), level: h.level}
}
