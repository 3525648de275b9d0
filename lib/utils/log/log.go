/*
Copyright 2024 Fission Internet Software

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package log configures the process-wide slog output and hands out
// component-scoped package loggers.
package log

import (
	"context"
	"log/slog"
	"os"

	"github.com/fission-codes/fission"
)

// Init installs the process-wide default logger. Call once from main;
// packages created before Init still log through the new default
// because package loggers resolve it at record time.
func Init(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

// NewPackageLogger returns a logger tagged with the joined component
// name, safe to create at package var scope.
func NewPackageLogger(components ...string) *slog.Logger {
	return slog.New(&deferredHandler{
		attrs: []slog.Attr{slog.String(fission.ComponentKey, fission.Component(components...))},
	})
}

// deferredHandler resolves the default handler on every record instead
// of capturing it at construction, so package-scope loggers pick up
// whatever Init installed later.
type deferredHandler struct {
	attrs  []slog.Attr
	groups []string
}

func (h *deferredHandler) resolve() slog.Handler {
	target := slog.Default().Handler()
	if len(h.attrs) > 0 {
		target = target.WithAttrs(h.attrs)
	}
	for _, group := range h.groups {
		target = target.WithGroup(group)
	}
	return target
}

func (h *deferredHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.resolve().Enabled(ctx, level)
}

func (h *deferredHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.resolve().Handle(ctx, record)
}

func (h *deferredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

func (h *deferredHandler) WithGroup(name string) slog.Handler {
	clone := *h
	clone.groups = append(append([]string{}, h.groups...), name)
	return &clone
}
