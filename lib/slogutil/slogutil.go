// Copyright (C) 2024 The Slsknet Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package slogutil provides shared logging helpers: a per-package level
// tracker controlled by the SLSKTRACE environment variable, and common
// attribute constructors so log lines use consistent key names.
package slogutil

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Log levels:
// - DEBUG: programmers only (not user troubleshooting)
// - INFO: connects, logins, transfers completing
// - WARN: errors that can be ignored or will be retried
// - ERROR: errors that need handling by the host program

func Error(err any) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

func Address(v any) slog.Attr {
	return slog.Any("address", v)
}

func Username(name string) slog.Attr {
	return slog.String("username", name)
}

func Token(token uint32) slog.Attr {
	return slog.Any("token", token)
}

func Filename(name string) slog.Attr {
	return slog.String("filename", name)
}

// Expensive wraps a log value that is expensive to compute and should only
// be called if the log line is actually emitted.
func Expensive(fn func() any) expensive {
	return expensive{fn}
}

type expensive struct {
	fn func() any
}

func (e expensive) LogValue() slog.Value {
	return slog.AnyValue(e.fn())
}

var globalLevels = &levelTracker{
	levels: make(map[string]slog.Level),
}

func init() {
	// SLSKTRACE lists packages to put at DEBUG level, optionally with an
	// explicit level after a colon:
	//     SLSKTRACE="peers,distnet"
	//     SLSKTRACE="peers:WARN,conn:DEBUG"
	pkgs := strings.Split(os.Getenv("SLSKTRACE"), ",")
	for _, pkg := range pkgs {
		pkg = strings.TrimSpace(pkg)
		if pkg == "" {
			continue
		}
		level := slog.LevelDebug
		if cutPkg, levelStr, ok := strings.Cut(pkg, ":"); ok {
			pkg = cutPkg
			if err := level.UnmarshalText([]byte(levelStr)); err != nil {
				slog.Warn("Bad log level requested in SLSKTRACE", slog.String("pkg", pkg), slog.String("level", levelStr), Error(err))
			}
		}
		globalLevels.Set(pkg, level)
	}
}

func SetPackageLevel(pkg string, level slog.Level) {
	globalLevels.Set(pkg, level)
}

func SetDefaultLevel(level slog.Level) {
	globalLevels.SetDefault(level)
}

func PackageLevel(pkg string) slog.Level {
	return globalLevels.Get(pkg)
}

// NewLogger returns a logger for the given package, tagged with the package
// name and filtered by the tracked level for that package.
func NewLogger(pkg string) *slog.Logger {
	return slog.New(&levelHandler{pkg: pkg, inner: slog.Default().Handler()}).With(slog.String("pkg", pkg))
}

type levelTracker struct {
	mut      sync.RWMutex
	defLevel slog.Level
	levels   map[string]slog.Level
}

func (t *levelTracker) Get(pkg string) slog.Level {
	t.mut.RLock()
	defer t.mut.RUnlock()
	if level, ok := t.levels[pkg]; ok {
		return level
	}
	return t.defLevel
}

func (t *levelTracker) Set(pkg string, level slog.Level) {
	t.mut.Lock()
	t.levels[pkg] = level
	t.mut.Unlock()
}

func (t *levelTracker) SetDefault(level slog.Level) {
	t.mut.Lock()
	t.defLevel = level
	t.mut.Unlock()
}

type levelHandler struct {
	pkg   string
	inner slog.Handler
}

func (h *levelHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= globalLevels.Get(h.pkg)
}

func (h *levelHandler) Handle(ctx context.Context, rec slog.Record) error {
	return h.inner.Handle(ctx, rec)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{pkg: h.pkg, inner: h.inner.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{pkg: h.pkg, inner: h.inner.WithGroup(name)}
}
