// Copyright 2024 The go-blobex Authors
// This file is part of the go-blobex library.
//
// The go-blobex library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-blobex library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-blobex library. If not, see <http://www.gnu.org/licenses/>.

// Package xlog is a small leveled, structured logger in the style of the
// teacher's own log package: component loggers carry a fixed key/value
// context, every call site takes a message plus alternating key/value
// pairs, and output is colorized when attached to a terminal.
package xlog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Lvl is a log severity level.
type Lvl int

const (
	LvlCrit Lvl = iota
	LvlError
	LvlWarn
	LvlInfo
	LvlDebug
	LvlTrace
)

func (l Lvl) String() string {
	switch l {
	case LvlCrit:
		return "CRIT"
	case LvlError:
		return "ERRO"
	case LvlWarn:
		return "WARN"
	case LvlInfo:
		return "INFO"
	case LvlDebug:
		return "DBUG"
	case LvlTrace:
		return "TRCE"
	default:
		return "????"
	}
}

var lvlColor = map[Lvl]*color.Color{
	LvlCrit:  color.New(color.FgMagenta, color.Bold),
	LvlError: color.New(color.FgRed),
	LvlWarn:  color.New(color.FgYellow),
	LvlInfo:  color.New(color.FgGreen),
	LvlDebug: color.New(color.FgCyan),
	LvlTrace: color.New(color.FgBlue),
}

// Logger is a leveled logger carrying a fixed key/value context.
type Logger interface {
	New(ctx ...interface{}) Logger
	Trace(msg string, ctx ...interface{})
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	Crit(msg string, ctx ...interface{})
}

type handler struct {
	mu       sync.Mutex
	out      io.Writer
	color    bool
	minLevel Lvl
}

func newHandler(w io.Writer) *handler {
	isTerm := false
	if f, ok := w.(*os.File); ok {
		isTerm = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &handler{out: w, color: isTerm, minLevel: LvlInfo}
}

func (h *handler) setLevel(l Lvl) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.minLevel = l
}

func (h *handler) log(lvl Lvl, msg string, ctx []interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if lvl > h.minLevel {
		return
	}
	ts := time.Now().Format("2006-01-02T15:04:05.000")
	tag := lvl.String()
	if h.color {
		tag = lvlColor[lvl].SprintFunc()(tag)
	}
	line := fmt.Sprintf("%s[%s] %s", ts, tag, msg)
	for i := 0; i+1 < len(ctx); i += 2 {
		line += fmt.Sprintf(" %v=%v", ctx[i], ctx[i+1])
	}
	if lvl <= LvlError {
		if call := callerAt(4); call != "" {
			line += fmt.Sprintf(" caller=%s", call)
		}
	}
	fmt.Fprintln(h.out, line)
}

// callerAt captures the call site a handful of frames up, mirroring the
// call-site capture the teacher's own log package performs via the same
// go-stack/stack library; only paid for Error/Crit lines.
func callerAt(skip int) string {
	cs := stack.Trace().TrimRuntime()
	if len(cs) <= skip {
		return ""
	}
	return fmt.Sprintf("%+v", cs[skip])
}

type logger struct {
	h   *handler
	ctx []interface{}
}

var root = &logger{h: newHandler(colorable.NewColorableStdout())}

// Root returns the root logger.
func Root() Logger { return root }

// SetLevel adjusts the minimum level the root handler emits.
func SetLevel(l Lvl) { root.h.setLevel(l) }

// New creates a child of the root logger carrying the given context.
func New(ctx ...interface{}) Logger { return root.New(ctx...) }

func (l *logger) New(ctx ...interface{}) Logger {
	nctx := make([]interface{}, 0, len(l.ctx)+len(ctx))
	nctx = append(nctx, l.ctx...)
	nctx = append(nctx, ctx...)
	return &logger{h: l.h, ctx: nctx}
}

func (l *logger) write(lvl Lvl, msg string, ctx []interface{}) {
	all := make([]interface{}, 0, len(l.ctx)+len(ctx))
	all = append(all, l.ctx...)
	all = append(all, ctx...)
	l.h.log(lvl, msg, all)
}

func (l *logger) Trace(msg string, ctx ...interface{}) { l.write(LvlTrace, msg, ctx) }
func (l *logger) Debug(msg string, ctx ...interface{}) { l.write(LvlDebug, msg, ctx) }
func (l *logger) Info(msg string, ctx ...interface{})  { l.write(LvlInfo, msg, ctx) }
func (l *logger) Warn(msg string, ctx ...interface{})  { l.write(LvlWarn, msg, ctx) }
func (l *logger) Error(msg string, ctx ...interface{}) { l.write(LvlError, msg, ctx) }
func (l *logger) Crit(msg string, ctx ...interface{})  { l.write(LvlCrit, msg, ctx) }
