// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package logger defines the narrow logging interface the rest of the
// module uses, plus a stdlib-backed default implementation.
package logger

import (
	"log"
	"os"
)

// Logger is the sink every UDS package logs through: a single
// variadic Printf method, with a nil Logger meaning "discard
// everything".
type Logger interface {
	Printf(format string, args ...interface{})
}

// Std wraps a *log.Logger to satisfy Logger.
type Std struct {
	*log.Logger
}

// NewStd returns a Logger that writes to os.Stderr with the given
// prefix, for use by cmd/udsctl and tests.
func NewStd(prefix string) Std {
	return Std{log.New(os.Stderr, prefix, log.LstdFlags)}
}

// Printf implements Logger.
func (s Std) Printf(format string, args ...interface{}) {
	s.Logger.Printf(format, args...)
}

// nopLogger discards everything; used as the default when a caller
// passes a nil Logger.
type nopLogger struct{}

func (nopLogger) Printf(string, ...interface{}) {}

// Nop is the no-op Logger.
var Nop Logger = nopLogger{}

// OrNop returns l if non-nil, else Nop. Every package that accepts
// an optional Logger routes incoming values through this so logging
// call sites never need a nil check of their own.
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop
	}
	return l
}
