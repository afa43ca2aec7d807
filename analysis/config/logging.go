// Copyright The OPAL Project Developers. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"io"
	"log"
	"os"
)

type LogLevel int

const (
	// ErrLevel=1 - the minimum level of logging.
	ErrLevel LogLevel = iota + 1

	// WarnLevel=2 - the level for logging warnings, and errors
	WarnLevel

	// InfoLevel=3 - the level for logging high-level information, results
	InfoLevel

	// DebugLevel=4 - the level for debugging information, e.g. phase transitions and
	// quiescence passes. The engines run properly on large inputs with that level.
	DebugLevel

	// TraceLevel=5 - the level for tracing individual scheduling and commit events.
	// Too verbose for large inputs, useful on small testing programs.
	TraceLevel
)

// LogGroup holds a set of loggers, one per level, that are enabled or
// disabled depending on the configured level.
type LogGroup struct {
	level LogLevel
	trace *log.Logger
	debug *log.Logger
	info  *log.Logger
	warn  *log.Logger
	err   *log.Logger
}

// NewLogGroup returns a log group that is configured to the logging settings stored inside the config
func NewLogGroup(config *Config) *LogGroup {
	l := &LogGroup{
		level: LogLevel(config.LogLevel),
		trace: log.New(os.Stderr, "[TRACE] ", log.LstdFlags),
		debug: log.New(os.Stderr, "[DEBUG] ", log.LstdFlags),
		info:  log.New(os.Stderr, "[INFO] ", log.LstdFlags),
		warn:  log.New(os.Stderr, "[WARN] ", log.LstdFlags),
		err:   log.New(os.Stderr, "[ERROR] ", log.LstdFlags),
	}
	return l
}

// SetAllOutput sets all the output writers to the writer provided
func (l *LogGroup) SetAllOutput(w io.Writer) {
	l.trace.SetOutput(w)
	l.debug.SetOutput(w)
	l.info.SetOutput(w)
	l.warn.SetOutput(w)
	l.err.SetOutput(w)
}

// Tracef calls Printf on the trace logger. Arguments are handled in the manner of Printf
func (l *LogGroup) Tracef(format string, v ...any) {
	if l.level >= TraceLevel {
		l.trace.Printf(format, v...)
	}
}

// Debugf calls Printf on the debug logger. Arguments are handled in the manner of Printf
func (l *LogGroup) Debugf(format string, v ...any) {
	if l.level >= DebugLevel {
		l.debug.Printf(format, v...)
	}
}

// Infof calls Printf on the info logger. Arguments are handled in the manner of Printf
func (l *LogGroup) Infof(format string, v ...any) {
	if l.level >= InfoLevel {
		l.info.Printf(format, v...)
	}
}

// Warnf calls Printf on the warn logger. Arguments are handled in the manner of Printf
func (l *LogGroup) Warnf(format string, v ...any) {
	if l.level >= WarnLevel {
		l.warn.Printf(format, v...)
	}
}

// Errorf calls Printf on the error logger. Arguments are handled in the manner of Printf
func (l *LogGroup) Errorf(format string, v ...any) {
	if l.level >= ErrLevel {
		l.err.Printf(format, v...)
	}
}
