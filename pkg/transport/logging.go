// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import "github.com/pion/logging"

// ScopedLogger creates the logger for scope. A nil factory yields a logger
// with every level disabled.
func ScopedLogger(factory logging.LoggerFactory, scope string) logging.LeveledLogger {
	if factory == nil {
		f := logging.NewDefaultLoggerFactory()
		f.DefaultLogLevel = logging.LogLevelDisabled
		f.ScopeLevels = map[string]logging.LogLevel{}
		factory = f
	}
	return factory.NewLogger(scope)
}
