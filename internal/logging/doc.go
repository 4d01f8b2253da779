// Package logging provides slog construction and shared attribute helpers.
//
// Two handlers are offered: a terse console handler for interactive use
// (tty-aware coloring, sorted attributes) and a JSON handler for log
// shipping. Loggers are built from config and passed explicitly; packages
// never reach for a global logger.
package logging
