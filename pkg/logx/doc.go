// Package logx wraps zerolog behind a small Logger value that stays live
// across runtime config reloads, plus an optional rate-limited sink that
// mirrors records onto the event bus.
package logx
