// Package config loads, normalizes, and validates curator's TOML
// configuration.
//
// Configuration resolution order: an explicit --config path, then
// ~/.config/curator/config.toml, then ./curator.toml, finally built-in
// defaults. Loaded values are normalized (tilde expansion, trimming,
// default fill-in) before validation so the rest of the codebase never
// sees a half-formed Config.
package config
