// Package config handles configuration loading for coven-chat.
//
// # Configuration File
//
// The CLI looks for its config in this order:
//
//  1. Path from the COVEN_CHAT_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/chat.yaml (or ~/.config/coven/chat.yaml)
//
// A missing file is not an error; Default() is used instead. Files ending
// in .toml are parsed as TOML, anything else as YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//
// # Durations
//
// Timing values are written as Go duration strings ("2s", "30m") and parsed
// after decoding. Empty values fall back to the defaults in defaults.go.
//
// # Providers
//
// The "system" source is the managed backend configured under backend.
// Entries under providers are reached with source "custom" or "builtin"
// and their id; kind selects the wire protocol (openai or ollama).
package config
