// Package config handles configuration loading for the bridge.
//
// # Overview
//
// Configuration starts from built-in defaults, then each existing file passed
// to Load is decoded over it in order. Files ending in .toml are read as TOML;
// everything else is YAML. Missing files are skipped.
//
// # Configuration File
//
// The CLI looks in these locations:
//
//  1. Path from the OPENCODE_FEISHU_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/opencode/feishu-bot.yaml or .toml
//  3. ./.opencode/feishu-bot.yaml or .toml
//
// # Environment Variable Expansion
//
// File values can reference environment variables before decoding:
//
//	feishu:
//	  app_secret: "${FEISHU_APP_SECRET}"
//
// Only the ${VAR_NAME} form is expanded. Unset variables become empty.
//
// # Environment Overlay
//
// After the files, individual variables override single keys, for example
// FEISHU_APP_ID, OPENCODE_BASE_URL or BOT_GROUP_POLICY. OPENCODE_TIMEOUT,
// BOT_THINKING_DELAY and BOT_STREAM_INTERVAL are integer milliseconds.
//
// # Duration Parsing
//
// Durations in files use Go's time.ParseDuration syntax:
//
//	bot:
//	  thinking_delay: "2.5s"
//	  stream_interval: "1s"
//
// A zero thinking_delay disables the placeholder, and a zero history_messages
// disables history import; an explicit zero is kept rather than replaced by
// the default.
package config
