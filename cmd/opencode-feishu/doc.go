// ABOUTME: Command documentation for opencode-feishu
// ABOUTME: Lists subcommands and config lookup order

// Command opencode-feishu bridges Feishu or Matrix chats to an OpenCode server.
//
// Usage:
//
//	opencode-feishu serve     run the bridge (default)
//	opencode-feishu init      write a TOML config interactively
//	opencode-feishu health    query /health/ready of a running bridge
//	opencode-feishu version   print the version
//
// The config file is the first of $OPENCODE_FEISHU_CONFIG,
// $XDG_CONFIG_HOME/opencode/feishu-bot.{yaml,toml} and
// ./.opencode/feishu-bot.{yaml,toml} that exists. A .env file in the working
// directory is loaded before anything else.
package main
