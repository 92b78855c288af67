// Package config loads the configuration of a courier process.
//
// Files are TOML or YAML, chosen by extension. Every field has a default
// so a file only needs the settings it changes:
//
//	[transport]
//	base_url = "https://chat.example.com/api"
//	request_timeout = "10s"
//
//	[messages]
//	max_content_bytes = "16 KiB"
//
//	[storage]
//	backend = "pebble"
//	path = "~/.courier/outbox"
//
// Durations accept Go duration strings or plain seconds; sizes accept
// humanized byte strings or plain integers. LoadDotEnv reads .env files
// before the factory package applies COURIER_* environment overrides.
package config
