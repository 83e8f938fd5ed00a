// Package config handles configuration loading for the lefi client.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	token: "${DISCORD_BOT_TOKEN}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	gateway:
//	  identify_interval: "5s"
//	  reconnect_base: "1s"
//	  reconnect_max: "60s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Client identity:
//
//	token: "${DISCORD_BOT_TOKEN}"  # Required
//	intents: 513
//	shard_count: 0                 # 0 = use the count recommended by the API
//
// REST endpoint:
//
//	api:
//	  base_url: "https://discord.com/api/v10"
//
// Gateway tuning:
//
//	gateway:
//	  url: ""                    # Empty = discover via GET /gateway/bot
//	  identify_interval: "5s"
//	  reconnect_base: "1s"
//	  reconnect_max: "60s"
//
// Session persistence:
//
//	database:
//	  path: "/var/lib/lefi/sessions.db"  # Empty = resume state kept in memory only
//
// Cache bounds:
//
//	cache:
//	  max_messages: 1000
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
//	cfg, err := config.Load("/etc/lefi/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	logger := cfg.BuildLogger()
package config
