// Package config handles configuration loading for callwatch.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Every field has a default, so an empty file is a valid config.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from CALLWATCH_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/callwatch/callwatch.yaml
//  3. ~/.config/callwatch/callwatch.yaml
//
// A file ending in .toml is decoded as TOML; anything else as YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	notify:
//	  webhook_url: "${CALLWATCH_WEBHOOK}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax plus a "d" suffix:
//
//	decisions:
//	  accepted_ttl: "14d"
//	  rejected_ttl: "1h"
//
// # Configuration Sections
//
// Server and storage:
//
//	server:
//	  http_addr: "127.0.0.1:8090"
//	  watch_config: true            # hot-reload observers
//	database:
//	  driver: "sqlite"              # sqlite or badger
//	  path: "/var/lib/callwatch/callwatch.db"
//
// Pipeline and outbound rate:
//
//	pipeline:
//	  queue_capacity: 10000
//	  overflow_policy: "block"      # block or reject
//	  eval_concurrency: 5
//	  lookup_concurrency: 10
//	  reevaluate: "full"            # full or delta
//	governor:
//	  per_observer_rate: 1
//	  global_rate: 30
//
// Observers:
//
//	observers:
//	  - id: "chanA"
//	    min_sources: 2
//	    max_age: "6h"
//
// Only the observers section is applied on reload. Changes to any other
// section need a restart.
package config
