// Package config provides configuration management for TinyVegeta.
//
// # Overview
//
// The config package uses Viper to load configuration from YAML files and
// environment variables. It provides a type-safe configuration structure with
// validation, default values, and automatic file creation.
//
// # Configuration File
//
// The configuration is stored at ~/.tinyvegeta/config.yaml and is
// automatically created with sensible defaults on first use. The file
// structure mirrors the Go structs defined in this package.
//
// # Environment Variables
//
// All configuration values can be overridden using environment variables
// with the TINYVEGETA_ prefix. Nested fields are separated by underscores.
//
// Examples:
//   - TINYVEGETA_SERVER_PORT=8080
//   - TINYVEGETA_SERVER_AUTH_TOKEN=secret
//   - TINYVEGETA_LOGGING_LEVEL=debug
//   - TINYVEGETA_MEMORY_ROOT=/var/lib/tinyvegeta/memory
//
// # Usage Example
//
//	package main
//
//	import (
//	    "log"
//	    "github.com/AlbanBeluli/tinyvegeta/internal/config"
//	)
//
//	func main() {
//	    // Load configuration
//	    cfg, err := config.Load()
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//
//	    // Ensure all directories exist
//	    if err := cfg.EnsureDirectories(); err != nil {
//	        log.Fatal(err)
//	    }
//
//	    // Validate configuration
//	    if err := cfg.Validate(); err != nil {
//	        log.Fatal(err)
//	    }
//
//	    log.Printf("memory root: %s", cfg.Memory.Root)
//	}
//
// # Security Best Practices
//
// The API auth token should be stored in an environment variable rather
// than in the config file to prevent accidental exposure:
//
//	export TINYVEGETA_SERVER_AUTH_TOKEN=...
//
// # Configuration Sections
//
//   - Memory: Location of the scoped memory stores
//   - Server: HTTP API host, port, shutdown timeout, and auth token
//   - Journal: SQLite session journal toggle
//   - Logging: Log level and optional output file
//   - Agents: Default agent id and team membership
//
// # Path Expansion
//
// The package automatically expands ~ to the user's home directory in
// all path configurations, making config files portable across systems.
//
// # Thread Safety
//
// Config instances are not thread-safe. If you need concurrent access,
// wrap the config in a sync.RWMutex or create separate instances.
package config
