package config_test

import (
	"fmt"
	"log"

	"github.com/AlbanBeluli/tinyvegeta/internal/config"
)

// ExampleLoad demonstrates how to load configuration from the default location.
func ExampleLoad() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	fmt.Printf("Memory root: %s\n", cfg.Memory.Root)
	fmt.Printf("Server port: %d\n", cfg.Server.Port)
	fmt.Printf("Default agent: %s\n", cfg.Agents.Default)
}

// ExampleLoadFromPath demonstrates loading config from a specific path.
func ExampleLoadFromPath() {
	cfg, err := config.LoadFromPath("/tmp/test-tinyvegeta/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	fmt.Printf("Loaded from custom path\n")
	fmt.Printf("Port: %d\n", cfg.Server.Port)
}

// ExampleConfig_Save demonstrates saving configuration changes.
func ExampleConfig_Save() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Modify configuration
	cfg.Server.Port = 8080
	cfg.Logging.Level = "debug"

	// Save changes
	if err := cfg.Save(); err != nil {
		log.Fatalf("Failed to save config: %v", err)
	}

	fmt.Println("Configuration saved successfully")
}

// ExampleConfig_Validate demonstrates configuration validation.
func ExampleConfig_Validate() {
	cfg := config.Default()

	// Validate default config
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	fmt.Println("Configuration is valid")

	// Try an invalid configuration
	cfg.Logging.Level = "shouty"
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Validation error: %v\n", err)
	}
}

// ExampleAgentsConfig_TeamFor demonstrates resolving an agent's team.
func ExampleAgentsConfig_TeamFor() {
	agents := config.AgentsConfig{
		Default: "assistant",
		Teams: map[string][]string{
			"core": {"assistant", "researcher"},
		},
	}

	if team, ok := agents.TeamFor("assistant"); ok {
		fmt.Printf("assistant belongs to team %s\n", team)
	}
}
