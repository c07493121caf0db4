package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AlbanBeluli/tinyvegeta/internal/bus"
	"github.com/AlbanBeluli/tinyvegeta/internal/config"
	"github.com/AlbanBeluli/tinyvegeta/internal/journal"
	"github.com/AlbanBeluli/tinyvegeta/internal/logging"
	"github.com/AlbanBeluli/tinyvegeta/internal/memory"
	"github.com/AlbanBeluli/tinyvegeta/internal/metrics"
	"github.com/AlbanBeluli/tinyvegeta/internal/server"
)

var (
	version = "0.1.0"
	cfgPath string
	verbose bool
	cfg     *config.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tinyvegeta",
		Short: "TinyVegeta - persistent scoped memory for agent fleets",
		Long: `TinyVegeta keeps durable memory for a fleet of agents:
  • Scoped key/value stores (global, per-agent, per-team, per-task)
  • Relevance ranking for prompt context injection
  • Compaction with dedupe, merge and capacity pruning
  • SQLite journal of session events, decisions and outcomes
  • HTTP API with a live websocket watch feed

Store a fact:            tinyvegeta memory set deploy-host vegeta-1
Rank memory for a query: tinyvegeta memory explain "deploy the api"
Run the HTTP API:        tinyvegeta serve`,
		PersistentPreRunE: initApp,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.tinyvegeta/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("TinyVegeta v%s\n", version)
		},
	})

	// Server command
	rootCmd.AddCommand(serveCmd())

	// Config command group
	rootCmd.AddCommand(configCmd())

	// Memory command group
	rootCmd.AddCommand(memoryCmd())

	// Journal command group
	rootCmd.AddCommand(journalCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// INITIALIZATION
// ═══════════════════════════════════════════════════════════════════════════════

func initApp(cmd *cobra.Command, args []string) error {
	var err error
	if cfgPath != "" {
		cfg, err = config.LoadFromPath(cfgPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("failed to prepare data directories: %w", err)
	}

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	if err := logging.Init(level, cfg.Logging.File); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	return nil
}

func openStore() (*memory.Store, error) {
	store, err := memory.NewStore(cfg.Memory.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory store: %w", err)
	}
	return store, nil
}

func openJournal() (*journal.Journal, error) {
	j, err := journal.Open(cfg.Memory.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return j, nil
}

// scopeArgs pulls the optional trailing [scope] [scope-id] positionals,
// starting at index from. Scope defaults to global.
func scopeArgs(args []string, from int) (string, string) {
	scope := "global"
	if len(args) > from {
		scope = args[from]
	}
	scopeID := ""
	if len(args) > from+1 {
		scopeID = args[from+1]
	}
	return scope, scopeID
}

func parseLimit(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid limit %q: %w", raw, err)
	}
	return limit, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// SERVE COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP memory API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}

			eventBus := bus.New()
			defer eventBus.Close()
			store.SetBus(eventBus)

			collector := metrics.NewCollector(eventBus)
			collector.Start()
			defer collector.Stop()

			srvCfg := &server.Config{
				Host:            cfg.Server.Host,
				Port:            cfg.Server.Port,
				ShutdownTimeout: cfg.Server.ShutdownTimeout,
				AuthToken:       cfg.Server.AuthToken,
			}
			if port != 0 {
				srvCfg.Port = port
			}

			srv := server.New(srvCfg, store)
			srv.SetBus(eventBus)
			srv.SetMetrics(collector)

			if cfg.Journal.Enabled {
				j, err := openJournal()
				if err != nil {
					return err
				}
				defer j.Close()
				j.SetBus(eventBus)
				srv.SetJournal(j)
			}

			fmt.Printf("Starting web server on port %d...\n", srvCfg.Port)

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			// Wait for interrupt signal
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case <-sigChan:
				fmt.Println("\nShutting down...")
			}

			if err := srv.Shutdown(); err != nil {
				return fmt.Errorf("shutdown error: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides config)")
	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIG COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	// Show command
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			journalState := "disabled"
			if cfg.Journal.Enabled {
				journalState = "enabled"
			}

			fmt.Println("TinyVegeta Configuration:")
			fmt.Println("─────────────────────────")
			fmt.Printf("Memory Root:   %s\n", cfg.Memory.Root)
			fmt.Printf("Server:        %s:%d\n", cfg.Server.Host, cfg.Server.Port)
			fmt.Printf("Journal:       %s\n", journalState)
			fmt.Printf("Log Level:     %s\n", cfg.Logging.Level)
			fmt.Printf("Default Agent: %s\n", cfg.Agents.Default)
			fmt.Printf("Teams:         %d configured\n", len(cfg.Agents.Teams))
			return nil
		},
	})

	// Init command
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := cfgPath
			if path == "" {
				path = config.Default().GetConfigPath()
			}
			if _, err := os.Stat(path); err == nil {
				fmt.Printf("Config already exists: %s\n", path)
				return nil
			}
			if err := config.Default().SaveToPath(path); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			fmt.Printf("Wrote default config: %s\n", path)
			return nil
		},
	})

	// Path command
	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		Run: func(cmd *cobra.Command, args []string) {
			if cfgPath != "" {
				fmt.Println(cfgPath)
				return
			}
			fmt.Println(cfg.GetConfigPath())
		},
	})

	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// MEMORY COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func memoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Manage persistent memory",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value> [scope] [scope-id]",
		Short: "Set a memory entry",
		Args:  cobra.RangeArgs(2, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			scope, scopeID := scopeArgs(args, 2)
			if err := store.Set(args[0], args[1], memory.ParseScope(scope), scopeID); err != nil {
				return err
			}
			fmt.Printf("Set memory: %s = %s (scope: %s)\n", args[0], args[1], scope)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get <key> [scope] [scope-id]",
		Short: "Get a memory entry",
		Args:  cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			scope, scopeID := scopeArgs(args, 1)
			entry, err := store.Get(args[0], memory.ParseScope(scope), scopeID)
			if err != nil {
				return err
			}
			if entry == nil {
				fmt.Printf("Key not found: %s\n", args[0])
				return nil
			}
			category := "none"
			if entry.Category != nil {
				category = *entry.Category
			}
			fmt.Printf("%s = %s\n", entry.Key, entry.Value)
			fmt.Printf("  Scope: %s, Category: %s\n", entry.Scope, category)
			return nil
		},
	})

	cmd.AddCommand(memoryListCmd())

	cmd.AddCommand(&cobra.Command{
		Use:   "search <query> [limit]",
		Short: "Search memory by key or value substring",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := ""
			if len(args) > 1 {
				raw = args[1]
			}
			limit, err := parseLimit(raw, 10)
			if err != nil {
				return err
			}

			store, err := openStore()
			if err != nil {
				return err
			}
			entries, err := store.Search(args[0], limit)
			if err != nil {
				return err
			}

			fmt.Printf("Search results for '%s':\n", args[0])
			for _, e := range entries {
				fmt.Printf("  [%s] %s = %s\n", e.Scope, e.Key, memory.TruncateRunes(e.Value, 50))
			}
			return nil
		},
	})

	cmd.AddCommand(memoryExplainCmd())

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <key> [scope] [scope-id]",
		Short: "Delete a memory entry",
		Args:  cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			scope, scopeID := scopeArgs(args, 1)
			if err := store.Delete(args[0], memory.ParseScope(scope), scopeID); err != nil {
				return err
			}
			fmt.Printf("Deleted: %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Memory statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			stats, err := store.Stats()
			if err != nil {
				return err
			}
			fmt.Println(stats)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "compact [scope] [scope-id]",
		Short: "Compact a memory store (dedupe, merge, prune)",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			scope, scopeID := scopeArgs(args, 0)
			report, err := store.Compact(memory.ParseScope(scope), scopeID)
			if err != nil {
				return err
			}
			fmt.Printf("Compaction complete: expired_removed=%d, merged=%d, promoted=%d, pruned=%d\n",
				report.ExpiredRemoved, report.Merged, report.Promoted, report.Pruned)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear [scope] [scope-id]",
		Short: "Clear a memory store",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			scope, scopeID := scopeArgs(args, 0)
			if err := store.Clear(memory.ParseScope(scope), scopeID); err != nil {
				return err
			}
			fmt.Printf("Cleared memory: %s\n", scope)
			return nil
		},
	})

	return cmd
}

func memoryListCmd() *cobra.Command {
	var category string

	cmd := &cobra.Command{
		Use:   "list [scope] [scope-id]",
		Short: "List memory entries",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			scope, scopeID := scopeArgs(args, 0)
			entries, err := store.List(memory.ParseScope(scope), scopeID, category)
			if err != nil {
				return err
			}

			fmt.Printf("Memory entries (%d):\n", len(entries))
			for _, e := range entries {
				fmt.Printf("  %s = %s\n", e.Key, memory.TruncateRunes(e.Value, 50))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&category, "category", "", "filter by category instead of scope")
	return cmd
}

func memoryExplainCmd() *cobra.Command {
	var agent, team string

	cmd := &cobra.Command{
		Use:   "explain <query> [limit]",
		Short: "Explain what memory would be injected for a query",
		Long: `Rank memory against a query the way context assembly would, and show
the candidates per scope.

Examples:
  tinyvegeta memory explain "deploy the api"
  tinyvegeta memory explain "rotate credentials" 10 --agent ops-1
  tinyvegeta memory explain "standup notes" --team platform`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := ""
			if len(args) > 1 {
				raw = args[1]
			}
			limit, err := parseLimit(raw, 6)
			if err != nil {
				return err
			}

			store, err := openStore()
			if err != nil {
				return err
			}

			agentID := agent
			if agentID == "" {
				agentID = cfg.Agents.Default
			}
			teamID := team
			if teamID == "" {
				teamID, _ = cfg.Agents.TeamFor(agentID)
			}
			teamShown := teamID
			if teamShown == "" {
				teamShown = "none"
			}

			query := args[0]
			fmt.Printf("Memory explain for query: %s\n", query)
			fmt.Printf("Agent: %s\n", agentID)
			fmt.Printf("Team: %s\n", teamShown)

			total := 0
			if entries, err := store.Relevant(query, memory.ScopeGlobal, "", limit); err == nil {
				fmt.Println("\n[global]")
				for _, e := range entries {
					fmt.Printf("- %s = %s\n", e.Key, memory.TruncateRunes(e.Value, 180))
					total++
				}
			}
			if entries, err := store.Relevant(query, memory.ScopeAgent, agentID, limit); err == nil {
				fmt.Printf("\n[agent:%s]\n", agentID)
				for _, e := range entries {
					fmt.Printf("- %s = %s\n", e.Key, memory.TruncateRunes(e.Value, 180))
					total++
				}
			}
			if teamID != "" {
				if entries, err := store.Relevant(query, memory.ScopeTeam, teamID, limit); err == nil {
					fmt.Printf("\n[team:%s]\n", teamID)
					for _, e := range entries {
						fmt.Printf("- %s = %s\n", e.Key, memory.TruncateRunes(e.Value, 180))
						total++
					}
				}
			}
			fmt.Printf("\nTotal injected candidates: %d\n", total)
			return nil
		},
	}

	cmd.Flags().StringVar(&agent, "agent", "", "agent id (default from config)")
	cmd.Flags().StringVar(&team, "team", "", "team id (default resolved from config teams)")
	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// JOURNAL COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func journalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the event journal",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "summary <session-id>",
		Short: "Summarize a session's journal activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := openJournal()
			if err != nil {
				return err
			}
			defer j.Close()

			summary, err := j.SummarizeSession(context.Background(), args[0])
			if err != nil {
				return err
			}

			lastOutcome := "none"
			if summary.LastOutcome != nil {
				lastOutcome = *summary.LastOutcome
			}
			fmt.Printf("Session: %s\n", summary.SessionID)
			fmt.Printf("  Events:    %d\n", summary.EventCount)
			fmt.Printf("  Decisions: %d\n", summary.DecisionCount)
			fmt.Printf("  Outcomes:  %d\n", summary.OutcomeCount)
			fmt.Printf("  Last outcome: %s\n", lastOutcome)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "failures <agent-id>",
		Short: "Count an agent's failed outcomes in the last hour",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := openJournal()
			if err != nil {
				return err
			}
			defer j.Close()

			count, err := j.FailedOutcomesLastHour(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Failed outcomes for %s in the last hour: %d\n", args[0], count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "vacuum",
		Short: "Reclaim journal disk space",
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := openJournal()
			if err != nil {
				return err
			}
			defer j.Close()

			if err := j.Vacuum(context.Background()); err != nil {
				return err
			}
			fmt.Println("Journal vacuumed.")
			return nil
		},
	})

	return cmd
}
