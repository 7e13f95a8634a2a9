// Package main provides the routergw-cli command-line tool for managing the router.
package main

import (
	"fmt"
	"os"
	"strings"

	routergw "github.com/routergw/router"
	"github.com/routergw/router/internal/version"
	"github.com/routergw/router/plugin"

	// Register built-in plugins so they appear in the plugin list.
	_ "github.com/routergw/router/internal/plugins/cache"
	_ "github.com/routergw/router/internal/plugins/logger"
	_ "github.com/routergw/router/internal/plugins/maxtoken"
	_ "github.com/routergw/router/internal/plugins/ratelimit"
	_ "github.com/routergw/router/internal/plugins/wordfilter"
)

const usage = `routergw-cli — routing gateway command line tool

Usage:
  routergw-cli <command> [arguments]

Commands:
  validate <config-file>    Validate a router configuration file (JSON/YAML)
  plugins                   List all registered plugins
  version                   Print version info
  help                      Show this help
`

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(0)
	}

	switch os.Args[1] {
	case "validate":
		cmdValidate()
	case "plugins":
		cmdPlugins()
	case "version":
		cmdVersion()
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		fmt.Print(usage)
		os.Exit(1)
	}
}

func cmdValidate() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: routergw-cli validate <config-file>")
		os.Exit(1)
	}
	path := os.Args[2]

	cfg, err := routergw.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := routergw.ValidateConfig(*cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Validation error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ Config is valid\n")
	fmt.Printf("  Catalog:         %s\n", cfg.ModelCatalogPath)
	fmt.Printf("  State backend:   %s\n", cfg.State.Type)
	fmt.Printf("  Fallback:        %v\n", cfg.Routing.FallbackEnabled)

	var providerNames []string
	for _, p := range cfg.Providers {
		status := "disabled"
		if p.Enabled {
			status = "enabled"
		}
		providerNames = append(providerNames, fmt.Sprintf("%s (%s)", p.Name, status))
	}
	if len(providerNames) > 0 {
		fmt.Printf("  Providers:       %s\n", strings.Join(providerNames, ", "))
	}

	if len(cfg.Plugins) > 0 {
		var pluginNames []string
		for _, p := range cfg.Plugins {
			status := "disabled"
			if p.Enabled {
				status = "enabled"
			}
			pluginNames = append(pluginNames, fmt.Sprintf("%s@%s (%s)", p.Name, p.Stage, status))
		}
		fmt.Printf("  Plugins:         %s\n", strings.Join(pluginNames, ", "))
	}
}

func cmdPlugins() {
	names := plugin.RegisteredPlugins()
	if len(names) == 0 {
		fmt.Println("No plugins registered.")
		return
	}
	fmt.Println("Registered plugins:")
	for _, name := range names {
		factory, _ := plugin.GetFactory(name)
		p := factory()
		fmt.Printf("  %-20s type=%s\n", name, p.Type())
	}
}

func cmdVersion() {
	fmt.Printf("routergw-cli %s\n", version.String())
}
