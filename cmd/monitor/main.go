// gpuminer: per-device GPU proof-of-work search
// Copyright (C) 2026  Guillermo Perry
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"gpuminer/internal/cli/ui"
	"gpuminer/internal/client"
	"gpuminer/internal/config"
)

var (
	configPath = flag.String("config", "", "configuration file used to find the API address")
	apiFlag    = flag.String("api", "", "gpuminer HTTP API address (overrides config)")
	interval   = flag.Duration("interval", time.Second, "polling interval")
	once       = flag.Bool("once", false, "print one stats snapshot and exit")
)

func main() {
	flag.Parse()

	addr, err := apiAddress(*configPath, *apiFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "monitor: %v\n", err)
		os.Exit(1)
	}
	c := client.NewAPIClient(addr)

	if *once {
		if err := printOnce(c); err != nil {
			fmt.Fprintf(os.Stderr, "monitor: %v\n", err)
			os.Exit(1)
		}
		return
	}

	p := tea.NewProgram(ui.NewModel(c, *interval), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor: %v\n", err)
		os.Exit(1)
	}
}

// apiAddress picks the flag value when set, otherwise the configured
// HTTP listen address.
func apiAddress(path, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return "", err
	}
	return cfg.HTTPListen, nil
}

func printOnce(c *client.APIClient) error {
	stats, err := c.GetStats()
	if err != nil {
		return err
	}
	fmt.Printf("farm %s (%s) up %s, %s, %d solutions\n",
		stats.ID, stats.Method, stats.Uptime, ui.FormatHashrate(stats.Hashrate), stats.Solutions)
	for _, m := range stats.Miners {
		fmt.Printf("  #%d %-8s %-8s %s\n", m.Index, m.Name, m.State, ui.FormatHashrate(m.Hashrate))
	}
	return nil
}
