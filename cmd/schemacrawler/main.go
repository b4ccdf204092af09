// Package main runs the schema crawler service: HTTP API, scheduler,
// worker pool, and periodic schema map rescans.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/JakeFAU/schema-crawler/internal/app"
	"github.com/JakeFAU/schema-crawler/internal/config"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	a, err := app.Build(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build application failed: %v\n", err)
		os.Exit(1)
	}

	if err := a.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
		os.Exit(1)
	}
}
