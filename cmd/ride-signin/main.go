package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/dgellow/ride-signin/internal"
	"github.com/dgellow/ride-signin/internal/config"
	"github.com/dgellow/ride-signin/internal/log"
)

var BuildVersion = "dev"

func defaultConfig() map[string]any {
	return map[string]any{
		"version": config.VersionPrefix,
		"server": map[string]any{
			"baseURL":        "https://rides.university.edu",
			"addr":           ":8080",
			"productionHost": "rides.university.edu",
			"allowedOrigins": []string{"https://rides.university.edu"},
		},
		"auth": map[string]any{
			"issuer":            "https://accounts.google.com",
			"clientId":          map[string]string{"$env": "GOOGLE_CLIENT_ID"},
			"clientSecret":      map[string]string{"$env": "GOOGLE_CLIENT_SECRET"},
			"redirectUri":       "https://rides.university.edu/auth/callback",
			"institutionSuffix": "@university.edu",
			"stateSecret":       map[string]string{"$env": "STATE_SECRET"},
			"sessionTtl":        "12h",
			"popupTimeout":      "30s",
		},
		"storage": map[string]any{
			"backend":    "sqlite",
			"sqlitePath": "ride-signin.db",
			"retention":  "24h",
		},
		"signin": map[string]any{
			"attemptTimeout": "30s",
			"maxAttempts":    3,
			"window":         "30s",
		},
		"routes": map[string]any{
			"landing":       []string{"/", "/login"},
			"authenticated": "/rides",
		},
	}
}

func generateDefaultConfig(path string) error {
	data, err := json.MarshalIndent(defaultConfig(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func validateConfig(w io.Writer, path string) error {
	result, err := config.ValidateFile(path)
	if err != nil {
		return fmt.Errorf("error during validation: %w", err)
	}

	fmt.Fprintf(w, "Validating: %s\n", path)

	if len(result.Errors) > 0 {
		fmt.Fprintf(w, "\nErrors (%d):\n", len(result.Errors))
		for _, err := range result.Errors {
			if err.Path != "" {
				fmt.Fprintf(w, "  - %s: %s\n", err.Path, err.Message)
			} else {
				fmt.Fprintf(w, "  - %s\n", err.Message)
			}
		}
	}

	if len(result.Warnings) > 0 {
		fmt.Fprintf(w, "\nWarnings (%d):\n", len(result.Warnings))
		for _, warn := range result.Warnings {
			if warn.Path != "" {
				fmt.Fprintf(w, "  - %s: %s\n", warn.Path, warn.Message)
			} else {
				fmt.Fprintf(w, "  - %s\n", warn.Message)
			}
		}
	}

	fmt.Fprintln(w)
	if len(result.Errors) == 0 && len(result.Warnings) == 0 {
		fmt.Fprintln(w, "Result: PASS")
	} else if len(result.Errors) == 0 {
		fmt.Fprintln(w, "Result: PASS (with warnings)")
	} else {
		fmt.Fprintln(w, "Result: FAIL")
	}

	if len(result.Errors) > 0 {
		return fmt.Errorf("validation failed: %d error(s), %d warning(s)", len(result.Errors), len(result.Warnings))
	}
	return nil
}

func main() {
	conf := flag.String("config", "", "path to config file (required)")
	version := flag.Bool("version", false, "print version and exit")
	help := flag.Bool("help", false, "print help and exit")
	configInit := flag.String("config-init", "", "generate default config file at specified path")
	validate := flag.Bool("validate", false, "validate config file and exit")
	flag.Parse()
	if *help {
		flag.Usage()
		return
	}
	if *version {
		fmt.Println(BuildVersion)
		return
	}
	if *configInit != "" {
		if err := generateDefaultConfig(*configInit); err != nil {
			log.LogError("Failed to generate config: %v", err)
			os.Exit(1)
		}
		fmt.Printf("Generated default config at: %s\n", *configInit)
		return
	}

	if *validate {
		if *conf == "" {
			fmt.Fprintf(os.Stderr, "Error: -config flag is required for validation\n")
			os.Exit(1)
		}
		if err := validateConfig(os.Stdout, *conf); err != nil {
			os.Exit(1)
		}
		return
	}

	if *conf == "" {
		fmt.Fprintf(os.Stderr, "Error: -config flag is required\n")
		fmt.Fprintf(os.Stderr, "Run with -help for usage information\n")
		os.Exit(1)
	}

	cfg, err := config.Load(*conf)
	if err != nil {
		log.LogError("Failed to load config: %v", err)
		os.Exit(1)
	}

	log.LogInfoWithFields("main", "Starting ride-signin", map[string]any{
		"version": BuildVersion,
		"config":  *conf,
	})

	app, err := internal.NewApp(context.Background(), cfg)
	if err != nil {
		log.LogError("Failed to create sign-in service: %v", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		log.LogError("Server stopped with error: %v", err)
		os.Exit(1)
	}
}
