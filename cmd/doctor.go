package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/chatbridge/internal/config"
)

// doctorCmd diagnoses the local setup: config file, credentials, and
// database connectivity.
func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose configuration and connectivity",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	ok := true
	check := func(name string, pass bool, detail string) {
		mark := "✓"
		if !pass {
			mark = "✗"
			ok = false
		}
		if detail != "" {
			fmt.Printf("  %s %s — %s\n", mark, name, detail)
		} else {
			fmt.Printf("  %s %s\n", mark, name)
		}
	}

	cfgPath := resolveConfigPath()
	fmt.Printf("chatbridge doctor (config: %s)\n\n", cfgPath)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		check("config parse", false, err.Error())
		os.Exit(1)
	}
	if _, statErr := os.Stat(cfgPath); os.IsNotExist(statErr) {
		check("config file", true, "not found, using defaults + env")
	} else {
		check("config file", true, "")
	}

	// Platforms
	if cfg.Platforms.Lark.Enabled {
		check("lark credentials",
			cfg.Platforms.Lark.AppID != "" && cfg.Platforms.Lark.AppSecret != "",
			"app_id + CHATBRIDGE_LARK_APP_SECRET")
	} else {
		check("lark", true, "disabled")
	}
	if cfg.Platforms.OneBot.Enabled {
		switch cfg.Platforms.OneBot.Mode {
		case "", "reverse":
			check("onebot reverse listen", cfg.Platforms.OneBot.Listen != "", cfg.Platforms.OneBot.Listen)
		default:
			check("onebot endpoint", cfg.Platforms.OneBot.URL != "", cfg.Platforms.OneBot.URL)
		}
	} else {
		check("onebot", true, "disabled")
	}
	if !cfg.Platforms.Lark.Enabled && !cfg.Platforms.OneBot.Enabled {
		check("platforms", false, "no platform enabled")
	}

	// Responder
	check("responder api key", cfg.Responder.APIKey != "", "CHATBRIDGE_OPENAI_API_KEY")

	// Database
	switch cfg.Database.Engine {
	case "":
		check("database", true, "persistence disabled")
	case "sqlite":
		path := config.ExpandHome(cfg.Database.Path)
		db, dbErr := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
		if dbErr == nil {
			dbErr = db.Ping()
			db.Close()
		}
		check("sqlite", dbErr == nil, path)
	case "postgres":
		if cfg.Database.PostgresDSN == "" {
			check("postgres", false, "CHATBRIDGE_POSTGRES_DSN not set")
			break
		}
		db, dbErr := sql.Open("pgx", cfg.Database.PostgresDSN)
		if dbErr == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			dbErr = db.PingContext(ctx)
			cancel()
			db.Close()
		}
		detail := ""
		if dbErr != nil {
			detail = dbErr.Error()
		}
		check("postgres", dbErr == nil, detail)
	default:
		check("database", false, "unknown engine "+cfg.Database.Engine)
	}

	fmt.Println()
	if ok {
		fmt.Println("All checks passed.")
	} else {
		fmt.Println("Some checks failed.")
		os.Exit(1)
	}
}
