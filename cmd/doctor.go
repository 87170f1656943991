package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"runtime"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/crewhall/crewhall/internal/config"
	"github.com/crewhall/crewhall/internal/driver"
	"github.com/crewhall/crewhall/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("crewhall doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, defaults + env apply)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Auth:")
	if len(cfg.Auth.Tokens) == 0 {
		fmt.Printf("    %-12s NONE (set CREWHALL_API_TOKENS)\n", "Tokens:")
	} else {
		tenants := make(map[string]bool)
		for _, tenant := range cfg.Auth.Tokens {
			tenants[tenant] = true
		}
		fmt.Printf("    %-12s %d configured, %d tenant(s)\n", "Tokens:", len(cfg.Auth.Tokens), len(tenants))
	}

	fmt.Println()
	fmt.Println("  Container engine:")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	drv, err := driver.NewCompose(cfg.Driver.ComposeBin)
	if err != nil {
		fmt.Printf("    %-12s UNAVAILABLE (%s)\n", "Engine:", err)
	} else {
		defer drv.Close()
		if pingErr := drv.Ping(ctx); pingErr != nil {
			fmt.Printf("    %-12s UNREACHABLE (%s)\n", "Engine:", pingErr)
		} else {
			fmt.Printf("    %-12s OK\n", "Engine:")
		}
		fmt.Printf("    %-12s %s\n", "Compose:", cfg.Driver.ComposeBin)
	}

	fmt.Println()
	fmt.Println("  Database:")
	if cfg.IsManagedMode() {
		fmt.Printf("    %-12s managed (Postgres)\n", "Mode:")
		db, dbErr := sql.Open("pgx", cfg.Database.PostgresDSN)
		if dbErr != nil {
			fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", dbErr)
		} else {
			defer db.Close()
			if pingErr := db.PingContext(ctx); pingErr != nil {
				fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", pingErr)
			} else {
				fmt.Printf("    %-12s OK\n", "Status:")
			}
		}
	} else {
		fmt.Printf("    %-12s standalone (sqlite)\n", "Mode:")
		fmt.Printf("    %-12s %s\n", "Path:", cfg.SQLitePathExpanded())
	}

	fmt.Println()
	fmt.Println("  Chat:")
	fmt.Printf("    %-12s %s, ports from %d\n", "Host:", cfg.Chat.Host, cfg.Chat.BasePort)
}
