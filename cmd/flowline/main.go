package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/stojanov/flowline/internal/cli"
)

var rootCmd = &cobra.Command{Use: "flowline"}

func main() {
	// .env is optional; flags and env vars still apply.
	_ = godotenv.Load()
	rootCmd.PersistentFlags().String("db", os.Getenv("DATABASE_URL"), "Postgres connection string")
	rootCmd.PersistentFlags().String("redis-addr", envOr("REDIS_ADDR", "localhost:6379"), "Redis address")
	rootCmd.PersistentFlags().String("notify-url", os.Getenv("NOTIFY_URL"), "Notification service endpoint")
	rootCmd.PersistentFlags().String("coordinator-role", os.Getenv("COORDINATOR_ROLE"), "Role ticket owners are drawn from")
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
