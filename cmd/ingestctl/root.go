// Package main implements ingestctl, the operator CLI for the incremental
// ingestion manager. It calls the ingest.Store directly (not the
// ingest.IngestCoordinator), exposing the maintenance operations an operator needs
// outside of the crawl loop: schema migration, resetting or removing an
// output connection, and inspecting a document's stored state.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ingestctl",
	Short: "operator CLI for the incremental ingestion manager",
	Long: `ingestctl drives the ingest store directly: apply schema
migrations, reset or remove an output connection's recorded state, and
inspect a single document's ingest status.

Configuration is read from flags, environment variables (INGESTCTL_*),
and an optional config file (default $HOME/.ingestctl.yaml).`,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.ingestctl.yaml)")
	rootCmd.PersistentFlags().String("dsn", "", "ingest store Postgres DSN")
	rootCmd.PersistentFlags().String("activity-dsn", "", "activity log Postgres DSN")
	rootCmd.PersistentFlags().String("redis-url", "", "Redis URL (when lock-mode=redis)")
	rootCmd.PersistentFlags().String("lock-mode", "inprocess", "uri lock mode: inprocess or redis")

	viper.BindPFlag("dsn", rootCmd.PersistentFlags().Lookup("dsn"))
	viper.BindPFlag("activity_dsn", rootCmd.PersistentFlags().Lookup("activity-dsn"))
	viper.BindPFlag("redis_url", rootCmd.PersistentFlags().Lookup("redis-url"))
	viper.BindPFlag("lock_mode", rootCmd.PersistentFlags().Lookup("lock-mode"))

	rootCmd.AddCommand(migrateCmd, resetOutputCmd, removeOutputCmd, inspectCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".ingestctl")
	}

	viper.SetEnvPrefix("INGESTCTL")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "using config file:", viper.ConfigFileUsed())
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
