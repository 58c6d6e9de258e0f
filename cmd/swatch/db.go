package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/swatch/internal/config"
	"github.com/zulandar/swatch/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBMigrateCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create and migrate the Swatch database",
		Long:  "Creates the MySQL database if needed and migrates the session, order and webhook audit tables. For sqlite the file is created on first open.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBMigrate(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Swatch config file")
	return cmd
}

func runDBMigrate(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, _, err := loadConfig(cmd.Context(), configPath)
	if err != nil {
		return err
	}

	switch cfg.Storage.Driver {
	case "dynamodb":
		fmt.Fprintf(out, "DynamoDB table %s is schemaless; nothing to migrate.\n", cfg.Storage.DynamoDB.Table)
		return nil
	case "mysql":
		if err := createMySQLDatabase(cfg.Storage.MySQL); err != nil {
			return err
		}
		fmt.Fprintf(out, "Database %s ready\n", cfg.Storage.MySQL.Database)
	}

	gormDB, err := db.Open(cfg.Storage)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))
	return nil
}

func createMySQLDatabase(cfg config.MySQLConfig) error {
	adminDB, err := db.ConnectAdmin(cfg)
	if err != nil {
		return err
	}
	return db.CreateDatabase(adminDB, cfg.Database)
}
