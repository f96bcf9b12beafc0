package cmd

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/shepherd/internal/config"
	"github.com/nextlevelbuilder/shepherd/internal/store"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration management",
	}
	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateDownCmd())
	cmd.AddCommand(migrateVersionCmd())
	cmd.AddCommand(migrateForceCmd())
	return cmd
}

func withMigrator(fn func(m *migrate.Migrate) error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %s\n", err)
		os.Exit(1)
	}
	m, db, err := store.NewMigrator(cfg.StoreDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "open migrator: %s\n", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := fn(m); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %s\n", err)
		os.Exit(1)
	}
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Run: func(cmd *cobra.Command, args []string) {
			withMigrator(func(m *migrate.Migrate) error {
				if err := m.Up(); err != nil {
					if errors.Is(err, migrate.ErrNoChange) {
						fmt.Println("no pending migrations")
						return nil
					}
					return err
				}
				fmt.Println("migrations applied")
				return nil
			})
		},
	}
}

func migrateDownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		Run: func(cmd *cobra.Command, args []string) {
			withMigrator(func(m *migrate.Migrate) error {
				if err := m.Steps(-1); err != nil {
					return err
				}
				fmt.Println("rolled back one migration")
				return nil
			})
		},
	}
}

func migrateVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show current schema version",
		Run: func(cmd *cobra.Command, args []string) {
			withMigrator(func(m *migrate.Migrate) error {
				v, dirty, err := m.Version()
				if errors.Is(err, migrate.ErrNilVersion) {
					fmt.Println("no migrations applied")
					return nil
				}
				if err != nil {
					return err
				}
				if dirty {
					fmt.Printf("version %d (DIRTY — run: shepherd migrate force %d)\n", v, v-1)
				} else {
					fmt.Printf("version %d\n", v)
				}
				return nil
			})
		},
	}
}

func migrateForceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force <version>",
		Short: "Force schema version without running migrations (dirty-state recovery)",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid version %q\n", args[0])
				os.Exit(1)
			}
			withMigrator(func(m *migrate.Migrate) error {
				if err := m.Force(v); err != nil {
					return err
				}
				fmt.Printf("forced version %d\n", v)
				return nil
			})
		},
	}
}
