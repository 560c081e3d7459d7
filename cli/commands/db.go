package commands

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/satishbabariya/persist-go/cli/internal/config"
	"github.com/satishbabariya/persist-go/cli/internal/ui"
	"github.com/satishbabariya/persist-go/sqlstore"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the configured database",
}

var dbFs = afero.NewOsFs()

func init() {
	dbPingCmd := &cobra.Command{
		Use:   "ping",
		Short: "Check the database connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			return dbPing()
		},
	}

	var execFile string
	dbExecCmd := &cobra.Command{
		Use:   "exec [sql]",
		Short: "Execute a raw SQL statement or script file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			statement := ""
			if len(args) > 0 {
				statement = args[0]
			}
			return dbExec(statement, execFile)
		},
	}
	dbExecCmd.Flags().StringVarP(&execFile, "file", "f", "", "read the SQL from a file")

	dbTablesCmd := &cobra.Command{
		Use:   "tables",
		Short: "List the tables of the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return dbTables()
		},
	}

	dbDropCmd := &cobra.Command{
		Use:   "drop <table>",
		Short: "Drop a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return dbDrop(args[0])
		},
	}

	dbCmd.AddCommand(dbPingCmd, dbExecCmd, dbTablesCmd, dbDropCmd)
	rootCmd.AddCommand(dbCmd)
}

func openDatabase(cfg *config.Config) (*sql.DB, error) {
	driver := sqlstore.DriverName(cfg.Provider)
	if driver == "" {
		return nil, fmt.Errorf("unsupported provider %q", cfg.Provider)
	}

	db, err := sql.Open(driver, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("opening database failed: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database not reachable: %w", err)
	}
	return db, nil
}

func dbPing() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	spinner := ui.Spinner("Connecting to " + cfg.Provider)
	db, err := openDatabase(cfg)
	if err != nil {
		spinner.Fail(err.Error())
		return err
	}
	defer db.Close()

	spinner.Success("Database is reachable")
	return nil
}

func dbExec(statement, file string) error {
	if statement == "" && file == "" {
		return fmt.Errorf("either a SQL statement or --file is required")
	}

	if file != "" {
		content, err := afero.ReadFile(dbFs, file)
		if err != nil {
			return fmt.Errorf("reading %s failed: %w", file, err)
		}
		statement = string(content)
	}

	if isDestructive(statement) && !ui.Confirm("The statement modifies data irreversibly. Continue?") {
		ui.Info("Aborted.")
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	result, err := db.Exec(statement)
	if err != nil {
		return fmt.Errorf("statement failed: %w", err)
	}

	if affected, err := result.RowsAffected(); err == nil {
		ui.Success("OK, %d row(s) affected", affected)
	} else {
		ui.Success("OK")
	}
	return nil
}

func dbTables() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	var query string
	switch sqlstore.DriverName(cfg.Provider) {
	case "postgres":
		query = "SELECT table_name FROM information_schema.tables WHERE table_schema = 'public' ORDER BY table_name"
	case "mysql":
		query = "SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE() ORDER BY table_name"
	default:
		query = "SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name"
	}

	rows, err := db.Query(query)
	if err != nil {
		return fmt.Errorf("listing tables failed: %w", err)
	}
	defer rows.Close()

	var tables [][]string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		tables = append(tables, []string{name})
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if len(tables) == 0 {
		ui.Info("No tables found.")
		return nil
	}
	ui.Table([]string{"TABLE"}, tables)
	return nil
}

func dbDrop(table string) error {
	if !ui.Confirm(fmt.Sprintf("Drop table %q and all its data?", table)) {
		ui.Info("Aborted.")
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	params := sqlstore.ParamsForProvider(cfg.Provider)
	if _, err := db.Exec("DROP TABLE " + params.Quote(table)); err != nil {
		return fmt.Errorf("dropping %s failed: %w", table, err)
	}

	ui.Success("Dropped %s", table)
	return nil
}

func isDestructive(statement string) bool {
	upper := strings.ToUpper(statement)
	for _, keyword := range []string{"DROP ", "DELETE ", "TRUNCATE ", "ALTER "} {
		if strings.Contains(upper, keyword) {
			return true
		}
	}
	return false
}
