package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/satishbabariya/persist-go/cli/internal/ui"
	"github.com/satishbabariya/persist-go/parser"
	"github.com/satishbabariya/persist-go/sqlstore"
)

func init() {
	var limit int

	queryCmd := &cobra.Command{
		Use:   "query <table> [filter]",
		Short: "Query a table with a filter expression",
		Long: `Query a table with a filter expression, e.g.:

  persist-go query test_record 'name = "jones" AND value > 0 ORDER BY value DESC'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := ""
			if len(args) > 1 {
				filter = args[1]
			}
			return runQuery(args[0], filter, limit)
		},
	}
	queryCmd.Flags().IntVarP(&limit, "limit", "n", 100, "maximum number of rows to print")

	rootCmd.AddCommand(queryCmd)
}

func runQuery(table, filter string, limit int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	criteria, err := parser.ParseFilter(filter)
	if err != nil {
		return err
	}

	params := sqlstore.ParamsForProvider(cfg.Provider)
	where, args, err := sqlstore.CompileWhere(params, criteria)
	if err != nil {
		return err
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	statement := "SELECT * FROM " + params.Quote(table) + where

	rows, err := db.Query(statement, args...)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return err
	}

	var data [][]string
	for rows.Next() && len(data) < limit {
		values := make([]interface{}, len(columns))
		pointers := make([]interface{}, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return err
		}

		row := make([]string, len(columns))
		for i, value := range values {
			if b, ok := value.([]byte); ok {
				value = string(b)
			}
			row[i] = fmt.Sprint(value)
		}
		data = append(data, row)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if len(data) == 0 {
		ui.Info("No rows matched.")
		return nil
	}

	ui.Table(columns, data)
	ui.Info("%d row(s)", len(data))
	return nil
}
