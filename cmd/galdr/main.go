// galdr is the console tool for GaldrDb database files: create and
// inspect databases, run document operations, and force checkpoints.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rthomasv3/galdrdb/pkg/catalog"
	"github.com/rthomasv3/galdrdb/pkg/galdr"
	"github.com/rthomasv3/galdrdb/pkg/query"
)

var (
	dbPath   string
	password string
	pageSize int
	noWAL    bool
	logLevel string
)

func options() galdr.Options {
	opts := galdr.DefaultOptions()
	opts.PageSize = pageSize
	opts.UseWAL = !noWAL
	opts.LogLevel = logLevel
	if password != "" {
		opts.Encryption = &galdr.EncryptionOptions{Password: password}
	}
	return opts
}

func openDB() (*galdr.Database, error) {
	return galdr.Open(dbPath, options())
}

func main() {
	root := &cobra.Command{
		Use:           "galdr",
		Short:         "GaldrDb embedded document database tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "galdr.db", "database file path")
	root.PersistentFlags().StringVar(&password, "password", "", "encryption password")
	root.PersistentFlags().IntVar(&pageSize, "page-size", galdr.DefaultPageSize, "page size for new databases")
	root.PersistentFlags().BoolVar(&noWAL, "no-wal", false, "disable the write-ahead log")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "engine log level (debug, info, warn, error)")

	root.AddCommand(createCmd(), infoCmd(), insertCmd(), getCmd(), deleteCmd(), queryCmd(), checkpointCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func createCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create a new database file",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := galdr.Create(dbPath, options())
			if err != nil {
				return err
			}
			defer db.Close()
			fmt.Printf("created %s (page size %d)\n", dbPath, db.Stats().PageSize)
			return nil
		},
	}
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show database statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			st := db.Stats()
			fmt.Printf("path:         %s\n", st.Path)
			fmt.Printf("page size:    %d\n", st.PageSize)
			fmt.Printf("pages:        %d (%d free)\n", st.PageCount, st.FreePages)
			fmt.Printf("collections:  %d\n", st.Collections)
			fmt.Printf("wal frames:   %d (%d bytes)\n", st.WALFrames, st.WALBytes)
			fmt.Printf("last txid:    %d\n", st.LastTxID)
			fmt.Printf("last csn:     %d\n", st.LastCSN)
			return nil
		},
	}
}

func insertCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "insert <collection> <json>",
		Short: "Insert a JSON document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := context.Background()
			var doc map[string]any
			if err := json.Unmarshal([]byte(args[1]), &doc); err != nil {
				return fmt.Errorf("invalid document: %w", err)
			}

			if err := db.CreateCollection(ctx, args[0]); err != nil && !errors.Is(err, catalog.ErrExists) {
				return err
			}
			id, err := db.Collection(args[0]).Insert(ctx, doc)
			if err != nil {
				return err
			}
			fmt.Printf("inserted id %d\n", id)
			return nil
		},
	}
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <collection> <id>",
		Short: "Fetch a document by id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			id, err := strconv.ParseInt(args[1], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[1])
			}

			var doc map[string]any
			found, err := db.Collection(args[0]).Get(context.Background(), int32(id), &doc)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("id %d not found", id)
			}
			out, _ := json.MarshalIndent(doc, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <collection> <id>",
		Short: "Delete a document by id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			id, err := strconv.ParseInt(args[1], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[1])
			}
			found, err := db.Collection(args[0]).Delete(context.Background(), int32(id))
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("id %d not found", id)
			}
			fmt.Println("deleted")
			return nil
		},
	}
}

func queryCmd() *cobra.Command {
	var limit int
	var orderBy string
	var desc bool

	cmd := &cobra.Command{
		Use:   "query <collection> [field op value]",
		Short: "Query documents (ops: eq, gt, gte, lt, lte, contains)",
		Args:  cobra.RangeArgs(1, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			qb := db.Collection(args[0]).Query()
			if len(args) == 4 {
				op, err := parseOp(args[2])
				if err != nil {
					return err
				}
				qb = qb.Where(args[1], op, parseScalar(args[3]))
			}
			if orderBy != "" {
				qb = qb.OrderBy(orderBy, desc)
			}
			if limit > 0 {
				qb = qb.Limit(limit)
			}

			docs, err := qb.ToList(context.Background())
			if err != nil {
				return err
			}
			for _, d := range docs {
				fmt.Printf("%d\t%s\n", d.ID, d.Data)
			}
			fmt.Printf("%d document(s)\n", len(docs))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum results")
	cmd.Flags().StringVar(&orderBy, "order-by", "", "field to order by")
	cmd.Flags().BoolVar(&desc, "desc", false, "descending order")
	return cmd
}

func checkpointCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Fold WAL pages into the main file and truncate the log",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			return db.Checkpoint(context.Background())
		},
	}
}

func parseOp(s string) (query.Op, error) {
	switch s {
	case "eq":
		return query.Eq, nil
	case "ne":
		return query.NotEq, nil
	case "gt":
		return query.GT, nil
	case "gte":
		return query.GTE, nil
	case "lt":
		return query.LT, nil
	case "lte":
		return query.LTE, nil
	case "contains":
		return query.Contains, nil
	case "startswith":
		return query.StartsWith, nil
	case "endswith":
		return query.EndsWith, nil
	}
	return 0, fmt.Errorf("unknown operator %q", s)
}

func parseScalar(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if s == "true" || s == "false" {
		return s == "true"
	}
	return s
}
