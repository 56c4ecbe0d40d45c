package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/PhucNguyen204/chatcrm/internal/rules"
	"github.com/PhucNguyen204/chatcrm/internal/store"
	"github.com/PhucNguyen204/chatcrm/pkg/automation"
)

// openDB is swapped out in tests.
var openDB = func(dsn string) (*sql.DB, error) { return sql.Open("postgres", dsn) }

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "crmctl",
		Short:         "Diagnostics for the chat CRM",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newColumnsCmd(), newAutomationsCmd())
	return root
}

func newColumnsCmd() *cobra.Command {
	var (
		dsn     string
		schema  string
		asJSON  bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "columns [table]",
		Short: "Print the columns of a table",
		Long: `Lists the columns of a table from information_schema, in ordinal order.

Example:
  crmctl columns chats
  crmctl columns contacts --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table := "chats"
			if len(args) == 1 {
				table = args[0]
			}
			if dsn == "" {
				dsn = os.Getenv("CRM_DB_DSN")
			}
			if dsn == "" {
				return fmt.Errorf("no database: pass --dsn or set CRM_DB_DSN")
			}
			if schema == "" {
				schema = "public"
			}
			db, err := openDB(dsn)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer db.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			cols, err := store.New(db).ListColumns(ctx, schema, table)
			if err != nil {
				return err
			}
			if len(cols) == 0 {
				return fmt.Errorf("table %s.%s not found or has no columns", schema, table)
			}
			return printColumns(cmd.OutOrStdout(), cols, asJSON)
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "Postgres connection string (default $CRM_DB_DSN)")
	cmd.Flags().StringVar(&schema, "schema", "public", "table schema")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "query timeout")
	return cmd
}

func printColumns(w io.Writer, cols []store.Column, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(cols)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COLUMN\tTYPE\tNULLABLE\tDEFAULT")
	for _, c := range cols {
		def := ""
		if c.Default != nil {
			def = *c.Default
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", c.Name, c.DataType, c.Nullable, def)
	}
	return tw.Flush()
}

func newAutomationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "automations",
		Short: "Validate and dry-run automation definitions",
	}

	validate := &cobra.Command{
		Use:   "validate [dir]",
		Short: "Load every automation under dir and report problems",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := rules.LoadDirRecursive(args[0])
			if err != nil {
				return err
			}
			st := automation.Compile(defs).Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d automations (%d enabled, %d keywords)\n", st.Automations, st.Enabled, st.Keywords)
			return nil
		},
	}

	var (
		event       string
		text        string
		contextFile string
	)
	eval := &cobra.Command{
		Use:   "eval [dir]",
		Short: "Print the automations that would fire for an event",
		Long: `Evaluates the automations under dir against one event.

Example:
  crmctl automations eval ./automations --event message.received --text "pricing?" --context chat.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := rules.LoadDirRecursive(args[0])
			if err != nil {
				return err
			}
			ev := automation.Event{Type: event, Text: text}
			if contextFile != "" {
				b, err := os.ReadFile(contextFile)
				if err != nil {
					return fmt.Errorf("read context: %w", err)
				}
				if err := json.Unmarshal(b, &ev.Context); err != nil {
					return fmt.Errorf("parse context %s: %w", contextFile, err)
				}
			}
			fired := automation.Compile(defs).Evaluate(ev)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(fired)
		},
	}
	eval.Flags().StringVar(&event, "event", automation.EventMessageReceived, "event type")
	eval.Flags().StringVar(&text, "text", "", "message text")
	eval.Flags().StringVar(&contextFile, "context", "", "JSON file with the chat context")

	cmd.AddCommand(validate, eval)
	return cmd
}
