package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/solidb/internal/admin"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "solidb-admin",
	Short: "Operator inspection CLI for a running SoliDB node",
}

func init() {
	rootCmd.PersistentFlags().String("addr", "127.0.0.1:7701", "Node admin address")
	rootCmd.PersistentFlags().String("cluster-secret", "", "Cluster shared secret")
	rootCmd.PersistentFlags().String("format", "json", "Output format (json or yaml)")
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "Request timeout")

	rootCmd.AddCommand(explainCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(shardTablesCmd)
	rootCmd.AddCommand(statusCmd)
}

func dial(cmd *cobra.Command) (*admin.Client, context.Context, context.CancelFunc, error) {
	addr, _ := cmd.Flags().GetString("addr")
	secret, _ := cmd.Flags().GetString("cluster-secret")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	client, err := admin.Dial(addr, secret)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	return client, ctx, cancel, nil
}

func emit(cmd *cobra.Command, v interface{}) error {
	format, _ := cmd.Flags().GetString("format")
	var (
		out []byte
		err error
	)
	if format == "yaml" {
		out, err = yaml.Marshal(v)
	} else {
		out, err = json.MarshalIndent(v, "", "  ")
	}
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func bindsFlag(cmd *cobra.Command) (map[string]interface{}, error) {
	raw, _ := cmd.Flags().GetString("binds")
	if raw == "" {
		return nil, nil
	}
	var binds map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &binds); err != nil {
		return nil, fmt.Errorf("parsing --binds: %w", err)
	}
	return binds, nil
}

var explainCmd = &cobra.Command{
	Use:   "explain <query>",
	Short: "Explain a query's access path and per-clause cost",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer client.Close()
		database, _ := cmd.Flags().GetString("database")
		binds, err := bindsFlag(cmd)
		if err != nil {
			return err
		}
		trace, err := client.Explain(ctx, database, args[0], binds)
		if err != nil {
			return err
		}
		return emit(cmd, trace)
	},
}

var queryCmd = &cobra.Command{
	Use:   "query <query>",
	Short: "Run a query and print its rows",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer client.Close()
		database, _ := cmd.Flags().GetString("database")
		binds, err := bindsFlag(cmd)
		if err != nil {
			return err
		}
		rows, err := client.Query(ctx, database, args[0], binds)
		if err != nil {
			return err
		}
		return emit(cmd, rows)
	},
}

var shardTablesCmd = &cobra.Command{
	Use:   "shard-tables",
	Short: "Dump the node's persisted shard tables",
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer client.Close()
		tables, err := client.ShardTables(ctx)
		if err != nil {
			return err
		}
		return emit(cmd, tables)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report node identity, databases, and peer state",
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer client.Close()
		status, err := client.Status(ctx)
		if err != nil {
			return err
		}
		return emit(cmd, status)
	},
}

func init() {
	for _, c := range []*cobra.Command{explainCmd, queryCmd} {
		c.Flags().String("database", "_system", "Database to run against")
		c.Flags().String("binds", "", "Bind variables as a JSON object")
	}
}
