// cmd/kvctl is the CLI client built with Cobra. It talks to one node's HTTP
// API (the node must run with --http).
//
// Usage:
//
//	kvctl set mykey '"hello"'        --server http://localhost:8080
//	kvctl get mykey                  --server http://localhost:8080
//	kvctl list
//	kvctl status
//	kvctl peers add 127.0.0.1 5002
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"meshkv/internal/client"
)

var (
	serverAddr string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "kvctl",
		Short: "CLI client for a meshkv node",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		"http://localhost:8080", "Node HTTP API address")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"HTTP request timeout")

	root.AddCommand(setCmd(), getCmd(), deleteCmd(), listCmd(), statusCmd(), peersCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newClient() *client.Client {
	return client.New(serverAddr, timeout)
}

// parseValue keeps kvctl symmetric with the node shell: JSON if it parses,
// plain string otherwise.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

// ─── set ──────────────────────────────────────────────────────────────────────

func setCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a key-value pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().Set(context.Background(), args[0], parseValue(args[1])); err != nil {
				return err
			}
			fmt.Println("OK")
			return nil
		},
	}
}

// ─── get ──────────────────────────────────────────────────────────────────────

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Retrieve a value by key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newClient().Get(context.Background(), args[0])
			if errors.Is(err, client.ErrNotFound) {
				fmt.Printf("key %q not found\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}
			prettyPrint(v)
			return nil
		},
	}
}

// ─── delete ───────────────────────────────────────────────────────────────────

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().Delete(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted %q\n", args[0])
			return nil
		},
	}
}

// ─── list / status ────────────────────────────────────────────────────────────

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all keys and values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := newClient().List(context.Background())
			if err != nil {
				return err
			}
			for _, kv := range entries {
				b, _ := json.Marshal(kv.Value)
				fmt.Printf("%s = %s\n", kv.Key, b)
			}
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the node's status snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newClient().Status(context.Background())
			if err != nil {
				return err
			}
			prettyPrint(s)
			return nil
		},
	}
}

// ─── peers ────────────────────────────────────────────────────────────────────

func peersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "Peer registry commands",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all known peers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			peers, err := newClient().Peers(context.Background())
			if err != nil {
				return err
			}
			for _, p := range peers {
				state := "dead"
				if p.Alive {
					state = "alive"
				}
				fmt.Printf("%-16s %-22s %s last_seen=%s\n",
					p.NodeID, p.Address, state, p.LastSeen.Format(time.RFC3339))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add <host> <port>",
		Short: "Add a bootstrap peer to the node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid port %q", args[1])
			}
			if err := newClient().AddPeer(context.Background(), args[0], port); err != nil {
				return err
			}
			fmt.Println("OK")
			return nil
		},
	})

	return cmd
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func prettyPrint(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(b))
}
