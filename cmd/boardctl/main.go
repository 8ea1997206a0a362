// Package main provides boardctl, the operator CLI for a flowsync
// coordinator: live board watching, one-shot edits, snapshot fetches,
// and local token minting.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MRuhan17/flowspace-sync/internal/auth"
	"github.com/MRuhan17/flowspace-sync/internal/server"
	"github.com/MRuhan17/flowspace-sync/pkg/board"
	"github.com/MRuhan17/flowspace-sync/pkg/client"
)

const requestTimeout = 10 * time.Second

var (
	serverURL string
	boardID   string
	token     string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "boardctl",
		Short:         "Operator CLI for a flowsync coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "coordinator base URL")
	rootCmd.PersistentFlags().StringVar(&boardID, "board", "", "board id")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "board access token")

	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(putCmd())
	rootCmd.AddCommand(rmCmd())
	rootCmd.AddCommand(snapshotCmd())
	rootCmd.AddCommand(boardsCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// dialBoard connects the SDK to the board named by the persistent flags.
func dialBoard(ctx context.Context, extra ...client.Option) (*client.Client, error) {
	if boardID == "" {
		return nil, fmt.Errorf("--board is required")
	}
	opts := []client.Option{}
	if token != "" {
		opts = append(opts, client.WithToken(token))
	}
	opts = append(opts, extra...)
	writerID := fmt.Sprintf("boardctl-%d", os.Getpid())
	return client.Dial(ctx, serverURL, boardID, writerID, opts...)
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Tail a board's replicated state in real time",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			changes := make(chan struct{}, 1)
			c, err := dialBoard(ctx, client.WithOnChange(func() {
				select {
				case changes <- struct{}{}:
				default:
				}
			}))
			if err != nil {
				return err
			}
			defer c.Close()

			fmt.Printf("Watching board %q on %s (Ctrl+C to stop)\n", boardID, serverURL)
			printBoardState(c)

			stopChan := make(chan os.Signal, 1)
			signal.Notify(stopChan, os.Interrupt, syscall.SIGTERM)

			for {
				select {
				case <-changes:
					printBoardState(c)
				case <-stopChan:
					fmt.Println("\nStopping watcher")
					return nil
				}
			}
		},
	}
}

func printBoardState(c *client.Client) {
	fmt.Printf("[%s] elements=%d clock=%d pending=%d\n",
		time.Now().Format("15:04:05"),
		len(c.Elements()),
		c.ClockValue(),
		c.Pending(),
	)
}

func putCmd() *cobra.Command {
	var kind, elementID, data string

	cmd := &cobra.Command{
		Use:   "put",
		Short: "Insert or replace an element on a board",
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind == "" {
				return fmt.Errorf("--kind is required")
			}

			payload := board.Fields{}
			if data != "" {
				if err := json.Unmarshal([]byte(data), &payload); err != nil {
					return fmt.Errorf("--data must be a JSON object: %w", err)
				}
			}
			kindRaw, err := json.Marshal(kind)
			if err != nil {
				return err
			}
			payload[board.KindKey] = kindRaw
			if elementID != "" {
				idRaw, err := json.Marshal(elementID)
				if err != nil {
					return err
				}
				payload["id"] = idRaw
			}

			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()

			c, err := dialBoard(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			id, err := c.Insert(payload)
			if err != nil {
				return err
			}
			fmt.Printf("Element written: %s\n", id)
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "element kind: stroke|node|edge (required)")
	cmd.Flags().StringVar(&elementID, "id", "", "element id (generated when omitted)")
	cmd.Flags().StringVar(&data, "data", "", "element payload as a JSON object")
	return cmd
}

func rmCmd() *cobra.Command {
	var elementID string

	cmd := &cobra.Command{
		Use:   "rm",
		Short: "Delete an element from a board",
		RunE: func(cmd *cobra.Command, args []string) error {
			if elementID == "" {
				return fmt.Errorf("--id is required")
			}

			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()

			c, err := dialBoard(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Delete(elementID); err != nil {
				return err
			}
			fmt.Printf("Element deleted: %s\n", elementID)
			return nil
		},
	}

	cmd.Flags().StringVar(&elementID, "id", "", "element id (required)")
	return cmd
}

func snapshotCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Fetch a board snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			if boardID == "" {
				return fmt.Errorf("--board is required")
			}

			body, err := httpGet(fmt.Sprintf("%s/v1/boards/%s/snapshot", strings.TrimSuffix(serverURL, "/"), boardID))
			if err != nil {
				return err
			}

			var pretty bytes.Buffer
			if err := json.Indent(&pretty, body, "", "  "); err != nil {
				return fmt.Errorf("invalid snapshot payload: %w", err)
			}
			pretty.WriteByte('\n')

			if outPath != "" {
				if err := os.WriteFile(outPath, pretty.Bytes(), 0o644); err != nil {
					return err
				}
				fmt.Printf("Snapshot written: %s\n", outPath)
				return nil
			}

			_, err = os.Stdout.Write(pretty.Bytes())
			return err
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", "write the snapshot to a file instead of stdout")
	return cmd
}

func boardsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "boards",
		Short: "List boards known to the coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := httpGet(strings.TrimSuffix(serverURL, "/") + "/v1/boards")
			if err != nil {
				return err
			}

			var resp server.ListBoardsResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				return fmt.Errorf("invalid boards payload: %w", err)
			}

			fmt.Printf("%-24s %-9s %-9s %-11s %-7s %-9s\n",
				"BOARD", "RESIDENT", "ELEMENTS", "TOMBSTONES", "CLOCK", "SESSIONS")
			fmt.Println(strings.Repeat("-", 72))
			for _, b := range resp.Boards {
				fmt.Printf("%-24s %-9t %-9d %-11d %-7d %-9d\n",
					b.BoardID, b.Resident, b.Elements, b.Tombstones, b.LogicalClock, b.Sessions)
			}
			fmt.Printf("\n%d board(s)\n", resp.Count)
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var clientID, secret string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a board access token locally",
		RunE: func(cmd *cobra.Command, args []string) error {
			if boardID == "" {
				return fmt.Errorf("--board is required")
			}
			if clientID == "" {
				return fmt.Errorf("--client is required")
			}
			if secret == "" {
				return fmt.Errorf("--secret is required")
			}

			signed, err := auth.NewManager(secret, ttl).IssueBoardToken(boardID, clientID)
			if err != nil {
				return err
			}
			fmt.Println(signed)
			return nil
		},
	}

	cmd.Flags().StringVar(&clientID, "client", "", "client id the token is bound to (required)")
	cmd.Flags().StringVar(&secret, "secret", "", "signing secret shared with the coordinator (required)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

func httpGet(url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
