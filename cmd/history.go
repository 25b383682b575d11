package cmd

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/swarmbus/swarmbus/internal/store"
)

var historyCmd = &cobra.Command{
	Use:   "history <channel>",
	Short: "Print a channel's message history",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

var (
	historySince uint64
	historyLimit int
)

func init() {
	historyCmd.Flags().Uint64Var(&historySince, "since", 0, "Only messages after this sequence number")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Most recent N messages (0 = server default)")
	rootCmd.AddCommand(historyCmd)
}

type historyResponse struct {
	Channel   string          `json:"channel"`
	Messages  []store.Message `json:"messages"`
	Truncated bool            `json:"truncated"`
}

func runHistory(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	query := url.Values{}
	query.Set("channel", args[0])
	if historySince > 0 {
		query.Set("since", strconv.FormatUint(historySince, 10))
	}
	if historyLimit > 0 {
		query.Set("limit", strconv.Itoa(historyLimit))
	}

	var resp historyResponse
	if err := client.get("/api/history", query, &resp); err != nil {
		return err
	}

	if resp.Truncated {
		fmt.Println("⚠ Earlier history was evicted and no durable log is available")
	}
	for _, msg := range resp.Messages {
		fmt.Printf("[%d] %s  %s: %s\n", msg.Seq, msg.Timestamp.Format("15:04:05"), msg.Sender, msg.Content)
	}
	return nil
}
