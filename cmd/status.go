package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show bus status: channels, agents, durability",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type statusResponse struct {
	Channels map[string]struct {
		Subscribers int `json:"subscribers"`
	} `json:"channels"`
	Agents []struct {
		Identity string `json:"identity"`
		Type     string `json:"type"`
		Channel  string `json:"channel"`
		Status   string `json:"status"`
	} `json:"agents"`
	Completed     map[string]string `json:"completed"`
	Connections   []string          `json:"connections"`
	Durable       bool              `json:"durable"`
	DurableErrors uint64            `json:"durable_errors"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	var status statusResponse
	if err := client.get("/api/status", nil, &status); err != nil {
		return err
	}

	fmt.Println("🐝 swarmbus Status")
	fmt.Println()

	fmt.Println("Channels:")
	names := make([]string, 0, len(status.Channels))
	for name := range status.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		line := fmt.Sprintf("  %s: %d subscribers", name, status.Channels[name].Subscribers)
		if by, done := status.Completed[name]; done {
			line += fmt.Sprintf(" (completed by %s)", by)
		}
		fmt.Println(line)
	}
	if len(names) == 0 {
		fmt.Println("  (none)")
	}

	fmt.Println("\nAgents:")
	for _, agent := range status.Agents {
		fmt.Printf("  %s [%s] on %s: %s\n", agent.Identity, agent.Type, agent.Channel, agent.Status)
	}
	if len(status.Agents) == 0 {
		fmt.Println("  (none)")
	}

	fmt.Printf("\nConnections: %d\n", len(status.Connections))
	if status.Durable {
		fmt.Printf("Durable log: ✓ (%d write errors)\n", status.DurableErrors)
	} else {
		fmt.Println("Durable log: ✗")
	}
	return nil
}
