package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var haltCmd = &cobra.Command{
	Use:   "halt [reason]",
	Short: "Emergency halt: despawn every agent and notify every channel",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHalt,
}

var despawnCmd = &cobra.Command{
	Use:   "despawn <identity>",
	Short: "Despawn a single agent",
	Args:  cobra.ExactArgs(1),
	RunE:  runDespawn,
}

func init() {
	rootCmd.AddCommand(haltCmd)
	rootCmd.AddCommand(despawnCmd)
}

func runHalt(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	reason := "operator halt"
	if len(args) == 1 {
		reason = args[0]
	}
	body := map[string]string{"sender": "operator", "reason": reason}
	if err := client.do(http.MethodPost, "/api/halt", body, nil); err != nil {
		return err
	}
	fmt.Println("🛑 Halt delivered")
	return nil
}

func runDespawn(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	body := map[string]string{"identity": args[0]}
	if err := client.do(http.MethodPost, "/api/despawn", body, nil); err != nil {
		return err
	}
	fmt.Printf("✓ Despawned %s\n", args[0])
	return nil
}
