package cmd

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/swarmbus/swarmbus/internal/store"
)

var sendCmd = &cobra.Command{
	Use:   "send <content>",
	Short: "Inject a message into a channel (e.g. the seed task)",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSend,
}

var (
	sendChannel string
	sendAs      string
)

func init() {
	sendCmd.Flags().StringVarP(&sendChannel, "channel", "C", "", "Target channel (required)")
	sendCmd.Flags().StringVar(&sendAs, "as", "human", "Sender identity")
	sendCmd.MarkFlagRequired("channel")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	body := map[string]string{
		"channel": sendChannel,
		"sender":  sendAs,
		"content": strings.Join(args, " "),
	}
	var msg store.Message
	if err := client.do(http.MethodPost, "/api/send", body, &msg); err != nil {
		return err
	}
	fmt.Printf("✓ [%d] %s → %s\n", msg.Seq, msg.Sender, msg.Channel)
	return nil
}
