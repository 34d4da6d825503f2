package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/pliu/ume/internal/models"
	"github.com/pliu/ume/internal/store/backend"
)

func init() {
	pendingCmd.Flags().StringP("user", "u", "", "recipient username")
	_ = pendingCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(pendingCmd)
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List messages still waiting to be delivered to a user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		user, _ := cmd.Flags().GetString("user")

		st, err := backend.Open(cmd.Context(), cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close()

		msgs, err := st.FindUndelivered(cmd.Context(), user)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(msgs) == 0 {
			fmt.Fprintf(out, "No pending messages for %s\n", user)
			return nil
		}
		for _, m := range msgs {
			fmt.Fprintf(out, "%s  %-12s %s  %s\n", m.ID, m.From, humanize.Time(m.CreatedAt), summary(m))
		}
		fmt.Fprintf(out, "%d pending\n", len(msgs))
		return nil
	},
}

func summary(m models.Message) string {
	if m.Kind == models.KindFile && m.File != nil {
		return fmt.Sprintf("[file] %s (%s)", m.File.Name, humanize.Bytes(uint64(m.File.Size)))
	}
	if r := []rune(m.Text); len(r) > 60 {
		return string(r[:57]) + "..."
	}
	return m.Text
}
