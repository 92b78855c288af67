package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/opd-ai/courier/factory"
	"github.com/opd-ai/courier/outbox"
	"github.com/spf13/cobra"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect or clear the offline outbox",
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List messages waiting in the outbox",
	RunE:  runOutboxList,
}

var outboxClearYes bool

var outboxClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every message from the outbox",
	RunE:  runOutboxClear,
}

func init() {
	outboxClearCmd.Flags().BoolVarP(&outboxClearYes, "yes", "y", false, "do not ask for confirmation")
	outboxCmd.AddCommand(outboxListCmd, outboxClearCmd)
	rootCmd.AddCommand(outboxCmd)
}

func openOutbox(cmd *cobra.Command) (*outbox.Outbox, func() error, error) {
	store, err := factory.OpenStore(cmd.Context(), cfg.Storage)
	if err != nil {
		return nil, nil, err
	}
	ob := outbox.New(store, outbox.Config{MaxEntries: cfg.Outbox.MaxEntries})
	return ob, store.Close, nil
}

func runOutboxList(cmd *cobra.Command, args []string) error {
	ob, closeStore, err := openOutbox(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	records, err := ob.Records(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintln(out, "outbox is empty")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tCLIENT ID\tCONVERSATION\tSTATE\tRETRIES\tPRIORITY\tCREATED\tSIZE")
	now := time.Now()
	for _, rec := range records {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			rec.Seq, rec.ClientID, rec.ConversationID, rec.State,
			rec.RetryCount, rec.MaxRetries, rec.Priority,
			humanize.RelTime(rec.CreatedAt, now, "ago", "from now"),
			humanize.Bytes(uint64(len(rec.Content))))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s record(s)\n", humanize.Comma(int64(len(records))))
	return nil
}

func runOutboxClear(cmd *cobra.Command, args []string) error {
	if !outboxClearYes {
		return fmt.Errorf("refusing to clear the outbox without --yes")
	}
	ob, closeStore, err := openOutbox(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	records, err := ob.Records(cmd.Context())
	if err != nil {
		return err
	}
	if err := ob.Clear(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d record(s)\n", len(records))
	return nil
}
