package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pcbuilderai/frontdoor/frontdoor/audit"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print recent supervisor audit events",
	Args:  cobra.NoArgs,
	RunE:  runEvents,
}

func init() {
	eventsCmd.Flags().IntP("limit", "n", 50, "Number of events to print")
	eventsCmd.Flags().String("child", "", "Only events for this child")
	eventsCmd.Flags().String("type", "", "Only events of this type (e.g. child_exited)")
	eventsCmd.Flags().Bool("json", false, "Print JSON instead of a table")
}

func runEvents(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if !cfg.Audit.Enabled {
		return fmt.Errorf("audit log is disabled")
	}

	log, err := audit.Open(cfg.Audit.Path)
	if err != nil {
		return err
	}
	defer log.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	child, _ := cmd.Flags().GetString("child")
	eventType, _ := cmd.Flags().GetString("type")

	var events []audit.Event
	switch {
	case child != "":
		events, err = log.GetEventsByChild(child, limit)
	case eventType != "":
		events, err = log.GetEventsByType(audit.EventType(eventType), limit)
	default:
		events, err = log.GetRecentEvents(limit)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(events)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTYPE\tCHILD\tPID\tEXIT\tDETAIL")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			time.UnixMilli(e.Timestamp).Format(time.RFC3339),
			e.EventType, e.Child, optInt(e.PID), optInt(e.ExitCode), e.Detail)
	}
	return tw.Flush()
}

func optInt(v *int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprint(*v)
}
