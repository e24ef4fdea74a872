package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	console "github.com/slotline/console-sdk"
	"github.com/spf13/cobra"
)

var (
	callsListJSON  bool
	forceEndReason string
)

func init() {
	rootCmd.AddCommand(callsCmd)
	rootCmd.AddCommand(monitorCmd)
	callsCmd.AddCommand(callsListCmd)
	callsCmd.AddCommand(callsEndCmd)

	callsListCmd.Flags().BoolVar(&callsListJSON, "json", false, "output raw JSON")
	callsEndCmd.Flags().StringVar(&forceEndReason, "reason", "", "reason recorded with the termination")
}

var callsCmd = &cobra.Command{
	Use:   "calls",
	Short: "Call history and termination commands",
}

// ============================================================================
// calls list
// ============================================================================

var callsListCmd = &cobra.Command{
	Use:   "list <booking-id>",
	Short: "List the call history of a booking",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := requestContext()
		defer cancel()

		records, err := client.CallHistory(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if callsListJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(records)
		}

		for _, r := range records {
			kind := "audio"
			if r.Video {
				kind = "video"
			}
			fmt.Printf("%-24s %-10s %-25s %-5s %ds\n",
				r.ID, r.Status, r.StartTime.Format(time.RFC3339), kind, r.Duration)
		}
		fmt.Printf("%d call(s)\n", len(records))
		return nil
	},
}

// ============================================================================
// calls end
// ============================================================================

var callsEndCmd = &cobra.Command{
	Use:   "end <call-id>",
	Short: "Forcibly terminate an active call",
	Long:  "Send the authoritative termination command for a call and wait for the server's confirmation.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		notifier := stderrNotifier()

		push := console.NewPushChannel(client, nil)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := push.Connect(ctx); err != nil {
			return fmt.Errorf("push channel: %w", err)
		}
		defer push.Disconnect()

		monitor := console.NewCallMonitor(push, notifier, console.NewPionTransportFactory())
		if err := monitor.ForceEnd(ctx, args[0], forceEndReason); err != nil {
			return err
		}
		fmt.Println("Call terminated.")
		return nil
	},
}

// ============================================================================
// monitor
// ============================================================================

var monitorCmd = &cobra.Command{
	Use:   "monitor <call-id>",
	Short: "Passively observe an active call",
	Long:  "Join a call as a silent observer: one media session per participant.\nRuns until interrupted or the call ends.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		notifier := stderrNotifier()

		push := console.NewPushChannel(client, nil)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := push.Connect(ctx); err != nil {
			return fmt.Errorf("push channel: %w", err)
		}
		defer push.Disconnect()

		monitor := console.NewCallMonitor(push, notifier, console.NewPionTransportFactory())
		monitor.OnSessionState(func(role console.CallRole, state console.SessionState) {
			fmt.Printf("%s: %s\n", role, state)
		})

		ended := make(chan struct{}, 1)
		push.OnCallEnded(func(p console.CallEndedPayload) {
			if p.CallID == args[0] {
				ended <- struct{}{}
			}
		})

		if err := monitor.Join(ctx, args[0]); err != nil {
			return err
		}
		defer monitor.Close()
		fmt.Printf("Monitoring call %s. Ctrl-C to stop.\n", args[0])

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		select {
		case <-stop:
		case <-ended:
			fmt.Println("Call ended.")
		}
		return nil
	},
}
