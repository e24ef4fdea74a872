package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	console "github.com/slotline/console-sdk"
	"github.com/spf13/cobra"
)

var watchPassword string

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchPassword, "password", "", "moderation password (bodies stay hidden without it)")
}

var watchCmd = &cobra.Command{
	Use:   "watch <booking-id>",
	Short: "Follow a booking conversation live",
	Long:  "Fetch the conversation snapshot, then keep it reconciled with push events.\nPrints the thread after every change. Runs until interrupted.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bookingID := args[0]
		client := getClient()
		notifier := stderrNotifier()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		store := console.NewMessageStore(bookingID, client.Operator())
		sync := console.NewSnapshotSync(client, store, notifier)
		sync.OnForcedSignOut(func() {
			fmt.Fprintln(os.Stderr, "Too many password failures. Signed out.")
			cancel()
		})

		if watchPassword != "" {
			if err := sync.Unlock(ctx, watchPassword); err != nil {
				return fmt.Errorf("unlock failed: %w", err)
			}
		}

		router := console.NewRouter(store, notifier, client.Operator())
		router.OnResync(func(string) {
			_ = sync.Refresh(ctx, console.RefreshSilent)
		})

		push := console.NewPushChannel(client, nil)
		router.Bind(push)
		push.OnConnected(func() {
			// Reconcile anything missed while disconnected.
			_ = sync.Refresh(ctx, console.RefreshSilent)
		})

		store.Subscribe(func(change console.Change) {
			messages := store.Messages()
			fmt.Printf("--- %d message(s) [%s] ---\n", len(messages), change.Kind)
			for _, m := range messages {
				printMessage(m)
			}
		})

		if err := sync.Refresh(ctx, console.RefreshExplicit); err != nil {
			return fmt.Errorf("initial snapshot: %w", err)
		}
		if err := push.Connect(ctx); err != nil {
			return fmt.Errorf("push channel: %w", err)
		}
		defer push.Disconnect()
		go router.Run(ctx)

		fmt.Printf("Watching booking %s. Ctrl-C to stop.\n", bookingID)
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		select {
		case <-stop:
		case <-ctx.Done():
		}
		return nil
	},
}
