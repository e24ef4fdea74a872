package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	console "github.com/slotline/console-sdk"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// messages list
	messagesListJSON bool

	// messages send
	messagesSendReplyTo    string
	messagesSendAttach     string
	messagesSendAttachKind string
	messagesSendCaption    string

	// messages delete
	messagesDeleteAll bool

	// messages star
	messagesStarOff bool
)

// ============================================================================
// Root messages command
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Booking conversation commands",
	Long:  "Inspect and moderate the message thread of a booking: list, send, edit, delete, star, react.",
}

func init() {
	rootCmd.AddCommand(messagesCmd)
	messagesCmd.AddCommand(messagesListCmd)
	messagesCmd.AddCommand(messagesSendCmd)
	messagesCmd.AddCommand(messagesEditCmd)
	messagesCmd.AddCommand(messagesDeleteCmd)
	messagesCmd.AddCommand(messagesStarCmd)
	messagesCmd.AddCommand(messagesReactCmd)
	messagesCmd.AddCommand(messagesReadCmd)

	messagesListCmd.Flags().BoolVar(&messagesListJSON, "json", false, "output raw JSON")
	messagesSendCmd.Flags().StringVar(&messagesSendReplyTo, "reply-to", "", "message id to reply to")
	messagesSendCmd.Flags().StringVar(&messagesSendAttach, "attach", "", "URL of a media attachment")
	messagesSendCmd.Flags().StringVar(&messagesSendAttachKind, "attach-kind", "image", "attachment kind: image, video, audio or document")
	messagesSendCmd.Flags().StringVar(&messagesSendCaption, "caption", "", "caption for the attachment")
	messagesDeleteCmd.Flags().BoolVar(&messagesDeleteAll, "bulk", false, "treat arguments as multiple message ids")
	messagesStarCmd.Flags().BoolVar(&messagesStarOff, "off", false, "remove the star instead of adding it")
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 15*time.Second)
}

// printMessage renders one message line for terminal output.
func printMessage(m *console.Message) {
	body := m.Body
	if m.Deleted {
		body = "(deleted)"
	}
	marker := " "
	if m.Provisional() {
		marker = "?"
	}
	fmt.Printf("%s %-24s %-12s %-9s %s\n",
		marker, m.Key(), m.SenderID, m.Status, body)
}

// ============================================================================
// messages list
// ============================================================================

var messagesListCmd = &cobra.Command{
	Use:   "list <booking-id>",
	Short: "List the messages of a booking",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := requestContext()
		defer cancel()

		snapshot, err := client.GetBooking(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if messagesListJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snapshot.Messages)
		}

		for _, m := range snapshot.Messages {
			printMessage(m)
		}
		fmt.Printf("%d message(s)\n", len(snapshot.Messages))
		return nil
	},
}

// ============================================================================
// messages send
// ============================================================================

var messagesSendCmd = &cobra.Command{
	Use:   "send <booking-id> <body>",
	Short: "Send an admin message to a booking thread",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := requestContext()
		defer cancel()

		payload := &console.CommentPayload{Body: args[1], ReplyToID: messagesSendReplyTo}
		if messagesSendAttach != "" {
			payload.Attachment = console.Attachment{
				Kind:    console.AttachmentKind(messagesSendAttachKind),
				URL:     messagesSendAttach,
				Caption: messagesSendCaption,
			}
		}
		messages, err := client.CreateComment(ctx, args[0], payload)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		fmt.Printf("Sent. Thread now has %d message(s).\n", len(messages))
		return nil
	},
}

// ============================================================================
// messages edit
// ============================================================================

var messagesEditCmd = &cobra.Command{
	Use:   "edit <booking-id> <message-id> <body>",
	Short: "Edit a message body",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := requestContext()
		defer cancel()

		payload := &console.CommentPayload{Body: args[2]}
		if _, err := client.EditComment(ctx, args[0], args[1], payload); err != nil {
			return fmt.Errorf("edit failed: %w", err)
		}
		fmt.Println("Edited.")
		return nil
	},
}

// ============================================================================
// messages delete
// ============================================================================

var messagesDeleteCmd = &cobra.Command{
	Use:   "delete <booking-id> <message-id>...",
	Short: "Delete one or more messages",
	Long:  "Soft-delete messages from the thread. With --bulk, all message ids are removed in one request.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		bookingID, ids := args[0], args[1:]

		ctx, cancel := requestContext()
		defer cancel()

		if messagesDeleteAll || len(ids) > 1 {
			if err := client.BulkDeleteComments(ctx, bookingID, ids); err != nil {
				return fmt.Errorf("bulk delete failed: %w", err)
			}
			fmt.Printf("Deleted %d message(s).\n", len(ids))
			return nil
		}
		if err := client.DeleteComment(ctx, bookingID, ids[0]); err != nil {
			return fmt.Errorf("delete failed: %w", err)
		}
		fmt.Println("Deleted.")
		return nil
	},
}

// ============================================================================
// messages star / react / read
// ============================================================================

var messagesStarCmd = &cobra.Command{
	Use:   "star <booking-id> <message-id>",
	Short: "Star or unstar a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := requestContext()
		defer cancel()

		if err := client.StarComment(ctx, args[0], args[1], !messagesStarOff); err != nil {
			return fmt.Errorf("star failed: %w", err)
		}
		if messagesStarOff {
			fmt.Println("Star removed.")
		} else {
			fmt.Println("Starred.")
		}
		return nil
	},
}

var messagesReactCmd = &cobra.Command{
	Use:   "react <booking-id> <message-id> <emoji>",
	Short: "Toggle a reaction on a message",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := requestContext()
		defer cancel()

		if err := client.ReactComment(ctx, args[0], args[1], args[2]); err != nil {
			return fmt.Errorf("react failed: %w", err)
		}
		fmt.Println("Reaction toggled.")
		return nil
	},
}

var messagesReadCmd = &cobra.Command{
	Use:   "read <booking-id> <message-id>...",
	Short: "Mark messages as read",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := requestContext()
		defer cancel()

		if err := client.MarkCommentsRead(ctx, args[0], args[1:]); err != nil {
			return fmt.Errorf("mark read failed: %w", err)
		}
		fmt.Printf("Marked %d message(s) read.\n", len(args)-1)
		return nil
	},
}
