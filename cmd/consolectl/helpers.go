package main

import (
	"fmt"
	"os"

	console "github.com/slotline/console-sdk"
)

// getClient creates a console client from the stored operator session.
func getClient() *console.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No session token. Run 'consolectl login <token>' first.")
		os.Exit(1)
	}

	opts := []console.ClientOption{
		console.WithOperator(console.Identity{
			UserID:      cfg.Auth.OperatorID,
			DisplayName: cfg.Auth.OperatorName,
			Role:        "admin",
		}),
	}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, console.WithBaseURL(cfg.Default.BaseURL))
	}

	return console.NewClient(cfg.Auth.Token, opts...)
}

// stderrNotifier routes SDK notices to standard error.
func stderrNotifier() *console.Notifier {
	n := console.NewNotifier()
	n.OnNotice(func(notice console.Notice) {
		prefix := "info"
		switch notice.Severity {
		case console.SeverityError:
			prefix = "error"
		case console.SeverityBlocking:
			prefix = "FATAL"
		}
		if notice.Err != nil {
			fmt.Fprintf(os.Stderr, "[%s] %s: %v\n", prefix, notice.Message, notice.Err)
			return
		}
		fmt.Fprintf(os.Stderr, "[%s] %s\n", prefix, notice.Message)
	})
	return n
}
