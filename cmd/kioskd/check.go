package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/sionyx/kioskd/internal/account"
	"github.com/sionyx/kioskd/internal/config"
	"github.com/sionyx/kioskd/internal/remote"
	redisremote "github.com/sionyx/kioskd/internal/remote/redis"
	"github.com/sionyx/kioskd/internal/session"
	"github.com/spf13/cobra"
)

const checkTimeout = 5 * time.Second

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Inspect fleet state in the remote store",
	Long:  `Inspect account records and the price sheet the fleet shares, and show what the agent would decide for them.`,
}

var checkAccountCmd = &cobra.Command{
	Use:   "account USER_ID",
	Short: "Check a user account record",
	Long:  `Show a user's balance, paid time, and session record, and whether a sign-in on this kiosk would be accepted.`,
	Example: `  kioskd --config config.yaml check account u-1042
  kioskd check account guest-3`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckAccount,
}

var checkPricingCmd = &cobra.Command{
	Use:   "pricing",
	Short: "Check the effective print price sheet",
	Long:  `Show the per-page print prices the agent would charge, and whether they come from the remote store or the configured fallback.`,
	Args:  cobra.NoArgs,
	RunE:  runCheckPricing,
}

func init() {
	checkCmd.AddCommand(checkAccountCmd)
	checkCmd.AddCommand(checkPricingCmd)
	rootCmd.AddCommand(checkCmd)
}

func runCheckAccount(cmd *cobra.Command, args []string) error {
	userID := args[0]

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Connect to the shared remote store
	client, err := redisremote.Open(cfg.Remote)
	if err != nil {
		return fmt.Errorf("failed to connect to remote store: %w", err)
	}
	defer client.Close()

	store := account.NewStore(client)

	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	acct, err := store.Get(ctx, userID)

	printAccountResult(cfg, userID, acct, err)

	if err != nil && !errors.Is(err, remote.ErrNotFound) {
		return err
	}
	return nil
}

func runCheckPricing(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Connect to the shared remote store
	client, err := redisremote.Open(cfg.Remote)
	if err != nil {
		return fmt.Errorf("failed to connect to remote store: %w", err)
	}
	defer client.Close()

	store := account.NewStore(client)

	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	pricing, err := store.Pricing(ctx)

	printPricingResult(cfg, pricing, err)

	return nil
}

// printAccountResult prints the account check result with colors
func printAccountResult(cfg *config.Config, userID string, acct *account.Account, lookupErr error) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("ACCOUNT CHECK")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("User ID:     %s\n", userID)
	fmt.Printf("This kiosk:  %s\n", cfg.Computer.ID)
	fmt.Println()

	if lookupErr != nil {
		cyan.Print("Decision:    ")
		if errors.Is(lookupErr, remote.ErrNotFound) {
			red.Println("NOT FOUND")
			fmt.Println("             → No such account in the remote store")
			fmt.Println("             → Sign-in will be refused")
		} else {
			red.Println("UNAVAILABLE")
			fmt.Printf("             → Lookup failed: %v\n", lookupErr)
		}
		fmt.Println()
		return
	}

	now := time.Now().UTC()

	fmt.Printf("Balance:     %.2f\n", acct.Balance)
	fmt.Printf("Paid time:   %s (%d seconds)\n", formatSeconds(acct.RemainingSeconds), acct.RemainingSeconds)
	if acct.ExpiresAt.IsZero() {
		fmt.Printf("Expires:     (never)\n")
	} else {
		fmt.Printf("Expires:     %s\n", acct.ExpiresAt.Format(time.RFC3339))
	}
	if !acct.UpdatedAt.IsZero() {
		fmt.Printf("Updated:     %s (%s ago)\n", acct.UpdatedAt.Format(time.RFC3339), now.Sub(acct.UpdatedAt).Round(time.Second))
	}
	if acct.SessionActive {
		fmt.Printf("Session:     active on %s since %s\n", acct.SessionComputer, acct.SessionStart.Format(time.RFC3339))
	} else {
		fmt.Printf("Session:     none\n")
	}
	fmt.Println()

	orphanAge := session.DefaultOrphanAge
	if d, err := time.ParseDuration(cfg.Session.OrphanAge); err == nil {
		orphanAge = d
	}

	cyan.Print("Decision:    ")
	switch {
	case acct.Expired(now):
		red.Println("EXPIRED")
		fmt.Println("             → The paid time window has closed")
		fmt.Println("             → Sign-in will be refused and remaining time zeroed")

	case acct.SessionActive && now.Sub(acct.UpdatedAt) > orphanAge:
		yellow.Println("ORPHANED")
		fmt.Printf("             → Record not refreshed for %s (limit %s)\n", now.Sub(acct.UpdatedAt).Round(time.Second), orphanAge)
		fmt.Println("             → The stale record will be released at the next sign-in")
		fmt.Println("             → No time is deducted for the orphaned period")

	case acct.SessionActive && acct.SessionComputer == cfg.Computer.ID:
		yellow.Println("HELD BY THIS KIOSK")
		fmt.Println("             → The record points at this kiosk but no session is live here")
		fmt.Println("             → Sign-in here will reclaim it")

	case acct.SessionActive:
		green.Println("IN SESSION")
		fmt.Printf("             → Live on %s, refreshed %s ago\n", acct.SessionComputer, now.Sub(acct.UpdatedAt).Round(time.Second))
		fmt.Println("             → Sign-in on this kiosk will be refused")

	case acct.RemainingSeconds <= 0:
		yellow.Println("NO TIME")
		fmt.Println("             → No paid time left on the account")
		fmt.Println("             → Sign-in will be refused until time is added")

	default:
		green.Println("READY")
		fmt.Printf("             → Sign-in allowed with %s on the clock\n", formatSeconds(acct.RemainingSeconds))
	}
	fmt.Println()
}

// printPricingResult prints the pricing check result with colors
func printPricingResult(cfg *config.Config, pricing *account.Pricing, lookupErr error) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("PRICING CHECK")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	bw := cfg.Printing.FallbackBWPrice
	col := cfg.Printing.FallbackColorPrice
	if pricing != nil {
		bw = pricing.BWPerPage
		col = pricing.ColorPerPage
	}

	fmt.Printf("B&W page:    %.2f\n", bw)
	fmt.Printf("Color page:  %.2f\n", col)
	fmt.Println()

	cyan.Print("Source:      ")
	if lookupErr == nil {
		green.Println("REMOTE")
		fmt.Println("             → Fleet price sheet read from the remote store")
	} else {
		yellow.Println("FALLBACK")
		fmt.Printf("             → Remote price sheet unavailable: %v\n", lookupErr)
		fmt.Println("             → Jobs will be charged at the configured fallback prices")
	}
	fmt.Println()
}

// formatSeconds renders a second count the way the countdown shows it
func formatSeconds(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	d := time.Duration(seconds) * time.Second
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	return fmt.Sprintf("%dm%02ds", m, s)
}
