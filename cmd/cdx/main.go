package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"commodex/internal/auth"
	cl "commodex/internal/cli"
	"commodex/internal/config"
	"commodex/internal/ledger"
	"commodex/internal/syncq"
)

func main() {
	config.LoadDotEnv()
	cfg := config.LoadCLIFromEnv()
	apiBase := cfg.APIBaseURL

	root := &cobra.Command{
		Use:          "cdx",
		Short:        "Commodex trading game client",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&apiBase, "api", apiBase, "API base URL")

	root.AddCommand(
		newLoginCmd(&apiBase),
		newLogoutCmd(),
		newReadyCmd(&apiBase),
		newStateCmd(&apiBase),
		newProposeCmd(&apiBase),
		newRespondCmd(&apiBase),
		newTradesCmd(&apiBase),
		newRedeemCmd(&apiBase),
		newRefreshCmd(&apiBase),
		newLeaderboardCmd(&apiBase),
		newSettleCmd(&apiBase),
		newSyncCmd(&apiBase),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newClient(apiBase *string) *cl.Client {
	return cl.NewClient(strings.TrimRight(strings.TrimSpace(*apiBase), "/"))
}

func requireSession() (cl.Session, error) {
	sess, err := cl.LoadSession()
	if err != nil {
		return cl.Session{}, fmt.Errorf("login required: %w", err)
	}
	return sess, nil
}

func newLoginCmd(apiBase *string) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store an access token issued by the auth service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(token) == "" {
				var err error
				if token, err = promptRequired("Access token"); err != nil {
					return err
				}
			}
			id, err := auth.Peek(token)
			if err != nil {
				return err
			}
			sess := cl.Session{AccessToken: strings.TrimSpace(token), UserID: id.UserID, Username: id.Username}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if _, err := newClient(apiBase).Ready(ctx, sess.AccessToken); err != nil {
				if !cl.IsTransport(err) {
					return err
				}
				printWarn("Server unreachable, session saved anyway. Run `cdx ready` once online.")
			}
			if err := cl.SaveSession(sess); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Logged in as %s.", sess.Username))
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "JWT access token")
	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the local session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.ClearSession(); err != nil {
				return err
			}
			printSuccess("Logged out.")
			return nil
		},
	}
}

func newReadyCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "Join the game, creating your player on first use",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			snap, err := newClient(apiBase).Ready(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			renderState(snap, sess.UserID)
			return nil
		},
	}
}

func newStateCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:     "state",
		Short:   "Show balance, inventory and redemption rule",
		Aliases: []string{"dash"},
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			snap, err := newClient(apiBase).State(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			renderState(snap, sess.UserID)
			return nil
		},
	}
}

func newProposeCmd(apiBase *string) *cobra.Command {
	var (
		to        string
		commodity string
		qty       int64
		price     string
		action    string
	)
	cmd := &cobra.Command{
		Use:   "propose",
		Short: "Offer a trade to another player",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			p, err := proposalFromFlags(to, commodity, qty, price, action)
			if err != nil {
				return err
			}
			p.TradeID = uuid.NewString()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			trade, err := newClient(apiBase).Propose(ctx, sess.AccessToken, p)
			if err != nil {
				return queueOnNetworkError(err, p)
			}
			printSuccess(fmt.Sprintf("Proposed trade %s (%s %d %s @ %s) to %s.",
				trade.ID, trade.Action, trade.Quantity, trade.CommodityID, formatMoney(trade.Price), trade.ToUserID))
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "counterparty user id")
	cmd.Flags().StringVar(&commodity, "commodity", "", "commodity id")
	cmd.Flags().Int64Var(&qty, "qty", 0, "quantity")
	cmd.Flags().StringVar(&price, "price", "", "total price")
	cmd.Flags().StringVar(&action, "action", "", "buy or sell, from your side")
	return cmd
}

// proposalFromFlags prompts for anything the flags left empty.
func proposalFromFlags(to, commodity string, qty int64, price, action string) (cl.Proposal, error) {
	var err error
	if strings.TrimSpace(to) == "" {
		if to, err = promptRequired("Counterparty user id"); err != nil {
			return cl.Proposal{}, err
		}
	}
	if strings.TrimSpace(commodity) == "" {
		if commodity, err = promptRequired("Commodity"); err != nil {
			return cl.Proposal{}, err
		}
	}
	if qty <= 0 {
		if qty, err = promptInt64("Quantity", 1); err != nil {
			return cl.Proposal{}, err
		}
	}
	if strings.TrimSpace(action) == "" {
		if action, err = promptChoice("Action", []string{string(ledger.ActionBuy), string(ledger.ActionSell)}, string(ledger.ActionSell)); err != nil {
			return cl.Proposal{}, err
		}
	}
	p := cl.Proposal{
		ToUserID:    strings.TrimSpace(to),
		CommodityID: strings.ToLower(strings.TrimSpace(commodity)),
		Quantity:    qty,
		Action:      ledger.Action(strings.ToLower(strings.TrimSpace(action))),
	}
	if !p.Action.Valid() {
		return cl.Proposal{}, fmt.Errorf("action must be buy or sell")
	}
	if strings.TrimSpace(price) == "" {
		if p.Price, err = promptDecimal("Price"); err != nil {
			return cl.Proposal{}, err
		}
		return p, nil
	}
	if p.Price, err = parsePositiveDecimal(price); err != nil {
		return cl.Proposal{}, err
	}
	return p, nil
}

func newRespondCmd(apiBase *string) *cobra.Command {
	var reject bool
	cmd := &cobra.Command{
		Use:   "respond <trade-id>",
		Short: "Accept (default) or reject a trade offered to you",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			res, err := newClient(apiBase).Respond(ctx, sess.AccessToken, strings.TrimSpace(args[0]), !reject)
			if err != nil {
				return err
			}
			renderTradeResult(res)
			return nil
		},
	}
	cmd.Flags().BoolVar(&reject, "reject", false, "reject instead of accepting")
	return cmd
}

func newTradesCmd(apiBase *string) *cobra.Command {
	trades := &cobra.Command{
		Use:     "trades",
		Short:   "Trade history and pending offers",
		Aliases: []string{"trade"},
	}
	trades.AddCommand(
		&cobra.Command{
			Use:   "pending",
			Short: "Offers waiting for your answer",
			RunE: func(cmd *cobra.Command, args []string) error {
				sess, err := requireSession()
				if err != nil {
					return err
				}
				ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
				defer cancel()
				out, err := newClient(apiBase).Pending(ctx, sess.AccessToken)
				if err != nil {
					return err
				}
				renderTrades("pending", out, sess.UserID)
				return nil
			},
		},
		&cobra.Command{
			Use:   "history",
			Short: "Trades you took part in",
			RunE: func(cmd *cobra.Command, args []string) error {
				sess, err := requireSession()
				if err != nil {
					return err
				}
				ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
				defer cancel()
				out, err := newClient(apiBase).History(ctx, sess.AccessToken)
				if err != nil {
					return err
				}
				renderTrades("history", out, sess.UserID)
				return nil
			},
		},
	)
	return trades
}

func newRedeemCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "redeem",
		Short: "Redeem your rule's required items for its reward",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			res, err := newClient(apiBase).Redeem(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			if !res.Success {
				printError("Redeem failed: " + res.Message)
				return nil
			}
			printSuccess(fmt.Sprintf("Redeemed %s. Balance: %s", formatMoney(res.Reward), formatMoney(res.Balance)))
			if res.Rule != nil {
				renderRule(res.Rule, nil)
			}
			return nil
		},
	}
}

func newRefreshCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Pay the fee for a new redemption rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			res, err := newClient(apiBase).RefreshRule(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			if !res.Success {
				printError("Refresh failed: " + res.Message)
				return nil
			}
			printSuccess(fmt.Sprintf("Paid %s. Balance: %s", formatMoney(res.Fee), formatMoney(res.Balance)))
			if res.Rule != nil {
				renderRule(res.Rule, nil)
			}
			return nil
		},
	}
}

func newLeaderboardCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:     "leaderboard",
		Short:   "Show the last global settlement ranking",
		Aliases: []string{"lb"},
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			board, err := newClient(apiBase).Leaderboard(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			renderLeaderboard(board)
			return nil
		},
	}
}

func newSettleCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "settle",
		Short: "Trigger a global settlement now",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()
			report, err := newClient(apiBase).GlobalSettlement(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Global settlement done: settled=%d failed=%d bonused=%d",
				report.Settled, report.Failed, report.Bonused))
			renderLeaderboard(cl.Leaderboard{Leaderboard: report.Leaderboard, Timestamp: &report.FinishedAt})
			return nil
		},
	}
}

func newSyncCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay trade proposals queued while offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			queue, err := openQueue()
			if err != nil {
				return err
			}
			pending, err := queue.Load()
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				printInfo("Sync queue is empty.")
				return nil
			}
			proposals := make([]cl.Proposal, 0, len(pending))
			for _, c := range pending {
				var p cl.Proposal
				if err := json.Unmarshal(c.Body, &p); err != nil {
					printError(fmt.Sprintf("Dropping unreadable entry %s: %v", c.TradeID, err))
					_ = queue.Remove(c.TradeID)
					continue
				}
				p.TradeID = c.TradeID
				proposals = append(proposals, p)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()
			results, err := newClient(apiBase).SyncReplay(ctx, sess.AccessToken, proposals)
			if err != nil {
				return err
			}
			done := make([]string, 0, len(results))
			replayed := 0
			for _, r := range results {
				done = append(done, r.TradeID)
				if r.OK {
					replayed++
					continue
				}
				printError(fmt.Sprintf("Sync failed for %s: %s", r.TradeID, r.Error))
			}
			if err := queue.Remove(done...); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Sync complete: replayed=%d rejected=%d remaining=%d",
				replayed, len(done)-replayed, len(proposals)-len(done)))
			return nil
		},
	}
}

func openQueue() (*syncq.Queue, error) {
	dir, err := cl.BaseDir()
	if err != nil {
		return nil, err
	}
	return syncq.Open(dir)
}

// queueOnNetworkError keeps a proposal that never reached the server so
// `cdx sync` can replay it under the same trade id.
func queueOnNetworkError(err error, p cl.Proposal) error {
	if err == nil {
		return nil
	}
	if !cl.IsTransport(err) {
		return err
	}
	queue, qerr := openQueue()
	if qerr != nil {
		return fmt.Errorf("request failed and could not be queued: %w", err)
	}
	if qerr := queue.Push(p.TradeID, p); qerr != nil {
		return fmt.Errorf("request failed and could not be queued: %w", err)
	}
	printWarn(fmt.Sprintf("Server unreachable. Queued trade %s, run `cdx sync` later.", p.TradeID))
	return nil
}

func parsePositiveDecimal(s string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", s)
	}
	if !v.IsPositive() {
		return decimal.Zero, fmt.Errorf("amount must be > 0")
	}
	return v, nil
}
