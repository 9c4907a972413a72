package main

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/fatih/color"
	"github.com/shopspring/decimal"

	cl "commodex/internal/cli"
	"commodex/internal/game"
	"commodex/internal/ledger"
	"commodex/internal/state"
)

var (
	stdinReader = bufio.NewReader(os.Stdin)
	accent      = color.New(color.FgCyan, color.Bold)
	success     = color.New(color.FgGreen, color.Bold)
	warn        = color.New(color.FgYellow, color.Bold)
	danger      = color.New(color.FgRed, color.Bold)
	neutral     = color.New(color.FgHiWhite)

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printError(msg string) {
	danger.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func promptRequired(label string) (string, error) {
	for {
		fmt.Printf("%s: ", label)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.TrimSpace(text)
		if text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

func promptChoice(label string, options []string, defaultValue string) (string, error) {
	normalized := make(map[string]struct{}, len(options))
	for _, opt := range options {
		normalized[strings.ToLower(strings.TrimSpace(opt))] = struct{}{}
	}
	for {
		fmt.Printf("%s (%s) [%s]: ", label, strings.Join(options, "/"), defaultValue)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.ToLower(strings.TrimSpace(text))
		if text == "" {
			text = strings.ToLower(strings.TrimSpace(defaultValue))
		}
		if _, ok := normalized[text]; ok {
			return text, nil
		}
		printWarn("Invalid option. Please pick one of the listed values.")
	}
}

func promptInt64(label string, min int64) (int64, error) {
	for {
		text, err := promptRequired(label)
		if err != nil {
			return 0, err
		}
		v, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			printWarn("Enter a whole number.")
			continue
		}
		if v < min {
			printWarn(fmt.Sprintf("Value must be >= %d", min))
			continue
		}
		return v, nil
	}
}

func promptDecimal(label string) (decimal.Decimal, error) {
	for {
		text, err := promptRequired(label)
		if err != nil {
			return decimal.Zero, err
		}
		v, err := decimal.NewFromString(text)
		if err != nil {
			printWarn("Enter a valid amount.")
			continue
		}
		if !v.IsPositive() {
			printWarn("Amount must be > 0")
			continue
		}
		return v, nil
	}
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func renderState(snap state.Snapshot, userID string) {
	me, ok := snap.Players[userID]
	if !ok {
		printWarn("You are not in the game yet. Run `cdx ready` first.")
		return
	}
	accent.Printf("\n== %s ==\n", strings.ToUpper(me.Username))
	fmt.Printf("Balance:  %s\n", formatMoney(me.Balance))
	fmt.Printf("Players:  %d\n", len(snap.Players))

	fmt.Println()
	accent.Println("Inventory")
	names := commodityNames(snap.Commodities)
	ids := make([]string, 0, len(me.Inventory))
	for id, qty := range me.Inventory {
		if qty > 0 {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		printInfo("Inventory is empty.")
	} else {
		sort.Strings(ids)
		t := newTable("COMMODITY", "NAME", "QTY")
		for _, id := range ids {
			t.Row(id, names[id], strconv.FormatInt(me.Inventory[id], 10))
		}
		fmt.Println(t.Render())
	}

	fmt.Println()
	renderRule(me.RedemptionRule, me.Inventory)
	fmt.Println()
}

func renderRule(rule *ledger.RedemptionRule, inventory map[string]int64) {
	accent.Println("Redemption rule")
	if rule == nil {
		printInfo("No active rule.")
		return
	}
	fmt.Printf("Reward:   %s\n", formatMoney(rule.Reward))
	if inventory == nil {
		t := newTable("COMMODITY", "NEED")
		for _, item := range rule.RequiredItems {
			t.Row(item.CommodityID, strconv.FormatInt(item.Quantity, 10))
		}
		fmt.Println(t.Render())
		return
	}
	t := newTable("COMMODITY", "NEED", "HAVE")
	for _, item := range rule.RequiredItems {
		have := inventory[item.CommodityID]
		haveText := strconv.FormatInt(have, 10)
		if have >= item.Quantity {
			haveText = success.Sprint(haveText)
		} else {
			haveText = danger.Sprint(haveText)
		}
		t.Row(item.CommodityID, strconv.FormatInt(item.Quantity, 10), haveText)
	}
	fmt.Println(t.Render())
}

func renderTrades(title string, trades []ledger.Trade, userID string) {
	accent.Printf("\n== %s ==\n", strings.ToUpper(title))
	if len(trades) == 0 {
		printInfo("No trades.")
		return
	}
	t := newTable("ID", "FROM", "TO", "ACTION", "COMMODITY", "QTY", "PRICE", "STATUS", "AT")
	for _, tr := range trades {
		t.Row(
			truncate(tr.ID, 12),
			whoLabel(tr.FromUserID, userID),
			whoLabel(tr.ToUserID, userID),
			string(tr.Action),
			tr.CommodityID,
			strconv.FormatInt(tr.Quantity, 10),
			formatMoney(tr.Price),
			colorizeStatus(tr.Status),
			tr.CreatedAt.Local().Format(time.Kitchen),
		)
	}
	fmt.Println(t.Render())
}

func renderTradeResult(res game.TradeResult) {
	switch res.Status {
	case ledger.StatusSuccessful:
		printSuccess(fmt.Sprintf("Trade %s settled.", res.TradeID))
	case ledger.StatusRejected:
		printWarn(fmt.Sprintf("Trade %s rejected.", res.TradeID))
	default:
		printError(fmt.Sprintf("Trade %s failed: %s", res.TradeID, res.Message))
	}
}

func renderLeaderboard(board cl.Leaderboard) {
	title := "LEADERBOARD"
	if board.Timestamp != nil {
		title += " (" + board.Timestamp.Local().Format(time.DateTime) + ")"
	}
	accent.Printf("\n== %s ==\n", title)
	if len(board.Leaderboard) == 0 {
		printInfo("No global settlement has run yet.")
		return
	}
	t := newTable("RANK", "PLAYER", "SCORE")
	for _, row := range board.Leaderboard {
		t.Row(strconv.Itoa(row.Rank), truncate(row.Username, 18), formatMoney(row.Score))
	}
	fmt.Println(t.Render())
}

func commodityNames(commodities []ledger.Commodity) map[string]string {
	out := make(map[string]string, len(commodities))
	for _, c := range commodities {
		out[c.ID] = c.Name
	}
	return out
}

func whoLabel(id, me string) string {
	if id == me {
		return "you"
	}
	return truncate(id, 12)
}

func colorizeStatus(s ledger.TradeStatus) string {
	switch s {
	case ledger.StatusSuccessful:
		return success.Sprint(s)
	case ledger.StatusFailed:
		return danger.Sprint(s)
	case ledger.StatusRejected:
		return warn.Sprint(s)
	default:
		return neutral.Sprint(s)
	}
}

func formatMoney(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
