package telegram

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"atlas/internal/domain/risk"
	"atlas/pkg/errors"
	"atlas/pkg/logger"
)

// RiskAlertData carries the fields the alert message renders
type RiskAlertData struct {
	User               string
	Severity           risk.AlertSeverity
	Level              risk.Level
	HealthFactor       *float64
	PriceDropPct       float64
	RiskiestProtocol   string
	TotalCollateralUSD decimal.Decimal
	TotalBorrowUSD     decimal.Decimal
	Message            string
	RecommendedAction  risk.RecommendedAction
}

// sender is the slice of the bot the notifier needs.
type sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Notifier formats liquidation alerts and posts them to the
// operations channel.
type Notifier struct {
	bot    sender
	chatID int64
	log    *logger.Logger
}

// NewNotifier creates the alert notifier.
func NewNotifier(bot sender, chatID int64, log *logger.Logger) *Notifier {
	return &Notifier{
		bot:    bot,
		chatID: chatID,
		log:    log.Named("notifier"),
	}
}

// NotifyRiskAlert formats and sends one liquidation-risk alert.
func (n *Notifier) NotifyRiskAlert(ctx context.Context, data RiskAlertData) error {
	if err := n.bot.SendMessage(ctx, n.chatID, FormatRiskAlert(data)); err != nil {
		return errors.Wrap(err, "send risk alert")
	}

	n.log.Infow("risk alert sent",
		"user", data.User,
		"severity", string(data.Severity),
		"level", string(data.Level),
	)
	return nil
}

// FormatRiskAlert renders the Markdown alert message. Values with
// underscores go into code spans so Markdown does not italicize them.
func FormatRiskAlert(data RiskAlertData) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s *%s liquidation risk*\n\n", severityEmoji(data.Severity), strings.ToUpper(string(data.Severity)))
	fmt.Fprintf(&b, "Wallet: `%s`\n", shortAddress(data.User))
	fmt.Fprintf(&b, "Health factor: *%s*\n", formatHealthFactor(data.HealthFactor))
	if data.RiskiestProtocol != "" {
		fmt.Fprintf(&b, "Riskiest protocol: %s\n", data.RiskiestProtocol)
	}
	fmt.Fprintf(&b, "Collateral: $%s\n", humanize.CommafWithDigits(data.TotalCollateralUSD.InexactFloat64(), 2))
	fmt.Fprintf(&b, "Debt: $%s\n", humanize.CommafWithDigits(data.TotalBorrowUSD.InexactFloat64(), 2))
	if data.PriceDropPct > 0 {
		fmt.Fprintf(&b, "Price drop to liquidation: %.1f%%\n", data.PriceDropPct)
	}

	if data.Message != "" {
		fmt.Fprintf(&b, "\n%s\n", data.Message)
	}
	if data.RecommendedAction != "" && data.RecommendedAction != risk.ActionNone {
		fmt.Fprintf(&b, "Recommended action: `%s`\n", data.RecommendedAction)
	}

	return b.String()
}

func severityEmoji(s risk.AlertSeverity) string {
	switch s {
	case risk.SeverityCritical:
		return "🚨"
	case risk.SeverityDanger:
		return "🔴"
	default:
		return "⚠️"
	}
}

func formatHealthFactor(hf *float64) string {
	if hf == nil {
		return "∞"
	}
	return risk.FormatHealthFactor(*hf)
}

// shortAddress renders 0x47ac0f…d503 style wallet labels.
func shortAddress(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:8] + "…" + addr[len(addr)-4:]
}
