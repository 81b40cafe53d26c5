package telegram

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/internal/domain/risk"
	"atlas/pkg/errors"
	"atlas/pkg/logger"
)

type fakeSender struct {
	chatIDs []int64
	texts   []string
	err     error
}

func (f *fakeSender) SendMessage(_ context.Context, chatID int64, text string) error {
	f.chatIDs = append(f.chatIDs, chatID)
	f.texts = append(f.texts, text)
	return f.err
}

func testAlertData() RiskAlertData {
	hf := 1.04
	return RiskAlertData{
		User:               "0x47ac0fb4f2d84898e4d9e7b4dab3c24507a6d503",
		Severity:           risk.SeverityCritical,
		Level:              risk.LevelCritical,
		HealthFactor:       &hf,
		PriceDropPct:       3.8,
		RiskiestProtocol:   "aave-v3",
		TotalCollateralUSD: decimal.NewFromInt(15000),
		TotalBorrowUSD:     decimal.NewFromFloat(6250.5),
		Message:            "Liquidation imminent, add collateral or repay now",
		RecommendedAction:  risk.ActionAddCollateral,
	}
}

func TestFormatRiskAlertRendersAllFields(t *testing.T) {
	text := FormatRiskAlert(testAlertData())

	assert.Contains(t, text, "🚨 *CRITICAL liquidation risk*")
	assert.Contains(t, text, "Wallet: `0x47ac0f…d503`")
	assert.Contains(t, text, "Health factor: *1.04*")
	assert.Contains(t, text, "Riskiest protocol: aave-v3")
	assert.Contains(t, text, "Collateral: $15,000")
	assert.Contains(t, text, "Debt: $6,250.5")
	assert.Contains(t, text, "Price drop to liquidation: 3.8%")
	assert.Contains(t, text, "Liquidation imminent, add collateral or repay now")
	assert.Contains(t, text, "Recommended action: `add_collateral`")
}

func TestFormatRiskAlertOmitsOptionalLines(t *testing.T) {
	data := testAlertData()
	data.Severity = risk.SeverityWarning
	data.Level = risk.LevelMedium
	data.HealthFactor = nil
	data.PriceDropPct = 0
	data.RiskiestProtocol = ""
	data.Message = ""
	data.RecommendedAction = risk.ActionNone

	text := FormatRiskAlert(data)

	assert.Contains(t, text, "⚠️ *WARNING liquidation risk*")
	assert.Contains(t, text, "Health factor: *∞*")
	assert.NotContains(t, text, "Riskiest protocol")
	assert.NotContains(t, text, "Price drop to liquidation")
	assert.NotContains(t, text, "Recommended action")
}

func TestNotifierSendsToConfiguredChat(t *testing.T) {
	require.NoError(t, logger.Init("error", "test"))
	bot := &fakeSender{}
	n := NewNotifier(bot, 4242, logger.Get())

	require.NoError(t, n.NotifyRiskAlert(context.Background(), testAlertData()))

	require.Len(t, bot.chatIDs, 1)
	assert.EqualValues(t, 4242, bot.chatIDs[0])
	assert.Contains(t, bot.texts[0], "liquidation risk")
}

func TestNotifierWrapsSendErrors(t *testing.T) {
	require.NoError(t, logger.Init("error", "test"))
	bot := &fakeSender{err: errors.New("telegram unreachable")}
	n := NewNotifier(bot, 4242, logger.Get())

	err := n.NotifyRiskAlert(context.Background(), testAlertData())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send risk alert")
}

func TestShortAddressKeepsSmallInputs(t *testing.T) {
	assert.Equal(t, "0xabc", shortAddress("0xabc"))
	assert.Equal(t, "0x47ac0f…d503", shortAddress("0x47ac0fb4f2d84898e4d9e7b4dab3c24507a6d503"))
}
