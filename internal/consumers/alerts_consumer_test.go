package consumers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/internal/adapters/telegram"
	"atlas/internal/domain/lending"
	"atlas/internal/domain/risk"
	"atlas/internal/events"
	"atlas/pkg/errors"
	"atlas/pkg/logger"
)

type fakeDedup struct {
	keys map[string]time.Duration
	err  error
}

func newFakeDedup() *fakeDedup {
	return &fakeDedup{keys: map[string]time.Duration{}}
}

func (f *fakeDedup) SetNX(_ context.Context, key string, _ interface{}, ttl time.Duration) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if _, ok := f.keys[key]; ok {
		return false, nil
	}
	f.keys[key] = ttl
	return true, nil
}

type fakeNotifier struct {
	alerts []telegram.RiskAlertData
	err    error
}

func (f *fakeNotifier) NotifyRiskAlert(_ context.Context, data telegram.RiskAlertData) error {
	if f.err != nil {
		return f.err
	}
	f.alerts = append(f.alerts, data)
	return nil
}

func newTestConsumer(t *testing.T, dedup dedupStore, notif notifier) *AlertsConsumer {
	t.Helper()
	require.NoError(t, logger.Init("error", "test"))
	return NewAlertsConsumer(nil, dedup, notif, logger.Get())
}

func alertMessage(t *testing.T, level risk.Level, severity risk.AlertSeverity, hf float64) kafkago.Message {
	t.Helper()
	agg := &lending.AggregatedPosition{
		User:               "0x47ac0fb4f2d84898e4d9e7b4dab3c24507a6d503",
		TotalCollateralUSD: decimal.NewFromInt(15000),
		TotalBorrowUSD:     decimal.NewFromInt(6000),
		RiskiestProtocol:   lending.ProtocolAaveV3,
	}
	assessment := &risk.Assessment{
		Level:             level,
		HealthFactor:      &hf,
		PriceDropPct:      10,
		Message:           "High liquidation risk",
		RecommendedAction: risk.ActionRepayDebt,
		Severity:          severity,
	}
	data, err := json.Marshal(events.NewRiskAlertEvent(agg, assessment, 1))
	require.NoError(t, err)
	return kafkago.Message{Value: data}
}

func TestRiskAlertNotifiesThenDedups(t *testing.T) {
	dedup := newFakeDedup()
	notif := &fakeNotifier{}
	ac := newTestConsumer(t, dedup, notif)
	ctx := context.Background()

	msg := alertMessage(t, risk.LevelCritical, risk.SeverityCritical, 1.05)

	require.NoError(t, ac.handleMessage(ctx, msg))
	require.Len(t, notif.alerts, 1)
	assert.Equal(t, "0x47ac0fb4f2d84898e4d9e7b4dab3c24507a6d503", notif.alerts[0].User)
	assert.Equal(t, risk.SeverityCritical, notif.alerts[0].Severity)
	assert.Equal(t, "aave-v3", notif.alerts[0].RiskiestProtocol)

	// Same wallet, same level, inside the window: suppressed.
	require.NoError(t, ac.handleMessage(ctx, alertMessage(t, risk.LevelCritical, risk.SeverityCritical, 1.04)))
	assert.Len(t, notif.alerts, 1)

	ttl, ok := dedup.keys["alerts:dedup:0x47ac0fb4f2d84898e4d9e7b4dab3c24507a6d503:critical"]
	require.True(t, ok)
	assert.Equal(t, criticalCooldown, ttl)
}

func TestEscalationBypassesDedupWindow(t *testing.T) {
	dedup := newFakeDedup()
	notif := &fakeNotifier{}
	ac := newTestConsumer(t, dedup, notif)
	ctx := context.Background()

	require.NoError(t, ac.handleMessage(ctx, alertMessage(t, risk.LevelHigh, risk.SeverityDanger, 1.2)))
	require.NoError(t, ac.handleMessage(ctx, alertMessage(t, risk.LevelCritical, risk.SeverityCritical, 1.05)))

	require.Len(t, notif.alerts, 2)
	assert.Equal(t, risk.SeverityDanger, notif.alerts[0].Severity)
	assert.Equal(t, risk.SeverityCritical, notif.alerts[1].Severity)
}

func TestSeverityNoneIsIgnored(t *testing.T) {
	dedup := newFakeDedup()
	notif := &fakeNotifier{}
	ac := newTestConsumer(t, dedup, notif)

	require.NoError(t, ac.handleMessage(context.Background(), alertMessage(t, risk.LevelSafe, risk.SeverityNone, 3.5)))

	assert.Empty(t, notif.alerts)
	assert.Empty(t, dedup.keys)
}

func TestDedupOutageStillNotifies(t *testing.T) {
	dedup := newFakeDedup()
	dedup.err = errors.New("redis down")
	notif := &fakeNotifier{}
	ac := newTestConsumer(t, dedup, notif)

	require.NoError(t, ac.handleMessage(context.Background(), alertMessage(t, risk.LevelCritical, risk.SeverityCritical, 1.02)))

	assert.Len(t, notif.alerts, 1)
}

func TestNotifierErrorPropagates(t *testing.T) {
	dedup := newFakeDedup()
	notif := &fakeNotifier{err: errors.New("telegram unreachable")}
	ac := newTestConsumer(t, dedup, notif)

	err := ac.handleMessage(context.Background(), alertMessage(t, risk.LevelCritical, risk.SeverityCritical, 1.02))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notify 0x47ac0fb4f2d84898e4d9e7b4dab3c24507a6d503")
}

func TestUnknownEventTypeIgnored(t *testing.T) {
	dedup := newFakeDedup()
	notif := &fakeNotifier{}
	ac := newTestConsumer(t, dedup, notif)

	marker := &events.MarketsRefreshedEvent{Base: events.NewBaseEvent(events.TypeMarketsRefreshed, "market_refresh")}
	data, err := json.Marshal(marker)
	require.NoError(t, err)

	require.NoError(t, ac.handleMessage(context.Background(), kafkago.Message{Value: data}))
	assert.Empty(t, notif.alerts)
}

func TestMalformedPayloadErrors(t *testing.T) {
	ac := newTestConsumer(t, newFakeDedup(), &fakeNotifier{})

	err := ac.handleMessage(context.Background(), kafkago.Message{Value: []byte("{not json")})
	require.Error(t, err)
}

func TestCooldownPerSeverity(t *testing.T) {
	assert.Equal(t, criticalCooldown, cooldownFor(risk.SeverityCritical))
	assert.Equal(t, dangerCooldown, cooldownFor(risk.SeverityDanger))
	assert.Equal(t, warningCooldown, cooldownFor(risk.SeverityWarning))
}
