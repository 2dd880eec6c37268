// Package notify is the advisory Telegram sink. It only ever reacts to
// committed events; it never influences TradingState and a delivery
// failure is logged, never fatal.
package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/apollo-trading/futures-core/eventbus"
	"github.com/apollo-trading/futures-core/ledger"
)

// TelegramSink posts operator-relevant events to a chat.
type TelegramSink struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

func NewTelegramSink(token string, chatID int64) (*TelegramSink, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("notify: init telegram bot: %w", err)
	}
	return &TelegramSink{bot: bot, chatID: chatID}, nil
}

// Register subscribes the sink to the events an operator needs to see
// immediately: circuit breaker trips, reconciliation drift, and completed
// reconciliation runs.
func (s *TelegramSink) Register(bus *eventbus.Bus) {
	bus.Register(ledger.CircuitBreakerTriggered, func(ev ledger.Event) {
		s.send("🛑 circuit breaker triggered — trading halted pending manual review")
	})
	bus.Register(ledger.ManualIntervention, func(ev ledger.Event) {
		s.send(fmt.Sprintf("⚠️ manual intervention: kind=%s symbol=%s %s", ev.Str("kind"), ev.Str("symbol"), ev.Str("message")))
	})
	bus.Register(ledger.ReconciliationCompleted, func(ev ledger.Event) {
		if ev.Float("discrepancies") > 0 {
			s.send(fmt.Sprintf("🔎 reconciliation completed with %d discrepancies", int(ev.Float("discrepancies"))))
		}
	})
}

func (s *TelegramSink) send(text string) {
	if _, err := s.bot.Send(tgbotapi.NewMessage(s.chatID, text)); err != nil {
		log.Warn().Err(err).Msg("notify: failed to deliver telegram message")
	}
}
