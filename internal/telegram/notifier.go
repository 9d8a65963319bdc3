package telegram

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/camuig/tranche-trader/internal/config"
	"github.com/camuig/tranche-trader/internal/domain"
	"github.com/camuig/tranche-trader/internal/logger"
)

type Notifier struct {
	bot     *tgbotapi.BotAPI
	chatID  int64
	enabled bool
	logger  *logger.Logger
	sendFn  func(text string) error
}

func NewNotifier(cfg *config.Config, log *logger.Logger) *Notifier {
	if !cfg.Telegram.Enabled {
		return &Notifier{enabled: false, logger: log}
	}

	bot, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
	if err != nil {
		log.Error("failed to create telegram bot", "error", err)
		return &Notifier{enabled: false, logger: log}
	}

	log.Info("telegram bot connected", "username", bot.Self.UserName)

	n := &Notifier{
		bot:     bot,
		chatID:  cfg.Telegram.ChatID,
		enabled: true,
		logger:  log,
	}
	n.sendFn = n.sendMarkdown
	return n
}

func (n *Notifier) NotifyFill(pos domain.Position, fill domain.TrancheFill) {
	msg := fmt.Sprintf("🧩 *FILL* %s %s\nTranche: %d\nPrice: %s\nQty: %s\nAvg entry: %s (%s filled)",
		pos.Symbol, pos.Direction, fill.TrancheIndex+1, fill.Price, fill.Quantity,
		pos.AvgEntryPrice.StringFixed(4), pos.TotalQuantityFilled)
	n.send(msg)
}

func (n *Notifier) NotifyOpened(pos domain.Position) {
	msg := fmt.Sprintf("🟢 *OPEN* %s %s\nAvg entry: %s\nQty: %s\nSL: %s\nTP: %s",
		pos.Symbol, pos.Direction, pos.AvgEntryPrice.StringFixed(4), pos.TotalQuantityFilled,
		pos.StopLossPrice.StringFixed(4), pos.TakeProfitPrice.StringFixed(4))
	n.send(msg)
}

func (n *Notifier) NotifyClosed(pos domain.Position) {
	emoji := "🔴"
	if pos.RealizedPnL.Valid && pos.RealizedPnL.Decimal.IsPositive() {
		emoji = "💰"
	}
	msg := fmt.Sprintf("%s *CLOSE* %s %s\nReason: %s\nClose: %s\nP&L: %s",
		emoji, pos.Symbol, pos.Direction, pos.CloseReason,
		pos.ClosePrice.Decimal.StringFixed(4), pos.RealizedPnL.Decimal.StringFixed(2))
	n.send(msg)
}

func (n *Notifier) NotifyAlert(alert domain.ReconciliationAlert) {
	msg := fmt.Sprintf("🚨 *RECONCILE* %s [%s]\nPosition: %s\n%s",
		alert.Symbol, alert.Kind, alert.PositionID, alert.Detail)
	n.send(msg)
}

func (n *Notifier) NotifyStatus(message string) {
	n.send(message)
}

func (n *Notifier) send(text string) {
	if !n.enabled {
		return
	}
	if err := n.sendFn(text); err != nil {
		n.logger.Error("send telegram message", "error", err)
	}
}

func (n *Notifier) sendMarkdown(text string) error {
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown

	_, err := n.bot.Send(msg)
	return err
}

var _ domain.Notifier = (*Notifier)(nil)
