package telegram

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/h1v3-io/remedy/internal/connector"
)

// Config holds Telegram connector configuration.
type Config struct {
	Token     string  // Bot token from @BotFather
	ChatID    int64   // Chat that receives approval cards
	AllowFrom []int64 // Telegram user IDs allowed to decide (empty = allow all)
}

// Connector posts approval cards with an inline keyboard and handles the button presses.
type Connector struct {
	bot    *tgbotapi.BotAPI
	config Config
	decide connector.DecisionHandler
	logger *slog.Logger
	cancel context.CancelFunc
}

// New creates a new Telegram connector.
func New(cfg Config, decide connector.DecisionHandler, logger *slog.Logger) (*Connector, error) {
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram: chat_id is required")
	}

	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: init bot: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("telegram bot authorized", "username", bot.Self.UserName)

	return &Connector{
		bot:    bot,
		config: cfg,
		decide: decide,
		logger: logger,
	}, nil
}

func (c *Connector) Name() string { return "telegram" }

// Start begins long-polling for updates. Blocks until context is cancelled.
func (c *Connector) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := c.bot.GetUpdatesChan(u)

	c.logger.Info("telegram connector started", "bot", c.bot.Self.UserName)

	for {
		select {
		case update := <-updates:
			switch {
			case update.CallbackQuery != nil:
				c.handleCallback(ctx, update.CallbackQuery)
			case update.Message != nil && update.Message.IsCommand():
				c.handleCommand(ctx, update.Message)
			}

		case <-ctx.Done():
			c.bot.StopReceivingUpdates()
			c.logger.Info("telegram connector stopped")
			return ctx.Err()
		}
	}
}

// Stop gracefully shuts down the connector.
func (c *Connector) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// RequestApproval posts an approval card with Approve / Reject buttons.
func (c *Connector) RequestApproval(_ context.Context, req connector.ApprovalRequest) error {
	msg := tgbotapi.NewMessage(c.config.ChatID, ApprovalHTML(req))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = ApprovalKeyboard(req.TicketID)

	if _, err := c.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram: send approval card: %w", err)
	}
	return nil
}

// Notify posts a status message, rendering its Markdown as HTML.
func (c *Connector) Notify(_ context.Context, n connector.Notice) error {
	if strings.TrimSpace(n.Content) == "" {
		return nil
	}
	msg := tgbotapi.NewMessage(c.config.ChatID, MarkdownToHTML(n.Content))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, err := c.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram: send message: %w", err)
	}
	return nil
}

func (c *Connector) handleCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	d, ok := ParseCallbackData(cq.Data)
	if !ok {
		return
	}
	d.Actor = strconv.FormatInt(cq.From.ID, 10)

	if !c.allowed(cq.From.ID) {
		c.logger.Warn("unauthorized decision", "user_id", cq.From.ID, "username", cq.From.UserName)
		c.bot.Request(tgbotapi.NewCallback(cq.ID, "You are not allowed to decide on remediations."))
		return
	}

	text, err := c.apply(ctx, d, cq.From.UserName)
	if err != nil {
		c.bot.Request(tgbotapi.NewCallback(cq.ID, "Failed: "+err.Error()))
		return
	}

	c.bot.Request(tgbotapi.NewCallback(cq.ID, text))

	if cq.Message != nil {
		// Editing the text without a markup drops the inline keyboard. A stale
		// card loses it too since the ticket is no longer pending.
		edit := tgbotapi.NewEditMessageText(cq.Message.Chat.ID, cq.Message.MessageID,
			cq.Message.Text+"\n\n"+text)
		if _, err := c.bot.Send(edit); err != nil {
			c.logger.Warn("card update failed", "ticket_id", d.TicketID, "error", err)
		}
	}
}

func (c *Connector) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	switch msg.Command() {
	case connector.ActionApprove, connector.ActionReject:
		ticketID := strings.TrimSpace(msg.CommandArguments())
		if ticketID == "" {
			c.bot.Send(tgbotapi.NewMessage(chatID, fmt.Sprintf("Usage: /%s <ticket_id>", msg.Command())))
			return
		}
		if !c.allowed(msg.From.ID) {
			c.logger.Warn("unauthorized user", "user_id", msg.From.ID, "username", msg.From.UserName)
			return
		}
		d := connector.Decision{
			TicketID: ticketID,
			Approve:  msg.Command() == connector.ActionApprove,
			Actor:    strconv.FormatInt(msg.From.ID, 10),
			Channel:  "telegram",
		}
		reply, err := c.apply(ctx, d, msg.From.UserName)
		if err != nil {
			reply = "Failed: " + err.Error()
		}
		c.bot.Send(tgbotapi.NewMessage(chatID, reply))

	case "help":
		help := strings.Join([]string{
			"Available commands:",
			"/approve <ticket_id> — approve a pending remediation",
			"/reject <ticket_id> — reject a pending remediation",
			"/help — Show this help message",
		}, "\n")
		c.bot.Send(tgbotapi.NewMessage(chatID, help))
	}
}

// apply runs the decision handler and returns the reply for the user.
func (c *Connector) apply(ctx context.Context, d connector.Decision, username string) (string, error) {
	out, err := c.decide(ctx, d)
	if err != nil {
		c.logger.Error("decision handler error", "ticket_id", d.TicketID, "error", err)
		return "", err
	}
	if !out.Changed {
		c.logger.Info("decision had no effect", "ticket_id", d.TicketID, "status", out.Status)
	}
	return outcomeText(d, out, username), nil
}

func (c *Connector) allowed(userID int64) bool {
	return len(c.config.AllowFrom) == 0 || contains(c.config.AllowFrom, userID)
}

// ApprovalKeyboard returns the inline keyboard for a ticket's approval card.
func ApprovalKeyboard(ticketID string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Approve", connector.ActionApprove+":"+ticketID),
			tgbotapi.NewInlineKeyboardButtonData("❌ Reject", connector.ActionReject+":"+ticketID),
		),
	)
}

// ParseCallbackData decodes "approve:<ticket>" / "reject:<ticket>".
func ParseCallbackData(data string) (connector.Decision, bool) {
	action, ticketID, ok := strings.Cut(data, ":")
	if !ok || ticketID == "" {
		return connector.Decision{}, false
	}
	switch action {
	case connector.ActionApprove, connector.ActionReject:
		return connector.Decision{
			TicketID: ticketID,
			Approve:  action == connector.ActionApprove,
			Channel:  "telegram",
		}, true
	}
	return connector.Decision{}, false
}

// ApprovalHTML renders an approval card in Telegram's HTML subset.
func ApprovalHTML(req connector.ApprovalRequest) string {
	var b strings.Builder
	b.WriteString("<b>Auto-remediation approval</b>\n\n")
	fmt.Fprintf(&b, "<b>Pipeline:</b> %s\n", html.EscapeString(req.Pipeline))
	fmt.Fprintf(&b, "<b>Action:</b> <code>%s</code>\n", html.EscapeString(string(req.Action)))
	fmt.Fprintf(&b, "<b>Risk:</b> %s\n", html.EscapeString(string(req.Risk)))
	fmt.Fprintf(&b, "<b>Ticket:</b> <code>%s</code>\n\n", html.EscapeString(req.TicketID))
	fmt.Fprintf(&b, "<pre>%s</pre>", html.EscapeString(req.Error))
	return b.String()
}

func outcomeText(d connector.Decision, out connector.Outcome, username string) string {
	who := username
	if who == "" {
		who = d.Actor
	}
	if !out.Changed {
		return fmt.Sprintf("Ticket %s is %s, no action taken.", d.TicketID, out.Status)
	}
	if d.Approve {
		return fmt.Sprintf("Approved by %s", who)
	}
	return fmt.Sprintf("Rejected by %s", who)
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
