package slackconn

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"

	"github.com/h1v3-io/remedy/internal/connector"
)

// Config holds Slack connector configuration.
type Config struct {
	BotToken  string   // xoxb-... Bot User OAuth Token
	AppToken  string   // xapp-... App-Level Token (for Socket Mode)
	Channel   string   // channel that receives approval cards
	Approvers []string // Optional: user IDs allowed to decide (empty = anyone in channel)
}

// Connector posts approval cards to Slack and receives button clicks via Socket Mode.
type Connector struct {
	api    *slack.Client
	socket *socketmode.Client
	config Config
	decide connector.DecisionHandler
	logger *slog.Logger
	cancel context.CancelFunc
}

// New creates a new Slack connector.
func New(cfg Config, decide connector.DecisionHandler, logger *slog.Logger) (*Connector, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("slack: bot_token is required")
	}
	if cfg.AppToken == "" {
		return nil, fmt.Errorf("slack: app_token is required (Socket Mode)")
	}
	if cfg.Channel == "" {
		return nil, fmt.Errorf("slack: channel is required")
	}

	if logger == nil {
		logger = slog.Default()
	}

	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))

	authResp, err := api.AuthTest()
	if err != nil {
		return nil, fmt.Errorf("slack: auth test: %w", err)
	}

	logger.Info("slack bot authorized", "user", authResp.User, "team", authResp.Team)

	return &Connector{
		api:    api,
		socket: socketmode.New(api),
		config: cfg,
		decide: decide,
		logger: logger,
	}, nil
}

func (c *Connector) Name() string { return "slack" }

// Start begins listening for interactions via Socket Mode. Blocks until context is cancelled.
func (c *Connector) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	go c.handleEvents(ctx)

	c.logger.Info("slack connector started (socket mode)", "channel", c.config.Channel)
	return c.socket.RunContext(ctx)
}

// Stop gracefully shuts down the connector.
func (c *Connector) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// RequestApproval posts an approval card with Approve / Reject buttons.
func (c *Connector) RequestApproval(ctx context.Context, req connector.ApprovalRequest) error {
	_, _, err := c.api.PostMessageContext(ctx, c.config.Channel,
		slack.MsgOptionText(approvalFallback(req), false),
		slack.MsgOptionBlocks(ApprovalBlocks(req)...),
	)
	if err != nil {
		return fmt.Errorf("slack: post approval card: %w", err)
	}
	return nil
}

// Notify posts a plain status message.
func (c *Connector) Notify(ctx context.Context, n connector.Notice) error {
	_, _, err := c.api.PostMessageContext(ctx, c.config.Channel,
		slack.MsgOptionText(MarkdownToMrkdwn(n.Content), false),
	)
	if err != nil {
		return fmt.Errorf("slack: send message: %w", err)
	}
	return nil
}

func (c *Connector) handleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-c.socket.Events:
			if event.Type == socketmode.EventTypeInteractive {
				c.handleInteractive(ctx, event)
			}
		}
	}
}

func (c *Connector) handleInteractive(ctx context.Context, event socketmode.Event) {
	cb, ok := event.Data.(slack.InteractionCallback)
	if !ok {
		return
	}

	c.socket.Ack(*event.Request)

	for _, d := range DecisionsFromCallback(cb) {
		if !c.isApprover(d.Actor) {
			c.logger.Warn("slack decision from non-approver ignored", "user", d.Actor, "ticket_id", d.TicketID)
			continue
		}

		text, ok := c.apply(ctx, d)
		if !ok {
			continue
		}

		// Replace the buttons so the card cannot be clicked twice. A stale
		// card loses its buttons too since the ticket is no longer pending.
		_, _, _, err := c.api.UpdateMessageContext(ctx, cb.Channel.ID, cb.Message.Timestamp,
			slack.MsgOptionText(text, false),
			slack.MsgOptionBlocks(DecidedBlocks(cb.Message.Blocks.BlockSet, text)...),
		)
		if err != nil {
			c.logger.Warn("slack card update failed", "ticket_id", d.TicketID, "error", err)
		}
	}
}

// apply runs the decision handler and returns the line to show on the card.
func (c *Connector) apply(ctx context.Context, d connector.Decision) (string, bool) {
	out, err := c.decide(ctx, d)
	if err != nil {
		c.logger.Error("slack decision handler error",
			"ticket_id", d.TicketID,
			"user", d.Actor,
			"error", err,
		)
		return "", false
	}
	if !out.Changed {
		c.logger.Info("slack decision had no effect", "ticket_id", d.TicketID, "status", out.Status)
	}
	return outcomeText(d, out), true
}

func (c *Connector) isApprover(user string) bool {
	if len(c.config.Approvers) == 0 {
		return true
	}
	return slices.Contains(c.config.Approvers, user)
}

// DecisionsFromCallback extracts approve/reject clicks from a block_actions payload.
func DecisionsFromCallback(cb slack.InteractionCallback) []connector.Decision {
	if cb.Type != slack.InteractionTypeBlockActions {
		return nil
	}

	var out []connector.Decision
	for _, a := range cb.ActionCallback.BlockActions {
		if a == nil || a.Value == "" {
			continue
		}
		switch a.ActionID {
		case connector.ActionApprove, connector.ActionReject:
			out = append(out, connector.Decision{
				TicketID: a.Value,
				Approve:  a.ActionID == connector.ActionApprove,
				Actor:    cb.User.ID,
				Channel:  "slack",
			})
		}
	}
	return out
}

// ApprovalBlocks builds the Block Kit layout of an approval card.
func ApprovalBlocks(req connector.ApprovalRequest) []slack.Block {
	header := slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, "Auto-remediation approval", false, false))

	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType, "*Pipeline:*\n"+req.Pipeline, false, false),
		slack.NewTextBlockObject(slack.MarkdownType, "*Action:*\n`"+string(req.Action)+"`", false, false),
		slack.NewTextBlockObject(slack.MarkdownType, "*Risk:*\n"+string(req.Risk), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, "*Ticket:*\n"+req.TicketID, false, false),
	}
	summary := slack.NewSectionBlock(nil, fields, nil)

	errText := slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType, "*Error:*\n```"+truncate(req.Error, 2500)+"```", false, false),
		nil, nil,
	)

	approve := slack.NewButtonBlockElement(connector.ActionApprove, req.TicketID,
		slack.NewTextBlockObject(slack.PlainTextType, "Approve", false, false)).WithStyle(slack.StylePrimary)
	reject := slack.NewButtonBlockElement(connector.ActionReject, req.TicketID,
		slack.NewTextBlockObject(slack.PlainTextType, "Reject", false, false)).WithStyle(slack.StyleDanger)
	actions := slack.NewActionBlock("remediation:"+req.TicketID, approve, reject)

	return []slack.Block{header, summary, errText, actions}
}

// DecidedBlocks drops the action block from a card and appends the outcome.
func DecidedBlocks(blocks []slack.Block, outcome string) []slack.Block {
	out := make([]slack.Block, 0, len(blocks)+1)
	for _, b := range blocks {
		if b.BlockType() == slack.MBTAction {
			continue
		}
		out = append(out, b)
	}
	return append(out, slack.NewContextBlock("",
		slack.NewTextBlockObject(slack.MarkdownType, outcome, false, false)))
}

func outcomeText(d connector.Decision, out connector.Outcome) string {
	if !out.Changed {
		return fmt.Sprintf("Ticket is %s, no action taken (<@%s>)", out.Status, d.Actor)
	}
	verb := "Rejected"
	if d.Approve {
		verb = "Approved"
	}
	return fmt.Sprintf("%s by <@%s>", verb, d.Actor)
}

func approvalFallback(req connector.ApprovalRequest) string {
	return fmt.Sprintf("Approval needed: %s on %s (risk %s)", req.Action, req.Pipeline, req.Risk)
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}

// MarkdownToMrkdwn converts standard Markdown to Slack's mrkdwn format.
func MarkdownToMrkdwn(md string) string {
	result := convertEmphasis(md)
	// Convert strikethrough: ~~text~~ → ~text~
	result = strings.ReplaceAll(result, "~~", "~")
	// Convert links: [text](url) → <url|text>
	return convertLinks(result)
}

// convertEmphasis handles both bold (**text** → *text*) and italic (*text* → _text_)
// in a single pass, correctly distinguishing between the two.
func convertEmphasis(s string) string {
	var b strings.Builder
	inCode := false
	i := 0
	for i < len(s) {
		ch := s[i]
		switch {
		case ch == '`':
			inCode = !inCode
			b.WriteByte(ch)
			i++
		case ch == '*' && !inCode:
			if i+1 < len(s) && s[i+1] == '*' {
				b.WriteByte('*')
				i += 2
			} else {
				b.WriteByte('_')
				i++
			}
		default:
			b.WriteByte(ch)
			i++
		}
	}
	return b.String()
}

// convertLinks converts [text](url) to <url|text>.
func convertLinks(s string) string {
	var b strings.Builder
	i := 0
	for i < len(s) {
		if s[i] != '[' {
			b.WriteByte(s[i])
			i++
			continue
		}
		closeB := strings.Index(s[i:], "](")
		if closeB == -1 {
			b.WriteByte(s[i])
			i++
			continue
		}
		closeB += i
		closeP := strings.Index(s[closeB:], ")")
		if closeP == -1 {
			b.WriteByte(s[i])
			i++
			continue
		}
		closeP += closeB

		fmt.Fprintf(&b, "<%s|%s>", s[closeB+2:closeP], s[i+1:closeB])
		i = closeP + 1
	}
	return b.String()
}
