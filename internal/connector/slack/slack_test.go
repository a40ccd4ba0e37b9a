package slackconn

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/slack-go/slack"

	"github.com/h1v3-io/remedy/internal/connector"
	"github.com/h1v3-io/remedy/pkg/protocol"
)

func TestMarkdownToMrkdwn_Bold(t *testing.T) {
	got := MarkdownToMrkdwn("This is **bold** text")
	want := "This is *bold* text"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestMarkdownToMrkdwn_Italic(t *testing.T) {
	got := MarkdownToMrkdwn("This is *italic* text")
	want := "This is _italic_ text"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestMarkdownToMrkdwn_Links(t *testing.T) {
	got := MarkdownToMrkdwn("See [ticket](https://remedy.local/api/tickets/t-1) now")
	want := "See <https://remedy.local/api/tickets/t-1|ticket> now"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestMarkdownToMrkdwn_CodePreserved(t *testing.T) {
	got := MarkdownToMrkdwn("Use `*not bold*` in code")
	want := "Use `*not bold*` in code"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func testRequest() connector.ApprovalRequest {
	return connector.ApprovalRequest{
		TicketID: "t-42",
		Pipeline: "nightly-etl",
		Error:    "TimeoutError: Job execution timed out after 70 seconds",
		Action:   protocol.ActionRetryJob,
		Risk:     protocol.RiskLow,
	}
}

func TestApprovalBlocks_Buttons(t *testing.T) {
	blocks := ApprovalBlocks(testRequest())
	if len(blocks) != 4 {
		t.Fatalf("expected 4 blocks, got %d", len(blocks))
	}

	actions, ok := blocks[3].(*slack.ActionBlock)
	if !ok {
		t.Fatalf("last block is %T, want *slack.ActionBlock", blocks[3])
	}
	if len(actions.Elements.ElementSet) != 2 {
		t.Fatalf("expected 2 buttons, got %d", len(actions.Elements.ElementSet))
	}

	ids := map[string]string{}
	for _, el := range actions.Elements.ElementSet {
		btn, ok := el.(*slack.ButtonBlockElement)
		if !ok {
			t.Fatalf("element is %T", el)
		}
		ids[btn.ActionID] = btn.Value
	}
	if ids[connector.ActionApprove] != "t-42" || ids[connector.ActionReject] != "t-42" {
		t.Errorf("button values = %v", ids)
	}
}

func TestDecidedBlocks_RemovesButtons(t *testing.T) {
	blocks := ApprovalBlocks(testRequest())
	decided := DecidedBlocks(blocks, "Approved by <@U1>")

	if len(decided) != len(blocks) {
		t.Fatalf("expected %d blocks, got %d", len(blocks), len(decided))
	}
	for _, b := range decided {
		if b.BlockType() == slack.MBTAction {
			t.Error("action block should be removed")
		}
	}
	if decided[len(decided)-1].BlockType() != slack.MBTContext {
		t.Errorf("last block = %s, want context", decided[len(decided)-1].BlockType())
	}
}

func TestDecisionsFromCallback(t *testing.T) {
	cb := slack.InteractionCallback{
		Type: slack.InteractionTypeBlockActions,
		User: slack.User{ID: "U123"},
		ActionCallback: slack.ActionCallbacks{
			BlockActions: []*slack.BlockAction{
				{ActionID: connector.ActionApprove, Value: "t-1"},
				{ActionID: connector.ActionReject, Value: "t-2"},
				{ActionID: "something_else", Value: "t-3"},
				{ActionID: connector.ActionApprove, Value: ""},
			},
		},
	}

	got := DecisionsFromCallback(cb)
	if len(got) != 2 {
		t.Fatalf("expected 2 decisions, got %d", len(got))
	}
	if got[0].TicketID != "t-1" || !got[0].Approve || got[0].Actor != "U123" {
		t.Errorf("first decision = %+v", got[0])
	}
	if got[1].TicketID != "t-2" || got[1].Approve {
		t.Errorf("second decision = %+v", got[1])
	}

	cb.Type = slack.InteractionTypeViewSubmission
	if len(DecisionsFromCallback(cb)) != 0 {
		t.Error("non block_actions payload should yield nothing")
	}
}

func TestIsApprover(t *testing.T) {
	c := &Connector{}
	if !c.isApprover("anyone") {
		t.Error("empty approver list should allow anyone")
	}
	c.config.Approvers = []string{"U1"}
	if !c.isApprover("U1") || c.isApprover("U2") {
		t.Error("approver list not enforced")
	}
}

func TestApply_Approved(t *testing.T) {
	c := &Connector{
		decide: func(context.Context, connector.Decision) (connector.Outcome, error) {
			return connector.Outcome{Changed: true, Status: protocol.TicketRetrying}, nil
		},
		logger: slog.Default(),
	}
	text, ok := c.apply(context.Background(), connector.Decision{TicketID: "t-1", Approve: true, Actor: "U1"})
	if !ok {
		t.Fatal("expected the card to be updated")
	}
	if text != "Approved by <@U1>" {
		t.Errorf("text = %q", text)
	}
}

func TestApply_StaleCardNotAnnouncedAsApproved(t *testing.T) {
	c := &Connector{
		decide: func(context.Context, connector.Decision) (connector.Outcome, error) {
			return connector.Outcome{Changed: false, Status: protocol.TicketResolved}, nil
		},
		logger: slog.Default(),
	}
	text, ok := c.apply(context.Background(), connector.Decision{TicketID: "t-1", Approve: true, Actor: "U1"})
	if !ok {
		t.Fatal("stale card should still be updated")
	}
	if strings.Contains(text, "Approved") {
		t.Errorf("stale click announced as approval: %q", text)
	}
	if !strings.Contains(text, "resolved") || !strings.Contains(text, "no action taken") {
		t.Errorf("text = %q, want status and no-op note", text)
	}
}

func TestApply_HandlerError(t *testing.T) {
	c := &Connector{
		decide: func(context.Context, connector.Decision) (connector.Outcome, error) {
			return connector.Outcome{}, errors.New("store down")
		},
		logger: slog.Default(),
	}
	if _, ok := c.apply(context.Background(), connector.Decision{TicketID: "t-1", Approve: true, Actor: "U1"}); ok {
		t.Error("card must not be updated when the decision failed")
	}
}

func TestTruncate_RuneBoundary(t *testing.T) {
	s := strings.Repeat("é", 10) // 2 bytes each
	got := truncate(s, 5)
	if !utf8.ValidString(got) {
		t.Fatalf("truncate produced invalid UTF-8: %q", got)
	}
	if got != "éé…" {
		t.Errorf("got %q, want %q", got, "éé…")
	}
	if truncate("short", 10) != "short" {
		t.Error("short strings must be returned unchanged")
	}
}

func TestMarkdownToMrkdwn_NoticeJobIsBold(t *testing.T) {
	got := MarkdownToMrkdwn("✅ **nightly-etl** recovered after retry_job (attempt 2).")
	want := "✅ *nightly-etl* recovered after retry_job (attempt 2)."
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
