package connector

import (
	"context"
	"errors"
	"testing"
)

type recordingNotifier struct {
	name      string
	approvals []ApprovalRequest
	notices   []Notice
	err       error
}

func (r *recordingNotifier) Name() string { return r.name }

func (r *recordingNotifier) RequestApproval(_ context.Context, req ApprovalRequest) error {
	r.approvals = append(r.approvals, req)
	return r.err
}

func (r *recordingNotifier) Notify(_ context.Context, n Notice) error {
	r.notices = append(r.notices, n)
	return r.err
}

func TestFanout_DeliversToAll(t *testing.T) {
	a := &recordingNotifier{name: "a"}
	b := &recordingNotifier{name: "b", err: errors.New("b down")}
	f := Fanout{a, b}

	err := f.RequestApproval(context.Background(), ApprovalRequest{TicketID: "t-1"})
	if err == nil {
		t.Fatal("expected joined error from b")
	}
	if len(a.approvals) != 1 || len(b.approvals) != 1 {
		t.Errorf("approvals a=%d b=%d", len(a.approvals), len(b.approvals))
	}

	b.err = nil
	if err := f.Notify(context.Background(), Notice{TicketID: "t-1", Content: "resolved"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(a.notices) != 1 || a.notices[0].Content != "resolved" {
		t.Errorf("notices = %+v", a.notices)
	}
}

func TestLogNotifier_NilLogger(t *testing.T) {
	var n LogNotifier
	if err := n.RequestApproval(context.Background(), ApprovalRequest{TicketID: "t-1"}); err != nil {
		t.Fatal(err)
	}
	if err := n.Notify(context.Background(), Notice{TicketID: "t-1"}); err != nil {
		t.Fatal(err)
	}
}
