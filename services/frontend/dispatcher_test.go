package frontend

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"

	"reviewbot/pkg/queue"
)

type fakeSender struct {
	sent    map[string]queue.Message
	failFor string
}

func (f *fakeSender) Send(ctx context.Context, system string, msg queue.Message) error {
	if system == f.failFor {
		return errors.New("broker unavailable")
	}
	if f.sent == nil {
		f.sent = map[string]queue.Message{}
	}
	f.sent[system] = msg
	return nil
}

func testEvaluation() *Evaluation {
	return &Evaluation{
		URL: "https://api.github.com/gists/abc123",
		PackagesPerSystem: map[string][]string{
			"x86_64-linux":  {"bash", "zsh"},
			"aarch64-linux": {"htop"},
		},
	}
}

func TestDispatchFansOutPerSystem(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(sender, nil, log.New(io.Discard, "", 0))

	if err := d.Dispatch(context.Background(), 42, testEvaluation()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if len(sender.sent) != 2 {
		t.Fatalf("sent to %d systems, want 2", len(sender.sent))
	}
	for _, system := range BuildSystems {
		msg, ok := sender.sent[system]
		if !ok {
			t.Errorf("no message for %s", system)
			continue
		}
		if msg.PR != 42 {
			t.Errorf("%s message pr = %d, want 42", system, msg.PR)
		}
		if msg.OfborgURL == nil || *msg.OfborgURL != "https://api.github.com/gists/abc123" {
			t.Errorf("%s message ofborg url = %v", system, msg.OfborgURL)
		}
	}
}

func TestDispatchSkipsEmptyArchitectures(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(sender, nil, log.New(io.Discard, "", 0))

	eval := &Evaluation{
		URL: "https://api.github.com/gists/abc123",
		PackagesPerSystem: map[string][]string{
			"x86_64-linux": {"bash"},
			// aarch64-linux absent entirely.
		},
	}

	if err := d.Dispatch(context.Background(), 7, eval); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent to %d systems, want 1", len(sender.sent))
	}
	if _, ok := sender.sent["aarch64-linux"]; ok {
		t.Error("message sent for an architecture with no packages")
	}
}

func TestDispatchSendFailureDoesNotBlockOthers(t *testing.T) {
	sender := &fakeSender{failFor: "aarch64-linux"}
	d := NewDispatcher(sender, nil, log.New(io.Discard, "", 0))

	if err := d.Dispatch(context.Background(), 9, testEvaluation()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if _, ok := sender.sent["x86_64-linux"]; !ok {
		t.Error("x86_64-linux skipped after the aarch64-linux send failed")
	}
}

func TestDispatchDryRunSendsNothing(t *testing.T) {
	d := NewDispatcher(nil, nil, log.New(io.Discard, "", 0))
	if err := d.Dispatch(context.Background(), 3, testEvaluation()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
}

func TestDispatchNilEvaluation(t *testing.T) {
	d := NewDispatcher(&fakeSender{}, nil, log.New(io.Discard, "", 0))
	if err := d.Dispatch(context.Background(), 3, nil); err == nil {
		t.Error("Dispatch accepted a nil evaluation")
	}
}
