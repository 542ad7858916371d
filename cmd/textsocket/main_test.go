package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/kleeedolinux/textsocket/internal/config"
	"github.com/kleeedolinux/textsocket/socket/sockettest"
)

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("TEXTSOCKET_CONFIG", "")
}

func runCLI(t *testing.T, args ...string) error {
	t.Helper()
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	return cmd.Execute()
}

func TestSendCommand(t *testing.T) {
	isolate(t)
	srv := sockettest.NewServer()
	defer srv.Close()

	err := runCLI(t, "send", "--gateway", srv.URL(), "--from", "+15550001", "--to", "+15550002", "--twilio", "hello", "there")
	if err != nil {
		t.Fatalf("send error = %v", err)
	}

	frames, err := srv.NextN(3, time.Second)
	if err != nil {
		t.Fatalf("NextN() error = %v", err)
	}
	if frames[2].Action != "sendMessage" {
		t.Fatalf("third frame = %q, want sendMessage", frames[2].Action)
	}
	var m struct {
		Body   string `json:"body"`
		Twilio bool   `json:"twilio"`
		To     string `json:"to_no"`
	}
	if err := json.Unmarshal(frames[2].Data, &m); err != nil {
		t.Fatal(err)
	}
	if m.Body != "hello there" || !m.Twilio || m.To != "+15550002" {
		t.Errorf("sendMessage = %+v", m)
	}
}

func TestSendCommand_SMS(t *testing.T) {
	isolate(t)
	srv := sockettest.NewServer()
	defer srv.Close()

	if err := runCLI(t, "send", "--sms", "--gateway", srv.URL(), "--from", "+15550001", "--to", "+15550002", "ping"); err != nil {
		t.Fatalf("send --sms error = %v", err)
	}
	frames, err := srv.NextN(3, time.Second)
	if err != nil {
		t.Fatalf("NextN() error = %v", err)
	}
	if frames[2].Action != "send_sms" {
		t.Errorf("third frame = %q, want send_sms", frames[2].Action)
	}
}

func TestSendCommand_RequiresIdentity(t *testing.T) {
	isolate(t)
	err := runCLI(t, "send", "--gateway", "ws://127.0.0.1:1/", "hello")
	if err == nil || !strings.Contains(err.Error(), "--from") {
		t.Errorf("send error = %v, want missing identity", err)
	}
}

func TestResetUnreadCommand(t *testing.T) {
	isolate(t)
	srv := sockettest.NewServer()
	defer srv.Close()
	t.Setenv("TEXTSOCKET_SESSION_FROM", "+15550001")
	t.Setenv("TEXTSOCKET_SESSION_TO", "+15550002")

	if err := runCLI(t, "reset-unread", "--gateway", srv.URL()); err != nil {
		t.Fatalf("reset-unread error = %v", err)
	}
	frames, err := srv.NextN(3, time.Second)
	if err != nil {
		t.Fatalf("NextN() error = %v", err)
	}
	if frames[2].Action != "reset_conversation_unread" || frames[2].From != "+15550001" {
		t.Errorf("third frame = %+v", frames[2])
	}
}

type lineWriter chan string

func (w lineWriter) Write(p []byte) (int, error) {
	w <- string(p)
	return len(p), nil
}

func TestListen_PrintsEvents(t *testing.T) {
	isolate(t)
	srv := sockettest.NewServer()
	defer srv.Close()

	a := &app{v: config.New()}
	a.v.Set("gateway.url", srv.URL())
	a.v.Set("session.from", "+15550001")
	a.v.Set("session.to", "+15550002")
	if err := a.load(); err != nil {
		t.Fatalf("load() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	out := make(lineWriter, 8)
	done := make(chan error, 1)
	go func() { done <- a.runListen(ctx, []string{"new_message"}, out) }()

	if err := srv.WaitConnections(1, time.Second); err != nil {
		t.Fatalf("WaitConnections() error = %v", err)
	}
	if err := srv.Push(`{"event":"fetchedMessages","messages":[]}`); err != nil {
		t.Fatal(err)
	}
	if err := srv.Push(`{"event":"new_message","message":{"body":"hi"}}`); err != nil {
		t.Fatal(err)
	}

	select {
	case line := <-out:
		if line != `{"event":"new_message","message":{"body":"hi"}}`+"\n" {
			t.Errorf("line = %q", line)
		}
	case <-time.After(time.Second):
		t.Fatal("no event printed")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("runListen() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runListen() did not return after cancel")
	}
}
