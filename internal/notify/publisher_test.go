package notify

import (
	"context"
	"net"
	"testing"
)

func TestNopSinkAcceptsEvents(t *testing.T) {
	var s Sink = NopSink{}
	if err := s.Publish(context.Background(), Event{SessionID: "s"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	s.Close()
}

func TestNewPublisherFailsWithoutServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	if _, err := NewPublisher("nats://"+addr, "nbdeploy.events", nil); err == nil {
		t.Fatalf("expected connect error for closed port")
	}
}

func TestClosedPublisherRejectsPublish(t *testing.T) {
	p := &Publisher{subject: "nbdeploy.events"}
	if err := p.Publish(context.Background(), Event{}); err == nil {
		t.Fatalf("expected error from unconnected publisher")
	}
	p.Close()
}
