// Package main provides a CI-friendly websocket smoke test for the Agora chat.
//
// It drives two chatclient sessions (buyer and seller) against a running
// server and validates:
//   - handshake + subprotocol selection
//   - hello/ack identification
//   - join of one conversation by both participants
//   - send -> ack and fan-out of message_received to the other session
//   - history fetch
//   - idempotent retry by client_msg_id (acked, not rebroadcast)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"agora/shared/chatclient"
)

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		item    = flag.String("item", "smoke-item-1", "Item id of the conversation")
		buyer   = flag.String("buyer", "smoke-buyer", "Buyer user id (dev identity or dev token)")
		seller  = flag.String("seller", "smoke-seller", "Seller user id (dev identity or dev token)")
		text    = flag.String("text", "is it still available? 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		devID   = flag.Bool("dev-identity", false, "Identify with hello.user_id instead of a bearer token")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()
	key := chatclient.Key{ItemID: *item, BuyerID: *buyer, SellerID: *seller}

	b := mustConnect(root, *wsURL, *origin, *buyer, *devID, *timeout)
	defer func() { _ = b.Close() }()
	s := mustConnect(root, *wsURL, *origin, *seller, *devID, *timeout)
	defer func() { _ = s.Close() }()

	if *verbose {
		fmt.Printf("connected: buyer=%s seller=%s origin=%q\n", b.SessionID(), s.SessionID(), *origin)
	}

	step(root, *timeout, "buyer join", func(ctx context.Context) error { return b.Join(ctx, key) })
	step(root, *timeout, "seller join", func(ctx context.Context) error { return s.Join(ctx, key) })

	clientMsgID := fmt.Sprintf("smoke-%d", time.Now().UnixNano())

	var sent chatclient.Message
	step(root, *timeout, "send", func(ctx context.Context) error {
		m, err := b.SendWithID(ctx, key, *text, clientMsgID)
		sent = m
		return err
	})
	if sent.SenderID != *buyer || sent.Body != *text {
		fatalf("ack mismatch: %+v", sent)
	}

	mustReceive(s, sent.ID, *timeout)
	mustReceive(b, sent.ID, *timeout)

	step(root, *timeout, "history", func(ctx context.Context) error {
		msgs, err := s.FullHistory(ctx, key)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if m.ID == sent.ID {
				return nil
			}
		}
		return fmt.Errorf("message %s missing from history of %d", sent.ID, len(msgs))
	})

	step(root, *timeout, "idempotent retry", func(ctx context.Context) error {
		m, err := b.SendWithID(ctx, key, *text, clientMsgID)
		if err != nil {
			return err
		}
		if m.ID != sent.ID || m.Seq != sent.Seq {
			return fmt.Errorf("retry created a new message: first=%s/%d retry=%s/%d", sent.ID, sent.Seq, m.ID, m.Seq)
		}
		return nil
	})
	mustNotReceive(s, 1200*time.Millisecond)

	fmt.Printf("OK: buyer=%s seller=%s item=%s seq=%d message_id=%s\n", b.SessionID(), s.SessionID(), *item, sent.Seq, sent.ID)
}

func mustConnect(parent context.Context, wsURL, origin, userID string, devIdentity bool, stepTimeout time.Duration) *chatclient.Client {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	opts := chatclient.Options{Origin: origin, RequestTimeout: stepTimeout}
	if devIdentity {
		opts.UserID = userID
	} else {
		opts.Token = userID
	}

	c, err := chatclient.Dial(ctx, wsURL, opts)
	if err != nil {
		fatalf("connect %s: %v", userID, err)
	}
	return c
}

func step(parent context.Context, stepTimeout time.Duration, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		fatalf("%s: %v", name, err)
	}
}

func mustReceive(c *chatclient.Client, messageID string, wait time.Duration) {
	t := time.NewTimer(wait)
	defer t.Stop()
	for {
		select {
		case m, ok := <-c.Messages():
			if !ok {
				fatalf("session %s closed while waiting for %s", c.SessionID(), messageID)
			}
			if m.ID == messageID {
				return
			}
		case <-t.C:
			fatalf("session %s did not receive %s", c.SessionID(), messageID)
		}
	}
}

func mustNotReceive(c *chatclient.Client, wait time.Duration) {
	select {
	case m := <-c.Messages():
		fatalf("unexpected message_received on %s: %+v", c.SessionID(), m)
	case <-time.After(wait):
	}
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
