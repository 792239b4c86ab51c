package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"agora/cmd/internal/auth"
	v1 "agora/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

func newTestGateway(t *testing.T, cfg GatewayConfig) (*Gateway, *httptest.Server) {
	t.Helper()

	bus := newTestBus(t, nil)
	gw := NewGateway(testLogger(), bus, auth.DevVerifier{}, cfg, nil)

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return gw, ts
}

func devConfig() GatewayConfig {
	return GatewayConfig{OriginRequired: false, AllowDevIdentity: true}
}

func dialWS(t *testing.T, baseHTTPURL string, origin string, bearerToken string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	if strings.TrimSpace(bearerToken) != "" {
		h.Set("Authorization", "Bearer "+bearerToken)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
}

func mustDial(t *testing.T, baseHTTPURL, bearerToken string) *websocket.Conn {
	t.Helper()
	conn, _, err := dialWS(t, baseHTTPURL, "", bearerToken)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, env v1.Envelope) {
	t.Helper()
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func sendWS(t *testing.T, conn *websocket.Conn, id, typ string, payload any) {
	t.Helper()
	writeEnvelopeWS(t, conn, v1.Envelope{V: v1.Version, Type: typ, ID: id, TS: time.Now().UTC(), Payload: mustJSONRaw(t, payload)})
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	if maxReads <= 0 {
		maxReads = 1
	}
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read: %v", err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

func readError(t *testing.T, conn *websocket.Conn) v1.ErrorPayload {
	t.Helper()
	env := readUntilType(t, conn, v1.TypeError, 5)
	var p v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	return p
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}

var wsKey = v1.ConversationKey{ItemID: "item-1", BuyerID: "buyer-1", SellerID: "seller-1"}

// openJoined dials, identifies as userID and joins wsKey.
func openJoined(t *testing.T, baseURL, userID string) *websocket.Conn {
	t.Helper()
	conn := mustDial(t, baseURL, "")
	sendWS(t, conn, "h-"+userID, v1.TypeHello, v1.HelloPayload{UserID: userID})
	readUntilType(t, conn, v1.TypeHelloAck, 3)
	sendWS(t, conn, "j-"+userID, v1.TypeConversationJoin, v1.ConversationJoinPayload{Key: wsKey})
	readUntilType(t, conn, v1.TypeConversationJoined, 3)
	return conn
}

func TestGateway_SendReachesBothParticipants(t *testing.T) {
	t.Parallel()

	_, ts := newTestGateway(t, devConfig())
	buyer := openJoined(t, ts.URL, "buyer-1")
	seller := openJoined(t, ts.URL, "seller-1")

	sendWS(t, buyer, "send-1", v1.TypeMessageSend, v1.MessageSendPayload{Key: wsKey, Body: "still for sale?", ClientMsgID: "c1"})

	ackEnv := readUntilType(t, buyer, v1.TypeMessageAck, 3)
	var ack v1.MessageAckPayload
	if err := json.Unmarshal(ackEnv.Payload, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.RequestID != "send-1" || ack.Message.SenderID != "buyer-1" || ack.Message.Seq != 1 {
		t.Fatalf("ack=%+v", ack)
	}

	recvEnv := readUntilType(t, seller, v1.TypeMessageReceived, 3)
	var recv v1.MessageReceivedPayload
	if err := json.Unmarshal(recvEnv.Payload, &recv); err != nil {
		t.Fatalf("unmarshal received: %v", err)
	}
	if recv.Message.ID != ack.Message.ID || recv.Message.Body != "still for sale?" {
		t.Fatalf("received=%+v want id %s", recv.Message, ack.Message.ID)
	}
}

func TestGateway_RequestRules(t *testing.T) {
	t.Parallel()

	_, ts := newTestGateway(t, devConfig())

	t.Run("unidentified", func(t *testing.T) {
		conn := mustDial(t, ts.URL, "")
		sendWS(t, conn, "r1", v1.TypeConversationJoin, v1.ConversationJoinPayload{Key: wsKey})
		if p := readError(t, conn); p.Code != v1.CodeUnauthorized || p.RequestID != "r1" {
			t.Fatalf("error=%+v want unauthorized", p)
		}
	})

	t.Run("send before join", func(t *testing.T) {
		conn := mustDial(t, ts.URL, "buyer-1")
		sendWS(t, conn, "r2", v1.TypeMessageSend, v1.MessageSendPayload{Key: wsKey, Body: "hi"})
		if p := readError(t, conn); p.Code != v1.CodeNotJoined {
			t.Fatalf("error=%+v want not_joined", p)
		}
	})

	t.Run("join as outsider", func(t *testing.T) {
		conn := mustDial(t, ts.URL, "mallory")
		sendWS(t, conn, "r3", v1.TypeConversationJoin, v1.ConversationJoinPayload{Key: wsKey})
		if p := readError(t, conn); p.Code != v1.CodeForbidden {
			t.Fatalf("error=%+v want forbidden", p)
		}
	})

	t.Run("invalid key", func(t *testing.T) {
		conn := mustDial(t, ts.URL, "buyer-1")
		bad := v1.ConversationKey{ItemID: "item-1", BuyerID: "buyer-1", SellerID: "buyer-1"}
		sendWS(t, conn, "r4", v1.TypeConversationJoin, v1.ConversationJoinPayload{Key: bad})
		if p := readError(t, conn); p.Code != v1.CodeValidation {
			t.Fatalf("error=%+v want validation", p)
		}
	})

	t.Run("spoofed sender", func(t *testing.T) {
		conn := openJoined(t, ts.URL, "buyer-1")
		sendWS(t, conn, "r5", v1.TypeMessageSend, v1.MessageSendPayload{Key: wsKey, SenderID: "seller-1", Body: "hi"})
		if p := readError(t, conn); p.Code != v1.CodeValidation {
			t.Fatalf("error=%+v want validation", p)
		}
	})

	t.Run("empty body", func(t *testing.T) {
		conn := openJoined(t, ts.URL, "seller-1")
		sendWS(t, conn, "r6", v1.TypeMessageSend, v1.MessageSendPayload{Key: wsKey, Body: "  "})
		if p := readError(t, conn); p.Code != v1.CodeValidation || p.RequestID != "r6" {
			t.Fatalf("error=%+v want validation", p)
		}
	})

	t.Run("bad json", func(t *testing.T) {
		conn := mustDial(t, ts.URL, "buyer-1")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := conn.Write(ctx, websocket.MessageText, []byte("{nope")); err != nil {
			t.Fatalf("write: %v", err)
		}
		if p := readError(t, conn); p.Code != v1.CodeBadJSON {
			t.Fatalf("error=%+v want bad_json", p)
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		conn := mustDial(t, ts.URL, "buyer-1")
		sendWS(t, conn, "r7", "typing", struct{}{})
		if p := readError(t, conn); p.Code != v1.CodeBadEnvelope {
			t.Fatalf("error=%+v want bad_envelope", p)
		}
	})
}

func TestGateway_HistoryFetch(t *testing.T) {
	t.Parallel()

	gw, ts := newTestGateway(t, devConfig())
	conn := mustDial(t, ts.URL, "seller-1")

	sendWS(t, conn, "h0", v1.TypeConversationHistoryFetch, v1.ConversationHistoryFetchPayload{Key: wsKey})
	if p := readError(t, conn); p.Code != v1.CodeNotFound {
		t.Fatalf("error=%+v want not_found before the first message", p)
	}

	for _, body := range []string{"one", "two", "three"} {
		if _, err := gw.bus.Send(context.Background(), SendInput{Key: keyFromWire(wsKey), SenderID: "buyer-1", Body: body}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	after := int64(1)
	sendWS(t, conn, "h1", v1.TypeConversationHistoryFetch, v1.ConversationHistoryFetchPayload{Key: wsKey, AfterSeq: &after, Limit: 1})
	env := readUntilType(t, conn, v1.TypeConversationHistoryChunk, 3)
	var chunk v1.ConversationHistoryChunkPayload
	if err := json.Unmarshal(env.Payload, &chunk); err != nil {
		t.Fatalf("unmarshal chunk: %v", err)
	}
	if chunk.RequestID != "h1" || len(chunk.Messages) != 1 || chunk.Messages[0].Body != "two" || !chunk.HasMore {
		t.Fatalf("chunk=%+v", chunk)
	}

	outsider := mustDial(t, ts.URL, "mallory")
	sendWS(t, outsider, "h2", v1.TypeConversationHistoryFetch, v1.ConversationHistoryFetchPayload{Key: wsKey})
	if p := readError(t, outsider); p.Code != v1.CodeForbidden {
		t.Fatalf("error=%+v want forbidden", p)
	}
}

func TestGateway_LeaveStopsDelivery(t *testing.T) {
	t.Parallel()

	gw, ts := newTestGateway(t, devConfig())
	conn := openJoined(t, ts.URL, "buyer-1")

	sendWS(t, conn, "l1", v1.TypeConversationLeave, v1.ConversationLeavePayload{Key: wsKey})
	readUntilType(t, conn, v1.TypeConversationLeft, 3)

	res, err := gw.bus.Send(context.Background(), SendInput{Key: keyFromWire(wsKey), SenderID: "seller-1", Body: "hello?"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Delivered != 0 {
		t.Fatalf("delivered=%d after leave, want 0", res.Delivered)
	}
}

func TestGateway_DisconnectPurgesRooms(t *testing.T) {
	t.Parallel()

	gw, ts := newTestGateway(t, devConfig())
	conn := openJoined(t, ts.URL, "buyer-1")
	if gw.bus.Rooms().Len() != 1 {
		t.Fatalf("rooms=%d want 1", gw.bus.Rooms().Len())
	}

	_ = conn.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(5 * time.Second)
	for gw.bus.Rooms().Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("rooms not purged after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGateway_HandshakeRejections(t *testing.T) {
	t.Parallel()

	t.Run("invalid token", func(t *testing.T) {
		_, ts := newTestGateway(t, devConfig())
		_, resp, err := dialWS(t, ts.URL, "", "not a user id")
		if err == nil {
			t.Fatalf("expected dial failure")
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("resp=%v want 401", resp)
		}
	})

	t.Run("missing origin", func(t *testing.T) {
		cfg := devConfig()
		cfg.OriginRequired = true
		cfg.AllowedOrigins = []string{"http://localhost"}
		_, ts := newTestGateway(t, cfg)

		_, resp, err := dialWS(t, ts.URL, "", "")
		if err == nil {
			t.Fatalf("expected dial failure")
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Fatalf("resp=%v want 403", resp)
		}

		conn, _, err := dialWS(t, ts.URL, "http://localhost:5173", "")
		if err != nil {
			t.Fatalf("allowed origin with a port should connect: %v", err)
		}
		_ = conn.CloseNow()
	})

	t.Run("hello without credentials", func(t *testing.T) {
		cfg := devConfig()
		cfg.AllowDevIdentity = false
		_, ts := newTestGateway(t, cfg)

		conn := mustDial(t, ts.URL, "")
		sendWS(t, conn, "h", v1.TypeHello, v1.HelloPayload{UserID: "buyer-1"})
		if p := readError(t, conn); p.Code != v1.CodeUnauthorized {
			t.Fatalf("error=%+v want unauthorized", p)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _, err := conn.Read(ctx)
		if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
			t.Fatalf("close status=%v want policy violation", websocket.CloseStatus(err))
		}
	})
}

func TestGateway_TokenIdentifiesAtHandshake(t *testing.T) {
	t.Parallel()

	cfg := devConfig()
	cfg.AllowDevIdentity = false
	_, ts := newTestGateway(t, cfg)

	conn := mustDial(t, ts.URL, "seller-1")
	sendWS(t, conn, "h", v1.TypeHello, v1.HelloPayload{})
	env := readUntilType(t, conn, v1.TypeHelloAck, 3)
	var ack v1.HelloAckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		t.Fatalf("unmarshal hello_ack: %v", err)
	}
	if ack.UserID != "seller-1" || ack.SessionID == "" {
		t.Fatalf("hello_ack=%+v", ack)
	}

	sendWS(t, conn, "h2", v1.TypeHello, v1.HelloPayload{Token: "buyer-1"})
	if p := readError(t, conn); p.Code != v1.CodeForbidden {
		t.Fatalf("error=%+v want forbidden on identity switch", p)
	}
}

func TestGateway_RateLimitCloses(t *testing.T) {
	t.Parallel()

	cfg := devConfig()
	cfg.RateEvents = 2
	cfg.RateWindow = time.Minute
	_, ts := newTestGateway(t, cfg)

	conn := mustDial(t, ts.URL, "buyer-1")
	for i := 0; i < 3; i++ {
		sendWS(t, conn, "x", v1.TypeHello, v1.HelloPayload{})
	}
	if p := readError(t, conn); p.Code != v1.CodeRateLimited {
		t.Fatalf("error=%+v want rate_limited", p)
	}
}

func TestClassifyReadErr(t *testing.T) {
	t.Parallel()

	if k := classifyReadErr(context.DeadlineExceeded); k != readErrCtxDone {
		t.Fatalf("deadline kind=%v", k)
	}
	if k := classifyReadErr(fmt.Errorf("%w: trailing data", errBadJSON)); k != readErrBadJSON {
		t.Fatalf("bad json kind=%v", k)
	}
	if k := classifyReadErr(io.EOF); k != readErrConnClosed {
		t.Fatalf("eof kind=%v", k)
	}
}
