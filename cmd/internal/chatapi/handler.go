// Package chatapi is the REST surface of the chat: history, inbox, send and
// get-or-create. Writes go through the realtime Bus so live sessions see them.
package chatapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"agora/cmd/internal/auth"
	"agora/cmd/internal/conversation"
	"agora/cmd/internal/listing"
	"agora/cmd/internal/realtime"

	"golang.org/x/sync/errgroup"
)

const (
	defaultMaxBodyBytes  = 16 << 10
	defaultEnrichWorkers = 8
)

// Handler serves the chat REST endpoints.
type Handler struct {
	log      *slog.Logger
	bus      *realtime.Bus
	verifier auth.Verifier
	catalog  listing.Catalog

	maxBodyBytes  int64
	enrichWorkers int
}

// HandlerOption configures optional handler behaviour.
type HandlerOption func(*Handler)

// WithCatalog enables inbox enrichment with listing metadata.
func WithCatalog(c listing.Catalog) HandlerOption {
	return func(h *Handler) {
		if c != nil {
			h.catalog = c
		}
	}
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxBodyBytes = n
		}
	}
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, bus *realtime.Bus, verifier auth.Verifier, opts ...HandlerOption) (*Handler, error) {
	if bus == nil {
		return nil, errors.New("chatapi: nil bus")
	}
	if verifier == nil {
		return nil, errors.New("chatapi: nil verifier")
	}
	if log == nil {
		log = slog.Default()
	}

	h := &Handler{
		log:           log,
		bus:           bus,
		verifier:      verifier,
		catalog:       listing.NopCatalog{},
		maxBodyBytes:  defaultMaxBodyBytes,
		enrichWorkers: defaultEnrichWorkers,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Register wires the chat routes onto mux. Every route requires a bearer token.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	protect := func(fn http.HandlerFunc) http.Handler { return auth.Require(h.verifier, fn) }

	mux.Handle("GET /v1/conversations/{itemId}/{buyerId}/{sellerId}/messages", protect(h.handleHistory))
	mux.Handle("POST /v1/conversations", protect(h.handleGetOrCreate))
	mux.Handle("GET /v1/users/{userId}/conversations", protect(h.handleInbox))
	mux.Handle("POST /v1/messages", protect(h.handleSend))
}

// ---- handlers ----

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.IdentityFrom(r.Context())

	key := conversation.NewKey(r.PathValue("itemId"), r.PathValue("buyerId"), r.PathValue("sellerId"))
	if !h.authorizeKey(w, key, caller.UserID) {
		return
	}

	in := conversation.HistoryInput{Key: key}
	q := r.URL.Query()
	if v := strings.TrimSpace(q.Get("after_seq")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "validation", "after_seq must be a non-negative integer")
			return
		}
		in.AfterSeq = &n
	}
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "validation", "limit must be a non-negative integer")
			return
		}
		in.Limit = n
	}

	res, err := h.bus.History(r.Context(), in)
	if err != nil {
		h.logFailure("chatapi.history.fail", key, err)
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, historyResponse{
		Key:      wireKey(key),
		Messages: toWireMessages(res.Messages),
		HasMore:  res.HasMore,
	})
}

func (h *Handler) handleGetOrCreate(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.IdentityFrom(r.Context())

	var req conversationRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid request body")
		return
	}

	key := conversation.NewKey(req.ItemID, req.BuyerID, req.SellerID)
	if !h.authorizeKey(w, key, caller.UserID) {
		return
	}

	conv, err := h.bus.GetOrCreate(r.Context(), key)
	if err != nil {
		h.logFailure("chatapi.get_or_create.fail", key, err)
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toConversationResponse(conv))
}

func (h *Handler) handleInbox(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.IdentityFrom(r.Context())

	userID := strings.TrimSpace(r.PathValue("userId"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "validation", "missing user id")
		return
	}
	if userID != caller.UserID {
		writeError(w, http.StatusForbidden, "forbidden", "cannot read another user's conversations")
		return
	}

	summaries, err := h.bus.Inbox(r.Context(), userID)
	if err != nil {
		h.log.Warn("chatapi.inbox.fail", "user_id", userID, "code", conversation.Code(err), "err", err)
		writeStoreError(w, err)
		return
	}

	out := make([]summaryResponse, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, toSummaryResponse(s))
	}
	h.enrich(r.Context(), out)

	writeJSON(w, http.StatusOK, inboxResponse{Conversations: out})
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.IdentityFrom(r.Context())

	var req sendRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid request body")
		return
	}

	senderID := strings.TrimSpace(req.SenderID)
	if senderID == "" {
		senderID = caller.UserID
	}
	if senderID != caller.UserID {
		writeError(w, http.StatusForbidden, "forbidden", "sender_id does not match the caller")
		return
	}

	key := conversation.NewKey(req.ItemID, req.BuyerID, req.SellerID)
	if !h.authorizeKey(w, key, caller.UserID) {
		return
	}

	res, err := h.bus.Send(r.Context(), realtime.SendInput{
		Key:         key,
		SenderID:    senderID,
		Body:        req.Body,
		ClientMsgID: req.ClientMsgID,
	})
	if err != nil {
		h.logFailure("chatapi.send.fail", key, err)
		writeStoreError(w, err)
		return
	}

	status := http.StatusCreated
	if res.Duplicated {
		status = http.StatusOK
	}
	writeJSON(w, status, sendResponse{Message: realtime.MessageToWire(res.Message), Duplicated: res.Duplicated})
}

// ---- helpers ----

// authorizeKey writes 400 for an invalid key and 403 when userID is not a
// participant. It reports whether the request may proceed.
func (h *Handler) authorizeKey(w http.ResponseWriter, key conversation.Key, userID string) bool {
	if err := key.Validate(); err != nil {
		writeStoreError(w, err)
		return false
	}
	if !key.HasParticipant(userID) {
		writeError(w, http.StatusForbidden, "forbidden", "not a participant of this conversation")
		return false
	}
	return true
}

// enrich attaches listing metadata to each summary. Lookups run concurrently,
// one per distinct item, and failures only leave Item empty.
func (h *Handler) enrich(ctx context.Context, out []summaryResponse) {
	if len(out) == 0 {
		return
	}
	if _, ok := h.catalog.(listing.NopCatalog); ok {
		return
	}

	itemIDs := make([]string, 0, len(out))
	seen := make(map[string]struct{}, len(out))
	for _, s := range out {
		if _, ok := seen[s.Key.ItemID]; ok {
			continue
		}
		seen[s.Key.ItemID] = struct{}{}
		itemIDs = append(itemIDs, s.Key.ItemID)
	}

	items := make([]*listing.Item, len(itemIDs))
	var g errgroup.Group
	g.SetLimit(h.enrichWorkers)
	for i, id := range itemIDs {
		g.Go(func() error {
			it, err := h.catalog.Lookup(ctx, id)
			if err != nil {
				if !errors.Is(err, listing.ErrItemNotFound) {
					h.log.Debug("chatapi.inbox.enrich.fail", "item_id", id, "err", err)
				}
				return nil
			}
			items[i] = &it
			return nil
		})
	}
	_ = g.Wait()

	byID := make(map[string]*listing.Item, len(itemIDs))
	for i, id := range itemIDs {
		byID[id] = items[i]
	}
	for i := range out {
		out[i].Item = byID[out[i].Key.ItemID]
	}
}

func (h *Handler) logFailure(event string, key conversation.Key, err error) {
	code := conversation.Code(err)
	if code == "validation" || code == "not_found" {
		return
	}
	h.log.Warn(event, "key", key.String(), "code", code, "err", err)
}
