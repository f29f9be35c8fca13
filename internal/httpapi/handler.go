// Package httpapi exposes the REST surface of the messaging core:
// conversation resolution, history pages, message sends, reactions, read
// cursors, typing signals, and the organization member list. All endpoints
// require a bearer session token; the WebSocket stream is served separately
// by the ws package on the same listener.
package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rohanbhuri/bhuri-sap-messaging/internal/apperr"
	"github.com/rohanbhuri/bhuri-sap-messaging/internal/auth"
	"github.com/rohanbhuri/bhuri-sap-messaging/internal/conversation"
	"github.com/rohanbhuri/bhuri-sap-messaging/internal/directory"
	"github.com/rohanbhuri/bhuri-sap-messaging/internal/fanout"
	"github.com/rohanbhuri/bhuri-sap-messaging/internal/message"
	"github.com/rohanbhuri/bhuri-sap-messaging/internal/metrics"
	"github.com/rohanbhuri/bhuri-sap-messaging/internal/presence"
	"github.com/rohanbhuri/bhuri-sap-messaging/internal/ratelimit"
	"github.com/rohanbhuri/bhuri-sap-messaging/internal/reaction"
	"github.com/rohanbhuri/bhuri-sap-messaging/internal/readstate"
)

// Deps bundles everything the HTTP handlers need. Limiter and Gateway may be
// nil (tests run the handlers without Redis or NATS); nil disables rate
// limiting and event publication respectively.
type Deps struct {
	Auth          auth.Authenticator
	Directory     directory.Directory
	Conversations *conversation.Store
	Messages      *message.Store
	Reactions     *reaction.Store
	ReadState     *readstate.Store
	Presence      *presence.Store
	Typing        *presence.TypingTracker
	Gateway       *fanout.Gateway
	Limiter       *ratelimit.Limiter
}

// Handler is the REST API for the messaging core.
type Handler struct {
	deps Deps
	mux  *http.ServeMux
}

// NewHandler builds the API handler and registers all routes.
func NewHandler(deps Deps) *Handler {
	h := &Handler{deps: deps, mux: http.NewServeMux()}

	h.mux.HandleFunc("GET /orgs/{orgId}/members", h.authenticated(h.listMembers))
	h.mux.HandleFunc("GET /orgs/{orgId}/conversations", h.authenticated(h.listConversations))
	h.mux.HandleFunc("GET /orgs/{orgId}/conversations/dm/{otherUserId}", h.authenticated(h.resolveDirect))
	h.mux.HandleFunc("GET /conversations/{id}/messages", h.authenticated(h.pageMessages))
	h.mux.HandleFunc("POST /conversations/{id}/messages", h.authenticated(h.sendMessage))
	h.mux.HandleFunc("GET /conversations/{id}/typing", h.authenticated(h.listTyping))
	h.mux.HandleFunc("POST /conversations/{id}/typing", h.authenticated(h.setTyping))
	h.mux.HandleFunc("POST /conversations/{id}/read", h.authenticated(h.markRead))
	h.mux.HandleFunc("POST /messages/{id}/reactions/{emoji}", h.authenticated(h.toggleReaction))
	h.mux.HandleFunc("GET /messages/{id}/reactions", h.authenticated(h.listReactions))
	h.mux.HandleFunc("GET /messages/{id}/status", h.authenticated(h.messageStatus))

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// userHandler is an HTTP handler that additionally receives the
// authenticated user's ID.
type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

// authenticated resolves the bearer token to a user ID before invoking next.
// Missing or invalid tokens yield 401 without reaching the handler.
func (h *Handler) authenticated(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		userID, err := h.deps.Auth.UserFromToken(r.Context(), token)
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r, userID)
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// ---------------------------------------------------------------------------
// Organization endpoints
// ---------------------------------------------------------------------------

type memberJSON struct {
	UserID    string `json:"userId"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Online    bool   `json:"online"`
	LastSeen  int64  `json:"lastSeen,omitempty"`
}

// listMembers returns the organization roster with live presence merged in.
func (h *Handler) listMembers(w http.ResponseWriter, r *http.Request, userID string) {
	orgID := r.PathValue("orgId")

	if err := h.requireMember(r, orgID, userID); err != nil {
		writeError(w, err)
		return
	}

	members, err := h.deps.Directory.ListMembers(r.Context(), orgID)
	if err != nil {
		writeError(w, err)
		return
	}

	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.UserID
	}

	states := map[string]presence.State{}
	if h.deps.Presence != nil {
		states, err = h.deps.Presence.Get(r.Context(), ids)
		if err != nil {
			// Presence is cosmetic; serve the roster without it.
			log.Printf("[httpapi] presence lookup failed org=%s: %v", orgID, err)
			states = map[string]presence.State{}
		}
	}

	out := make([]memberJSON, len(members))
	for i, m := range members {
		state := states[m.UserID]
		out[i] = memberJSON{
			UserID:    m.UserID,
			FirstName: m.FirstName,
			LastName:  m.LastName,
			Email:     m.Email,
			Online:    state.Online,
			LastSeen:  state.LastSeen,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"members": out})
}

type conversationJSON struct {
	ID             string   `json:"id"`
	OrgID          string   `json:"orgId"`
	Kind           string   `json:"kind"`
	ParticipantIDs []string `json:"participantIds"`
	CreatedAt      int64    `json:"createdAt"`
	UnreadCount    int      `json:"unreadCount"`
	LastSequence   int64    `json:"lastSequence"`
}

// listConversations returns every conversation the caller participates in
// within the organization, with unread counts for badging.
func (h *Handler) listConversations(w http.ResponseWriter, r *http.Request, userID string) {
	orgID := r.PathValue("orgId")

	if err := h.requireMember(r, orgID, userID); err != nil {
		writeError(w, err)
		return
	}

	convs, err := h.deps.Conversations.ListForUser(r.Context(), orgID, userID)
	if err != nil {
		writeError(w, err)
		return
	}

	totals, err := h.deps.ReadState.UnreadTotals(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]conversationJSON, 0, len(convs))
	for _, conv := range convs {
		lastSeq, err := h.deps.Messages.MaxSequence(r.Context(), conv.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		out = append(out, conversationJSON{
			ID:             conv.ID,
			OrgID:          conv.OrgID,
			Kind:           conv.Kind,
			ParticipantIDs: conv.ParticipantIDs,
			CreatedAt:      conv.CreatedAt.UnixMilli(),
			UnreadCount:    totals[conv.ID],
			LastSequence:   lastSeq,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": out})
}

// resolveDirect returns the direct conversation between the caller and
// another member, creating it on first contact. Either participant resolving
// the pair lands on the same conversation.
func (h *Handler) resolveDirect(w http.ResponseWriter, r *http.Request, userID string) {
	orgID := r.PathValue("orgId")
	otherUserID := r.PathValue("otherUserId")

	conv, err := h.deps.Conversations.GetOrCreateDirect(r.Context(), orgID, userID, otherUserID)
	if err != nil {
		writeError(w, err)
		return
	}

	lastSeq, err := h.deps.Messages.MaxSequence(r.Context(), conv.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	unread, err := h.deps.ReadState.UnreadCount(r.Context(), conv.ID, userID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, conversationJSON{
		ID:             conv.ID,
		OrgID:          conv.OrgID,
		Kind:           conv.Kind,
		ParticipantIDs: conv.ParticipantIDs,
		CreatedAt:      conv.CreatedAt.UnixMilli(),
		UnreadCount:    unread,
		LastSequence:   lastSeq,
	})
}

// ---------------------------------------------------------------------------
// Message endpoints
// ---------------------------------------------------------------------------

type messageJSON struct {
	ID             string               `json:"id"`
	ConversationID string               `json:"conversationId"`
	SenderID       string               `json:"senderId"`
	Content        string               `json:"content"`
	Attachments    []message.Attachment `json:"attachments,omitempty"`
	ReplyToID      string               `json:"replyToId,omitempty"`
	Sequence       int64                `json:"sequence"`
	CreatedAt      int64                `json:"createdAt"`
}

func toMessageJSON(m *message.Message) messageJSON {
	return messageJSON{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Attachments:    m.Attachments,
		ReplyToID:      m.ReplyToID,
		Sequence:       m.Sequence,
		CreatedAt:      m.CreatedAt.UnixMilli(),
	}
}

// pageMessages returns one page of history in descending sequence order.
// Query params: before (sequence cursor, 0 or absent for the latest page)
// and limit.
func (h *Handler) pageMessages(w http.ResponseWriter, r *http.Request, userID string) {
	conversationID := r.PathValue("id")

	if err := h.requireParticipant(r, conversationID, userID); err != nil {
		writeError(w, err)
		return
	}

	before, err := parseInt64(r.URL.Query().Get("before"))
	if err != nil {
		writeError(w, errors.Join(apperr.ErrValidation, err))
		return
	}
	limit64, err := parseInt64(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, errors.Join(apperr.ErrValidation, err))
		return
	}

	msgs, hasMore, err := h.deps.Messages.Page(r.Context(), conversationID, before, int(limit64))
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]messageJSON, len(msgs))
	for i, m := range msgs {
		out[i] = toMessageJSON(m)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": out,
		"hasMore":  hasMore,
	})
}

type sendMessageRequest struct {
	Content     string               `json:"content"`
	Attachments []message.Attachment `json:"attachments"`
	ReplyToID   string               `json:"replyToId"`
}

// sendMessage appends a message and pushes it to all live subscribers.
// Recipients without any online presence get a notification hand-off.
func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request, userID string) {
	conversationID := r.PathValue("id")

	if ok := h.allow(r, userID, ratelimit.RuleMessage); !ok {
		metrics.MessagesAppended.WithLabelValues("rate_limited").Inc()
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate_limited"})
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Join(apperr.ErrValidation, err))
		return
	}

	start := time.Now()
	msg, err := h.deps.Messages.Append(r.Context(), conversationID, userID, req.Content, req.Attachments, req.ReplyToID)
	if err != nil {
		metrics.MessagesAppended.WithLabelValues("rejected").Inc()
		writeError(w, err)
		return
	}
	metrics.MessagesAppended.WithLabelValues("ok").Inc()
	metrics.AppendLatency.Observe(time.Since(start).Seconds())

	h.publishMessage(r, msg)

	writeJSON(w, http.StatusCreated, toMessageJSON(msg))
}

// publishMessage fans the appended message out to conversation subscribers
// and hands offline recipients to the notification subsystem. Push is
// best-effort; the message is already durable.
func (h *Handler) publishMessage(r *http.Request, msg *message.Message) {
	if h.deps.Gateway == nil {
		return
	}

	payload := &fanout.MessagePayload{
		ID:        msg.ID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		ReplyToID: msg.ReplyToID,
		Sequence:  msg.Sequence,
		CreatedAt: msg.CreatedAt.UnixMilli(),
	}
	if len(msg.Attachments) > 0 {
		if raw, err := json.Marshal(msg.Attachments); err == nil {
			payload.Attachments = raw
		}
	}

	err := h.deps.Gateway.PublishConversation(msg.ConversationID, fanout.Event{
		Type:           fanout.EventMessageAppended,
		ConversationID: msg.ConversationID,
		Message:        payload,
	})
	if err != nil {
		log.Printf("[httpapi] publish message event conv=%s: %v", msg.ConversationID, err)
		return
	}
	metrics.FanoutEvents.WithLabelValues(fanout.EventMessageAppended).Inc()

	conv, err := h.deps.Conversations.Get(r.Context(), msg.ConversationID)
	if err != nil {
		log.Printf("[httpapi] load conversation for notify conv=%s: %v", msg.ConversationID, err)
		return
	}
	for _, participantID := range conv.ParticipantIDs {
		if participantID == msg.SenderID {
			continue
		}
		online := false
		if h.deps.Presence != nil {
			online, err = h.deps.Presence.IsOnline(r.Context(), participantID)
			if err != nil {
				log.Printf("[httpapi] presence check user=%s: %v", participantID, err)
			}
		}
		if online {
			continue
		}
		err := h.deps.Gateway.PublishNotification(fanout.Notification{
			ConversationID: msg.ConversationID,
			RecipientID:    participantID,
		})
		if err != nil {
			log.Printf("[httpapi] notify recipient=%s: %v", participantID, err)
			continue
		}
		metrics.NotificationsEmitted.Inc()
	}
}

// messageStatus returns the sender-facing delivery status of one message.
func (h *Handler) messageStatus(w http.ResponseWriter, r *http.Request, userID string) {
	messageID := r.PathValue("id")

	msg, err := h.deps.Messages.Get(r.Context(), messageID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.requireParticipant(r, msg.ConversationID, userID); err != nil {
		writeError(w, err)
		return
	}

	status, err := h.deps.ReadState.MessageStatus(r.Context(), msg.ConversationID, msg.SenderID, msg.Sequence)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// ---------------------------------------------------------------------------
// Reaction endpoints
// ---------------------------------------------------------------------------

// toggleReaction toggles the caller's emoji on a message and pushes the new
// aggregate to conversation subscribers.
func (h *Handler) toggleReaction(w http.ResponseWriter, r *http.Request, userID string) {
	messageID := r.PathValue("id")
	emoji := r.PathValue("emoji")

	msg, err := h.deps.Messages.Get(r.Context(), messageID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.requireParticipant(r, msg.ConversationID, userID); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.deps.Reactions.Toggle(r.Context(), messageID, userID, emoji)
	if err != nil {
		writeError(w, err)
		return
	}

	counts, err := h.deps.Reactions.Summary(r.Context(), messageID, userID)
	if err != nil {
		writeError(w, err)
		return
	}

	h.publishReaction(result, messageID, userID, emoji, counts)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"added":  result.Added,
		"counts": counts,
	})
}

func (h *Handler) publishReaction(result *reaction.ToggleResult, messageID, userID, emoji string, counts []reaction.EmojiCount) {
	if h.deps.Gateway == nil {
		return
	}

	byEmoji := make(map[string]int, len(counts))
	for _, c := range counts {
		byEmoji[c.Emoji] = c.Count
	}
	raw, err := json.Marshal(byEmoji)
	if err != nil {
		log.Printf("[httpapi] marshal reaction counts msg=%s: %v", messageID, err)
		return
	}

	err = h.deps.Gateway.PublishConversation(result.ConversationID, fanout.Event{
		Type:           fanout.EventReactionChanged,
		ConversationID: result.ConversationID,
		Reaction: &fanout.ReactionPayload{
			MessageID: messageID,
			UserID:    userID,
			Emoji:     emoji,
			Added:     result.Added,
			Counts:    raw,
		},
	})
	if err != nil {
		log.Printf("[httpapi] publish reaction event conv=%s: %v", result.ConversationID, err)
		return
	}
	metrics.FanoutEvents.WithLabelValues(fanout.EventReactionChanged).Inc()
}

// listReactions returns emoji -> reacting user IDs for one message.
func (h *Handler) listReactions(w http.ResponseWriter, r *http.Request, userID string) {
	messageID := r.PathValue("id")

	msg, err := h.deps.Messages.Get(r.Context(), messageID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.requireParticipant(r, msg.ConversationID, userID); err != nil {
		writeError(w, err)
		return
	}

	byEmoji, err := h.deps.Reactions.ListByMessage(r.Context(), messageID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reactions": byEmoji})
}

// ---------------------------------------------------------------------------
// Read cursor and typing endpoints
// ---------------------------------------------------------------------------

type markReadRequest struct {
	UpToSequence int64 `json:"upToSequence"` // <= 0 means "latest"
}

// markRead advances the caller's read cursor and pushes the new watermark to
// conversation subscribers (the sender's "seen" checkmarks).
func (h *Handler) markRead(w http.ResponseWriter, r *http.Request, userID string) {
	conversationID := r.PathValue("id")

	if err := h.requireParticipant(r, conversationID, userID); err != nil {
		writeError(w, err)
		return
	}

	var req markReadRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, errors.Join(apperr.ErrValidation, err))
			return
		}
	}

	cursor, err := h.deps.ReadState.MarkRead(r.Context(), conversationID, userID, req.UpToSequence)
	if err != nil {
		writeError(w, err)
		return
	}

	h.publishReadCursor(conversationID, userID, cursor)

	writeJSON(w, http.StatusOK, map[string]int64{"lastReadSequence": cursor})
}

func (h *Handler) publishReadCursor(conversationID, userID string, cursor int64) {
	if h.deps.Gateway == nil {
		return
	}
	err := h.deps.Gateway.PublishConversation(conversationID, fanout.Event{
		Type:           fanout.EventReadCursorAdvanced,
		ConversationID: conversationID,
		ReadCursor: &fanout.ReadCursorPayload{
			UserID:           userID,
			LastReadSequence: cursor,
		},
	})
	if err != nil {
		log.Printf("[httpapi] publish read cursor conv=%s: %v", conversationID, err)
		return
	}
	metrics.FanoutEvents.WithLabelValues(fanout.EventReadCursorAdvanced).Inc()
}

type typingRequest struct {
	IsTyping bool `json:"isTyping"`
}

// setTyping records the caller's typing state and pushes the delta to
// conversation subscribers. Typing is ephemeral; stale true signals expire
// on their own.
func (h *Handler) setTyping(w http.ResponseWriter, r *http.Request, userID string) {
	conversationID := r.PathValue("id")

	if err := h.requireParticipant(r, conversationID, userID); err != nil {
		writeError(w, err)
		return
	}

	if ok := h.allow(r, userID, ratelimit.RuleTyping); !ok {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate_limited"})
		return
	}

	var req typingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Join(apperr.ErrValidation, err))
		return
	}

	h.deps.Typing.SetTyping(conversationID, userID, req.IsTyping)
	h.publishTyping(conversationID, userID, req.IsTyping)

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) publishTyping(conversationID, userID string, isTyping bool) {
	if h.deps.Gateway == nil {
		return
	}
	err := h.deps.Gateway.PublishConversation(conversationID, fanout.Event{
		Type:           fanout.EventTypingChanged,
		ConversationID: conversationID,
		Typing: &fanout.TypingPayload{
			UserID:   userID,
			IsTyping: isTyping,
		},
	})
	if err != nil {
		log.Printf("[httpapi] publish typing conv=%s: %v", conversationID, err)
		return
	}
	metrics.FanoutEvents.WithLabelValues(fanout.EventTypingChanged).Inc()
}

// listTyping returns who is currently typing in a conversation, excluding
// the caller.
func (h *Handler) listTyping(w http.ResponseWriter, r *http.Request, userID string) {
	conversationID := r.PathValue("id")

	if err := h.requireParticipant(r, conversationID, userID); err != nil {
		writeError(w, err)
		return
	}

	typing := h.deps.Typing.TypingUsers(conversationID, userID)
	if typing == nil {
		typing = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"typing": typing})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// requireMember verifies the caller belongs to the organization.
func (h *Handler) requireMember(r *http.Request, orgID, userID string) error {
	ok, err := h.deps.Directory.IsMember(r.Context(), orgID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.ErrNotAMember
	}
	return nil
}

// requireParticipant verifies the caller belongs to the conversation.
// Non-participants get not-found, hiding the conversation's existence.
func (h *Handler) requireParticipant(r *http.Request, conversationID, userID string) error {
	conv, err := h.deps.Conversations.Get(r.Context(), conversationID)
	if err != nil {
		return err
	}
	if !conv.IsParticipant(userID) {
		return apperr.ErrNotFound
	}
	return nil
}

// allow applies a rate limit rule, failing open when no limiter is wired.
func (h *Handler) allow(r *http.Request, identifier string, rule ratelimit.Rule) bool {
	if h.deps.Limiter == nil {
		return true
	}
	ok, _ := h.deps.Limiter.Allow(r.Context(), identifier, rule)
	return ok
}

func parseInt64(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[httpapi] encode response: %v", err)
	}
}

// writeError maps domain errors to HTTP statuses. Unknown errors are logged
// and reported as 500 without leaking internals.
func writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, apperr.ErrUnauthorized):
		status, code = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, apperr.ErrNotAMember):
		status, code = http.StatusForbidden, "not_a_member"
	case errors.Is(err, apperr.ErrInvalidPair):
		status, code = http.StatusBadRequest, "invalid_pair"
	case errors.Is(err, apperr.ErrValidation):
		status, code = http.StatusBadRequest, "validation_failed"
	case errors.Is(err, apperr.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	default:
		log.Printf("[httpapi] internal error: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": code})
}
