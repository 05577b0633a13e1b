package cardclient

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-go-golems/cardstream/pkg/cards/session"
	"github.com/go-go-golems/cardstream/pkg/cards/state"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// NewWSHandler attaches a websocket viewer to the card named by the card_id
// query parameter. The viewer gets a snapshot frame, then every update.
func NewWSHandler(l *Loopback, upgrader websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if l == nil {
			http.Error(w, "card client not initialized", http.StatusServiceUnavailable)
			return
		}
		cardID := strings.TrimSpace(req.URL.Query().Get("card_id"))
		if cardID == "" {
			http.Error(w, "missing card_id", http.StatusBadRequest)
			return
		}
		if _, ok := l.Snapshot(cardID); !ok {
			http.Error(w, "unknown card", http.StatusNotFound)
			return
		}

		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		if err := l.Attach(cardID, conn); err != nil {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"failed to attach websocket"}`))
			_ = conn.Close()
			return
		}
		log.Debug().Str("component", "cardclient").Str("card_id", cardID).Msg("ws viewer attached")

		// viewers are read-only; reading only detects the close
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		l.Detach(cardID, conn)
	}
}

type cardResponse struct {
	Card    Card         `json:"card"`
	Session *state.State `json:"session,omitempty"`
}

// NewCardHTTPHandler serves GET /api/cards/{id}: the rendered card and, when
// store is set, its session state. GET /api/cards lists the cards of a
// conversation.
func NewCardHTTPHandler(l *Loopback, store *state.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		cardID := strings.Trim(strings.TrimPrefix(req.URL.Path, "/api/cards"), "/")
		if cardID == "" {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"cards": l.Cards(req.URL.Query().Get("conversation_id"))})
			return
		}
		card, ok := l.Snapshot(cardID)
		if !ok {
			http.Error(w, "unknown card", http.StatusNotFound)
			return
		}
		resp := cardResponse{Card: card}
		if store != nil {
			if st, err := store.Get(req.Context(), cardID); err == nil {
				resp.Session = &st
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// Notice kinds, served under /notice/{kind}.
const (
	NoticeNewCourse     = "channel_new_course"
	NoticeLiveBeginning = "live_beginning"
)

type NoticeSender interface {
	SendNotice(ctx context.Context, n session.Notice) (string, error)
}

type noticeResponse struct {
	Success bool   `json:"success"`
	ErrMsg  string `json:"err_msg"`
	CardID  string `json:"card_id,omitempty"`
}

// NewNoticeHandler pushes a notice card for POST /notice/{kind}. Notices
// without a conversation_id go to defaultConversation.
func NewNoticeHandler(sender NoticeSender, defaultConversation string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var notice session.Notice
		var err error
		switch kind := strings.Trim(strings.TrimPrefix(req.URL.Path, "/notice"), "/"); kind {
		case NoticeNewCourse:
			var body session.NoticeNewCourse
			err = json.NewDecoder(req.Body).Decode(&body)
			notice = body.Notice()
		case NoticeLiveBeginning:
			var body session.NoticeLiveBeginning
			err = json.NewDecoder(req.Body).Decode(&body)
			notice = body.Notice()
		default:
			writeNotice(w, http.StatusNotFound, noticeResponse{ErrMsg: "unknown notice " + kind})
			return
		}
		if err != nil {
			writeNotice(w, http.StatusBadRequest, noticeResponse{ErrMsg: "bad notice body"})
			return
		}
		if notice.ConversationID == "" {
			notice.ConversationID = defaultConversation
		}

		cardID, err := sender.SendNotice(req.Context(), notice)
		if err != nil {
			log.Warn().Err(err).Str("component", "cardclient").Str("path", req.URL.Path).Msg("notice failed")
			writeNotice(w, http.StatusInternalServerError, noticeResponse{ErrMsg: err.Error()})
			return
		}
		log.Info().Str("component", "cardclient").Str("card_id", cardID).Str("path", req.URL.Path).Msg("notice sent")
		writeNotice(w, http.StatusOK, noticeResponse{Success: true, CardID: cardID})
	}
}

func writeNotice(w http.ResponseWriter, code int, resp noticeResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
