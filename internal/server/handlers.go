package server

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"appforge/internal/chat"
	"appforge/internal/consent"
	"appforge/internal/engine"
	"appforge/internal/queue"
	"appforge/internal/session"
	"appforge/internal/versions"
)

func idParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		Error(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

type createAppRequest struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

func (s *Server) createApp(w http.ResponseWriter, r *http.Request) {
	var req createAppRequest
	if !decode(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || strings.TrimSpace(req.Path) == "" {
		Error(w, http.StatusBadRequest, "name and path are required")
		return
	}
	path, err := filepath.Abs(req.Path)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		Fail(w, err)
		return
	}
	if s.vcs != nil && versions.Available() {
		if err := s.vcs.Init(r.Context(), path); err != nil {
			Fail(w, err)
			return
		}
	}
	app, err := s.store.CreateApp(req.Name, path)
	if err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusCreated, app)
}

func (s *Server) listApps(w http.ResponseWriter, _ *http.Request) {
	apps, err := s.store.ListApps()
	if err != nil {
		Fail(w, err)
		return
	}
	if apps == nil {
		apps = []chat.App{}
	}
	JSON(w, http.StatusOK, apps)
}

type createConversationRequest struct {
	Title string `json:"title"`
	Mode  string `json:"mode"`
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	appID, ok := idParam(w, r, "appID")
	if !ok {
		return
	}
	var req createConversationRequest
	if !decode(w, r, &req) {
		return
	}
	if _, err := s.store.LoadApp(appID); err != nil {
		Fail(w, err)
		return
	}
	conv, err := s.store.CreateConversation(appID, req.Title, chat.ParseMode(req.Mode))
	if err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusCreated, conv)
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	appID, ok := idParam(w, r, "appID")
	if !ok {
		return
	}
	convs, err := s.store.ListConversations(appID)
	if err != nil {
		Fail(w, err)
		return
	}
	if convs == nil {
		convs = []chat.Conversation{}
	}
	JSON(w, http.StatusOK, convs)
}

type conversationResponse struct {
	Conversation chat.Conversation `json:"conversation"`
	Messages     []chat.Message    `json:"messages"`
	Streaming    bool              `json:"streaming"`
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	convID, ok := idParam(w, r, "convID")
	if !ok {
		return
	}
	conv, err := s.store.LoadConversation(convID)
	if err != nil {
		Fail(w, err)
		return
	}
	msgs, err := s.store.LoadMessages(convID)
	if err != nil {
		Fail(w, err)
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	JSON(w, http.StatusOK, conversationResponse{Conversation: conv, Messages: msgs, Streaming: s.engine.IsStreaming(convID)})
}

func (s *Server) setMode(w http.ResponseWriter, r *http.Request) {
	convID, ok := idParam(w, r, "convID")
	if !ok {
		return
	}
	var req struct {
		Mode string `json:"mode"`
	}
	if !decode(w, r, &req) {
		return
	}
	name := strings.ToLower(strings.TrimSpace(req.Mode))
	mode := chat.ParseMode(name)
	if string(mode) != name {
		Error(w, http.StatusBadRequest, "unknown mode "+strconv.Quote(req.Mode))
		return
	}
	if err := s.store.SetConversationMode(convID, mode); err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"mode": string(mode)})
}

type streamRequest struct {
	Prompt             string                    `json:"prompt"`
	Attachments        []chat.Attachment         `json:"attachments,omitempty"`
	SelectedComponents []chat.ComponentSelection `json:"selected_components,omitempty"`
}

func (s *Server) streamRequest(w http.ResponseWriter, r *http.Request) (engine.StreamRequest, bool) {
	convID, ok := idParam(w, r, "convID")
	if !ok {
		return engine.StreamRequest{}, false
	}
	var req streamRequest
	if !decode(w, r, &req) {
		return engine.StreamRequest{}, false
	}
	if strings.TrimSpace(req.Prompt) == "" && len(req.Attachments) == 0 {
		Error(w, http.StatusBadRequest, "prompt is required")
		return engine.StreamRequest{}, false
	}
	return engine.StreamRequest{
		ConversationID:     convID,
		Prompt:             req.Prompt,
		Attachments:        req.Attachments,
		SelectedComponents: req.SelectedComponents,
	}, true
}

// startStream refuses a second stream on the same conversation.
func (s *Server) startStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.streamRequest(w, r)
	if !ok {
		return
	}
	if err := s.engine.StreamStart(context.WithoutCancel(r.Context()), req); err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"status": "streaming"})
}

// submit starts a stream, or queues the prompt behind the running one.
func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	req, ok := s.streamRequest(w, r)
	if !ok {
		return
	}
	item, err := s.engine.Submit(context.WithoutCancel(r.Context()), req)
	if err != nil {
		Fail(w, err)
		return
	}
	if item != nil {
		JSON(w, http.StatusAccepted, map[string]any{"status": "queued", "item": item})
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"status": "streaming"})
}

func (s *Server) cancelStream(w http.ResponseWriter, r *http.Request) {
	convID, ok := idParam(w, r, "convID")
	if !ok {
		return
	}
	if !s.engine.StreamCancel(convID) {
		Error(w, http.StatusNotFound, "no active stream")
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) tokenCount(w http.ResponseWriter, r *http.Request) {
	convID, ok := idParam(w, r, "convID")
	if !ok {
		return
	}
	var req struct {
		Draft string `json:"draft"`
	}
	if !decode(w, r, &req) {
		return
	}
	res, err := s.engine.TokenCount(convID, req.Draft)
	if err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

func (s *Server) listQueue(w http.ResponseWriter, r *http.Request) {
	convID, ok := idParam(w, r, "convID")
	if !ok {
		return
	}
	items := s.engine.QueueList(convID)
	if items == nil {
		items = []queue.Item{}
	}
	JSON(w, http.StatusOK, items)
}

func (s *Server) clearQueue(w http.ResponseWriter, r *http.Request) {
	convID, ok := idParam(w, r, "convID")
	if !ok {
		return
	}
	s.engine.QueueClear(convID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) reorderQueue(w http.ResponseWriter, r *http.Request) {
	convID, ok := idParam(w, r, "convID")
	if !ok {
		return
	}
	var req struct {
		From int `json:"from"`
		To   int `json:"to"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.engine.QueueReorder(convID, req.From, req.To); err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, s.engine.QueueList(convID))
}

type queuePatch struct {
	Prompt             *string                    `json:"prompt"`
	Attachments        *[]chat.Attachment         `json:"attachments"`
	SelectedComponents *[]chat.ComponentSelection `json:"selected_components"`
}

func (s *Server) updateQueueItem(w http.ResponseWriter, r *http.Request) {
	convID, ok := idParam(w, r, "convID")
	if !ok {
		return
	}
	var req queuePatch
	if !decode(w, r, &req) {
		return
	}
	item, err := s.engine.QueueUpdate(convID, chi.URLParam(r, "itemID"), queue.Patch{
		Prompt:             req.Prompt,
		Attachments:        req.Attachments,
		SelectedComponents: req.SelectedComponents,
	})
	if err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, item)
}

func (s *Server) removeQueueItem(w http.ResponseWriter, r *http.Request) {
	convID, ok := idParam(w, r, "convID")
	if !ok {
		return
	}
	if err := s.engine.QueueRemove(convID, chi.URLParam(r, "itemID")); err != nil {
		Fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pendingConsents(w http.ResponseWriter, r *http.Request) {
	convID, ok := idParam(w, r, "convID")
	if !ok {
		return
	}
	pending := s.engine.PendingConsents(convID)
	if pending == nil {
		pending = []consent.Request{}
	}
	JSON(w, http.StatusOK, pending)
}

func (s *Server) respondConsent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Decision string `json:"decision"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.engine.ConsentRespond(chi.URLParam(r, "requestID"), req.Decision); err != nil {
		Fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getProposal(w http.ResponseWriter, r *http.Request) {
	convID, ok := idParam(w, r, "convID")
	if !ok {
		return
	}
	view, err := s.engine.Proposal(convID)
	if err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, view)
}

func (s *Server) approve(w http.ResponseWriter, r *http.Request) {
	convID, ok := idParam(w, r, "convID")
	if !ok {
		return
	}
	msgID, ok := idParam(w, r, "msgID")
	if !ok {
		return
	}
	if s.engine.IsStreaming(convID) {
		Fail(w, session.ErrAlreadyStreaming)
		return
	}
	res, err := s.engine.ProposalApprove(r.Context(), convID, msgID)
	if err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request) {
	convID, ok := idParam(w, r, "convID")
	if !ok {
		return
	}
	msgID, ok := idParam(w, r, "msgID")
	if !ok {
		return
	}
	if err := s.engine.ProposalReject(r.Context(), convID, msgID); err != nil {
		Fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listVersions(w http.ResponseWriter, r *http.Request) {
	appID, ok := idParam(w, r, "appID")
	if !ok {
		return
	}
	list, err := s.engine.VersionList(r.Context(), appID)
	if err != nil {
		Fail(w, err)
		return
	}
	if list == nil {
		list = []versions.Version{}
	}
	JSON(w, http.StatusOK, list)
}

func (s *Server) checkoutVersion(w http.ResponseWriter, r *http.Request) {
	appID, ok := idParam(w, r, "appID")
	if !ok {
		return
	}
	if err := s.engine.VersionCheckout(r.Context(), appID, chi.URLParam(r, "oid")); err != nil {
		Fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) revertVersion(w http.ResponseWriter, r *http.Request) {
	appID, ok := idParam(w, r, "appID")
	if !ok {
		return
	}
	res, err := s.engine.VersionRevert(r.Context(), appID, chi.URLParam(r, "oid"))
	if err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

func (s *Server) quotaStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.QuotaStatus(chi.URLParam(r, "mode"))
	if err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, st)
}
