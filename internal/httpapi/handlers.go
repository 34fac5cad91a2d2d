package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/textly/smsbridge/internal/gateway"
	"github.com/textly/smsbridge/internal/store"
)

const (
	eventBuffer  = 64
	checkTimeout = 2 * time.Second
)

type sendReq struct {
	PhoneNumber string `json:"phoneNumber"`
	Message     string `json:"message"`
	SimSlot     *int   `json:"simSlot,omitempty"`
}

type messageIDResp struct {
	MessageID string `json:"messageId"`
	RetryOf   string `json:"retryOf,omitempty"`
}

// POST /api/sms
func (h *handler) sendSMS(w http.ResponseWriter, r *http.Request) {
	var req sendReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "", "invalid request body")
		return
	}
	id, err := h.commands.SendSMS(r.Context(), req.PhoneNumber, req.Message, req.SimSlot)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	jsonOK(w, http.StatusAccepted, messageIDResp{MessageID: id})
}

// GET /api/default-app
func (h *handler) defaultApp(w http.ResponseWriter, r *http.Request) {
	isDefault, err := h.commands.IsDefaultSmsApp(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	jsonOK(w, http.StatusOK, map[string]bool{"isDefault": isDefault})
}

// POST /api/default-app/request
func (h *handler) requestDefaultApp(w http.ResponseWriter, r *http.Request) {
	if err := h.commands.RequestDefaultSmsApp(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	jsonOK(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

// POST /api/permissions/request
func (h *handler) requestPermissions(w http.ResponseWriter, r *http.Request) {
	if err := h.commands.RequestSmsPermissions(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	jsonOK(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

// GET /api/threads?q=
func (h *handler) listThreads(w http.ResponseWriter, r *http.Request) {
	var (
		threads []store.Thread
		err     error
	)
	if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
		threads, err = h.log.SearchThreads(r.Context(), q)
	} else {
		threads, err = h.log.Threads(r.Context())
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	jsonOK(w, http.StatusOK, threads)
}

// GET /api/threads/{id}/messages?limit=&offset=
func (h *handler) threadMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		jsonError(w, http.StatusBadRequest, "", err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		jsonError(w, http.StatusBadRequest, "", err.Error())
		return
	}
	msgs, err := h.log.MessagesForThread(r.Context(), chi.URLParam(r, "id"), limit, offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	jsonOK(w, http.StatusOK, msgs)
}

// POST /api/threads/{id}/read
func (h *handler) markThreadRead(w http.ResponseWriter, r *http.Request) {
	if err := h.log.MarkThreadRead(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DELETE /api/threads/{id}
func (h *handler) deleteThread(w http.ResponseWriter, r *http.Request) {
	if err := h.log.DeleteThread(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/messages/search?q=
func (h *handler) searchMessages(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		jsonError(w, http.StatusBadRequest, "", "q is required")
		return
	}
	msgs, err := h.log.Search(r.Context(), q)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	jsonOK(w, http.StatusOK, msgs)
}

// POST /api/messages/{id}/retry
func (h *handler) retryMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	newID, err := h.commands.Retry(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	jsonOK(w, http.StatusAccepted, messageIDResp{MessageID: newID, RetryOf: id})
}

type settingBody struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// GET /api/settings/{key}
func (h *handler) getSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !knownSetting(key) {
		jsonError(w, http.StatusNotFound, "", "unknown setting "+key)
		return
	}
	value, ok, err := h.log.Setting(r.Context(), key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !ok {
		value = settingDefault(key)
	}
	jsonOK(w, http.StatusOK, settingBody{Key: key, Value: value})
}

// PUT /api/settings/{key}
func (h *handler) putSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !knownSetting(key) {
		jsonError(w, http.StatusNotFound, "", "unknown setting "+key)
		return
	}
	var body settingBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, http.StatusBadRequest, "", "invalid request body")
		return
	}
	value := strings.TrimSpace(body.Value)
	if err := validateSetting(key, value); err != nil {
		jsonError(w, http.StatusBadRequest, "", err.Error())
		return
	}
	if err := h.log.SetSetting(r.Context(), key, value); err != nil {
		h.writeError(w, r, err)
		return
	}
	jsonOK(w, http.StatusOK, settingBody{Key: key, Value: value})
}

type inboundReq struct {
	Messages []struct {
		Sender         string `json:"sender"`
		Body           string `json:"body"`
		Timestamp      int64  `json:"timestamp,omitempty"`
		SubscriptionID *int   `json:"subscriptionId,omitempty"`
	} `json:"messages"`
}

// POST /webhooks/inbound
func (h *handler) injectInbound(w http.ResponseWriter, r *http.Request) {
	var req inboundReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "", "invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		jsonError(w, http.StatusBadRequest, "", "messages are required")
		return
	}
	records := make([]gateway.InboundRecord, 0, len(req.Messages))
	for i, m := range req.Messages {
		if strings.TrimSpace(m.Sender) == "" {
			jsonError(w, http.StatusBadRequest, "", fmt.Sprintf("messages[%d].sender is required", i))
			return
		}
		rec := gateway.InboundRecord{
			Sender:          strings.TrimSpace(m.Sender),
			Body:            m.Body,
			TimestampMillis: m.Timestamp,
			SubscriptionID:  gateway.DefaultSubscription,
		}
		if m.SubscriptionID != nil {
			rec.SubscriptionID = *m.SubscriptionID
		}
		records = append(records, rec)
	}
	h.inbound.Receive(records...)
	jsonOK(w, http.StatusAccepted, map[string]int{"accepted": len(records)})
}

// GET /api/events streams events as server-sent events until the client
// goes away or the relay closes.
func (h *handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		jsonError(w, http.StatusInternalServerError, "", "streaming unsupported")
		return
	}
	events, cancel, err := h.events.Subscribe(eventBuffer)
	if err != nil {
		jsonError(w, http.StatusServiceUnavailable, "", err.Error())
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				h.logger.Error().Err(err).Str("event", evt.Name).Msg("failed to encode event")
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", evt.ID, evt.Name, payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// GET /health
func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	results := make(map[string]string, len(names))
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := h.checks[name](ctx)
		cancel()
		if err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}
	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	jsonOK(w, status, map[string]any{"status": overall, "checks": results})
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return v, nil
}

func knownSetting(key string) bool {
	return key == store.SettingDeliveryReports || key == store.SettingDefaultSimSlot
}

func settingDefault(key string) string {
	if key == store.SettingDeliveryReports {
		return "true"
	}
	return ""
}

func validateSetting(key, value string) error {
	switch key {
	case store.SettingDeliveryReports:
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("%s must be true or false", key)
		}
	case store.SettingDefaultSimSlot:
		if value == "" {
			return nil
		}
		if slot, err := strconv.Atoi(value); err != nil || slot < 0 {
			return fmt.Errorf("%s must be empty or a slot index >= 0", key)
		}
	}
	return nil
}
