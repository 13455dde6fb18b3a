package caldav

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/cyp0633/caldora-scheduling/server/calobj"
	"github.com/cyp0633/caldora-scheduling/server/scheduling"
)

// handleSchedulePost processes a POST against the scheduling outbox:
// either a direct free-busy query or an explicit iTIP send.
func (h *Handler) handleSchedulePost(w http.ResponseWriter, r *http.Request, ctx *RequestContext) {
	if ctx.Resource.ResourceType != ResourceOutbox {
		http.Error(w, "POST is only supported on the scheduling outbox", http.StatusMethodNotAllowed)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "text/calendar") {
		http.Error(w, "unsupported media type", http.StatusUnsupportedMediaType)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	payload, err := calobj.Decode(string(body))
	if err != nil {
		http.Error(w, "invalid calendar data", http.StatusBadRequest)
		return
	}
	if payload.Method() == "" {
		http.Error(w, "outbox payloads must carry a METHOD", http.StatusBadRequest)
		return
	}

	originator := r.Header.Get("Originator")
	recipients := parseRecipients(r.Header.Values("Recipient"))
	user, err := h.Storage.GetUser(r.Context(), ctx.AuthUser)
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	if originator == "" {
		originator = user.UserAddress
	}
	if calobj.NormalizeAddress(originator) != calobj.NormalizeAddress(user.UserAddress) {
		http.Error(w, "originator does not match the authenticated user", http.StatusForbidden)
		return
	}
	if len(recipients) == 0 {
		http.Error(w, "at least one Recipient header is required", http.StatusBadRequest)
		return
	}

	queue := &scheduling.ResponseQueue{}
	if isFreeBusyQuery(payload) {
		h.answerFreeBusy(r, payload, originator, recipients, queue)
	} else {
		msg := &scheduling.SchedulingMessage{
			Method:     payload.Method(),
			Payload:    payload,
			Originator: calobj.NormalizeAddress(originator),
			Recipients: recipients,
		}
		for _, recipient := range recipients {
			status := h.Engine.Delivery.Deliver(r.Context(), msg, recipient)
			queue.Add(scheduling.ResponseEntry{Recipient: status.Recipient, Status: status.Status, Err: status.Err})
		}
	}

	doc, err := queue.ToXML()
	if err != nil {
		http.Error(w, "failed to render schedule response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	doc.Indent(2)
	doc.WriteTo(w)
}

// answerFreeBusy resolves each recipient and answers the query directly
// for the ones hosted here.
func (h *Handler) answerFreeBusy(r *http.Request, payload *calobj.Object, originator string, recipients []string, queue *scheduling.ResponseQueue) {
	comp := payload.Master()
	if comp == nil {
		for _, recipient := range recipients {
			queue.Add(scheduling.ResponseEntry{Recipient: recipient, Status: scheduling.StatusInvalidUser})
		}
		return
	}
	start, startErr := comp.Props.DateTime(ical.PropDateTimeStart, time.UTC)
	end, endErr := comp.Props.DateTime(ical.PropDateTimeEnd, time.UTC)
	if startErr != nil || endErr != nil || !end.After(start) {
		for _, recipient := range recipients {
			queue.Add(scheduling.ResponseEntry{Recipient: recipient, Status: scheduling.StatusInvalidUser})
		}
		return
	}

	for _, recipient := range recipients {
		resolved, err := h.Engine.Resolver.Resolve(r.Context(), recipient)
		if err != nil || resolved.Kind != scheduling.KindLocal {
			queue.Add(scheduling.ResponseEntry{Recipient: recipient, Status: scheduling.StatusInvalidUser})
			continue
		}
		info, err := h.Engine.FreeBusy.Query(r.Context(), scheduling.FreeBusyRequest{
			Start:  start,
			End:    end,
			UserID: resolved.User.ID,
		})
		if err != nil {
			queue.Add(scheduling.ResponseEntry{Recipient: recipient, Status: scheduling.StatusServiceUnavailable, Err: err})
			continue
		}
		reply, err := scheduling.BuildVFreeBusy(info, start, end, originator, recipient)
		if err != nil {
			queue.Add(scheduling.ResponseEntry{Recipient: recipient, Status: scheduling.StatusServiceUnavailable, Err: err})
			continue
		}
		queue.Add(scheduling.ResponseEntry{Recipient: recipient, Status: scheduling.StatusSuccess, Reply: reply})
	}
}

func isFreeBusyQuery(payload *calobj.Object) bool {
	if payload.Method() != calobj.MethodRequest {
		return false
	}
	for _, comp := range payload.Components() {
		if comp.Name == ical.CompFreeBusy {
			return true
		}
	}
	return false
}

// parseRecipients flattens the Recipient headers, each of which may
// carry a comma-separated list.
func parseRecipients(headers []string) []string {
	var recipients []string
	for _, header := range headers {
		for _, addr := range strings.Split(header, ",") {
			addr = strings.TrimSpace(addr)
			if addr != "" {
				recipients = append(recipients, calobj.NormalizeAddress(addr))
			}
		}
	}
	return recipients
}
