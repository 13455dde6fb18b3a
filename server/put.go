package caldav

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cyp0633/caldora-scheduling/server/calobj"
	"github.com/cyp0633/caldora-scheduling/server/scheduling"
	"github.com/cyp0633/caldora-scheduling/server/storage"
)

func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request, ctx *RequestContext) {
	if ctx.Resource.ResourceType != ResourceObject {
		http.Error(w, "PUT is only supported on calendar objects", http.StatusMethodNotAllowed)
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
	proposed, err := calobj.Decode(string(body))
	if err != nil {
		h.Logger.Debug("rejecting unparseable calendar data", "path", r.URL.Path, "error", err)
		http.Error(w, fmt.Sprintf("invalid calendar data: %v", err), http.StatusBadRequest)
		return
	}

	existing, err := h.Storage.GetObject(r.Context(), ctx.Resource.UserID, ctx.Resource.CalendarID, ctx.Resource.ObjectID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	if match := r.Header.Get("If-Match"); match != "" {
		if existing == nil || !etagMatches(match, existing.ETag) {
			http.Error(w, "etag mismatch", http.StatusPreconditionFailed)
			return
		}
	}
	if r.Header.Get("If-None-Match") == "*" && existing != nil {
		http.Error(w, "resource already exists", http.StatusPreconditionFailed)
		return
	}

	op := &scheduling.WriteOp{
		UserID:       ctx.Resource.UserID,
		CalendarID:   ctx.Resource.CalendarID,
		ObjectID:     ctx.Resource.ObjectID,
		ResourcePath: r.URL.Path,
		New:          proposed,
	}
	if existing != nil {
		old, err := calobj.New(existing.Data)
		if err == nil {
			op.Old = old
		}
	}

	outcome, err := h.Engine.Scheduler.ProcessWrite(r.Context(), op)
	if err != nil {
		h.writeSchedulingError(w, err)
		return
	}
	if outcome.Disposition == scheduling.DispositionDeleteResource {
		// The copy is obsolete; drop it and report success.
		if existing != nil {
			if err := h.Storage.DeleteObject(r.Context(), ctx.Resource.UserID, ctx.Resource.CalendarID, ctx.Resource.ObjectID); err != nil {
				h.Logger.Warn("failed to drop obsolete copy", "path", r.URL.Path, "error", err)
			}
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	stored := outcome.Object
	if stored == nil {
		stored = proposed
	}
	obj := &storage.CalendarObject{
		ID:         ctx.Resource.ObjectID,
		CalendarID: ctx.Resource.CalendarID,
		UserID:     ctx.Resource.UserID,
		Path:       r.URL.Path,
		Data:       stored.Cal,
	}
	etag, err := h.Storage.PutObject(r.Context(), obj)
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("ETag", `"`+etag+`"`)
	if existing == nil {
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusNoContent)
	}
}

// writeSchedulingError maps scheduling failures onto HTTP statuses.
func (h *Handler) writeSchedulingError(w http.ResponseWriter, err error) {
	var ve *scheduling.ValidationError
	if errors.As(err, &ve) {
		http.Error(w, ve.Error(), http.StatusForbidden)
		return
	}
	var ce *scheduling.ConflictError
	if errors.As(err, &ce) {
		http.Error(w, ce.Error(), http.StatusConflict)
		return
	}
	h.Logger.Error("scheduling failed", "error", err)
	http.Error(w, "scheduling failed", http.StatusInternalServerError)
}

func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.Trim(strings.TrimSpace(candidate), `"`)
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}
