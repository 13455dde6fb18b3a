package caldav

import (
	"errors"
	"net/http"

	"github.com/cyp0633/caldora-scheduling/server/calobj"
	"github.com/cyp0633/caldora-scheduling/server/scheduling"
	"github.com/cyp0633/caldora-scheduling/server/storage"
)

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, ctx *RequestContext) {
	switch ctx.Resource.ResourceType {
	case ResourceObject:
		h.deleteObject(w, r, ctx)
	case ResourceInboxItem:
		h.deleteInboxItem(w, r, ctx)
	default:
		http.Error(w, "DELETE is only supported on objects and inbox items", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) deleteObject(w http.ResponseWriter, r *http.Request, ctx *RequestContext) {
	existing, err := h.Storage.GetObject(r.Context(), ctx.Resource.UserID, ctx.Resource.CalendarID, ctx.Resource.ObjectID)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "no such object", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	if match := r.Header.Get("If-Match"); match != "" && !etagMatches(match, existing.ETag) {
		http.Error(w, "etag mismatch", http.StatusPreconditionFailed)
		return
	}

	op := &scheduling.WriteOp{
		UserID:       ctx.Resource.UserID,
		CalendarID:   ctx.Resource.CalendarID,
		ObjectID:     ctx.Resource.ObjectID,
		ResourcePath: r.URL.Path,
	}
	if old, err := calobj.New(existing.Data); err == nil {
		op.Old = old
	}

	if _, err := h.Engine.Scheduler.ProcessWrite(r.Context(), op); err != nil {
		h.writeSchedulingError(w, err)
		return
	}

	if err := h.Storage.DeleteObject(r.Context(), ctx.Resource.UserID, ctx.Resource.CalendarID, ctx.Resource.ObjectID); err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteInboxItem(w http.ResponseWriter, r *http.Request, ctx *RequestContext) {
	err := h.Storage.DeleteInboxItem(r.Context(), ctx.Resource.UserID, ctx.Resource.ObjectID)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "no such inbox item", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
