package caldav

import (
	"errors"
	"net/http"

	"github.com/cyp0633/caldora-scheduling/server/storage"
)

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, ctx *RequestContext) {
	switch ctx.Resource.ResourceType {
	case ResourceObject:
		obj, err := h.Storage.GetObject(r.Context(), ctx.Resource.UserID, ctx.Resource.CalendarID, ctx.Resource.ObjectID)
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "no such object", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, "storage error", http.StatusInternalServerError)
			return
		}
		ics, err := storage.CalendarToICS(obj.Data)
		if err != nil {
			http.Error(w, "failed to encode object", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
		w.Header().Set("ETag", `"`+obj.ETag+`"`)
		w.Write([]byte(ics))

	case ResourceInboxItem:
		items, err := h.Storage.ListInboxItems(r.Context(), ctx.Resource.UserID)
		if err != nil {
			http.Error(w, "storage error", http.StatusInternalServerError)
			return
		}
		for _, item := range items {
			if item.ID != ctx.Resource.ObjectID {
				continue
			}
			ics, err := storage.CalendarToICS(item.Data)
			if err != nil {
				http.Error(w, "failed to encode inbox item", http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
			w.Write([]byte(ics))
			return
		}
		http.Error(w, "no such inbox item", http.StatusNotFound)

	default:
		http.Error(w, "GET is only supported on objects and inbox items", http.StatusMethodNotAllowed)
	}
}
