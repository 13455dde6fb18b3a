package caldav

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/cyp0633/caldora-scheduling/config"
	"github.com/cyp0633/caldora-scheduling/server/scheduling"
	"github.com/cyp0633/caldora-scheduling/server/storage"
)

// RequestContext holds parsed information about the incoming request.
type RequestContext struct {
	Resource Resource
	AuthUser string
}

// Handler is the HTTP handler for the scheduling-aware calendar
// endpoints under a specific prefix.
type Handler struct {
	Prefix  string // e.g. "/caldav/"
	Realm   string // realm for Basic Auth
	Storage storage.Storage
	Engine  *scheduling.Engine
	Config  *config.Config
	Logger  *slog.Logger
}

// NewHandler creates a Handler, normalizing the prefix.
func NewHandler(prefix, realm string, store storage.Storage, engine *scheduling.Engine, cfg *config.Config, logger *slog.Logger) *Handler {
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Prefix:  prefix,
		Realm:   realm,
		Storage: store,
		Engine:  engine,
		Config:  cfg,
		Logger:  logger,
	}
}

// ServeHTTP authenticates, parses the path, and routes by method.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.Logger.Debug("request received", "method", r.Method, "path", r.URL.Path)

	authUser, ok := h.checkAuth(w, r)
	if !ok {
		return
	}

	relativePath := strings.TrimPrefix(r.URL.Path, h.Prefix)
	resource, err := ParsePath(relativePath)
	if err != nil {
		h.Logger.Debug("failed to parse path", "path", relativePath, "error", err)
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	if resource.UserID != "" && resource.UserID != authUser {
		http.Error(w, "access denied to the requested resource", http.StatusForbidden)
		return
	}

	ctx := &RequestContext{Resource: resource, AuthUser: authUser}

	switch r.Method {
	case http.MethodPut:
		h.handlePut(w, r, ctx)
	case http.MethodGet:
		h.handleGet(w, r, ctx)
	case http.MethodDelete:
		h.handleDelete(w, r, ctx)
	case http.MethodPost:
		h.handleSchedulePost(w, r, ctx)
	default:
		http.Error(w, "method not supported", http.StatusMethodNotAllowed)
	}
}

// checkAuth performs Basic authentication against the user registry.
// The password side is delegated to the deployment's reverse proxy;
// this only establishes the principal identity.
func (h *Handler) checkAuth(w http.ResponseWriter, r *http.Request) (string, bool) {
	username, _, ok := r.BasicAuth()
	if !ok || username == "" {
		w.Header().Set("WWW-Authenticate", `Basic realm="`+h.Realm+`"`)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return "", false
	}
	if _, err := h.Storage.GetUser(r.Context(), username); err != nil {
		w.Header().Set("WWW-Authenticate", `Basic realm="`+h.Realm+`"`)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return "", false
	}
	return username, true
}
