package ingest

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	logx "batchmon/pkg/logx"
)

type HTTPConfig struct {
	// Token is required as a bearer token. Without one every request is
	// refused unless AllowInsecure is set.
	Token         string
	AllowInsecure bool
	MaxBody       int64
}

// HTTPHandler serves POST /ingest/{topic}/{entityId}.
type HTTPHandler struct {
	cfg  HTTPConfig
	sink Sink
	log  logx.Logger
}

func NewHTTPHandler(cfg HTTPConfig, sink Sink, log logx.Logger) *HTTPHandler {
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = 1 << 20
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HTTPHandler{cfg: cfg, sink: sink, log: log.With(logx.String("comp", "ingest.http"))}
}

// Register mounts the handler on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.Handle("POST /ingest/{topic}/{entityId}", h)
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeResult(w, http.StatusUnauthorized, Result{Error: "unauthorized"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBody))
	if err != nil {
		writeResult(w, http.StatusRequestEntityTooLarge, Result{Error: err.Error()})
		return
	}

	topic, entity := r.PathValue("topic"), r.PathValue("entityId")
	v, err := h.sink.IngestJSON(topic, entity, body)
	if err != nil {
		h.log.Debug("ingest rejected", logx.String("topic", topic), logx.String("entity", entity), logx.Err(err))
		writeResult(w, status(err), Result{Error: err.Error()})
		return
	}
	writeResult(w, http.StatusAccepted, Result{Version: v})
}

func (h *HTTPHandler) authorized(r *http.Request) bool {
	tok := strings.TrimSpace(h.cfg.Token)
	if tok == "" {
		return h.cfg.AllowInsecure
	}
	const p = "Bearer "
	ah := r.Header.Get("Authorization")
	if !strings.HasPrefix(ah, p) {
		return false
	}
	got := strings.TrimSpace(strings.TrimPrefix(ah, p))
	return subtle.ConstantTimeCompare([]byte(got), []byte(tok)) == 1
}

func writeResult(w http.ResponseWriter, code int, res Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(res)
}
