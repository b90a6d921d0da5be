package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"

	mng "github.com/Hasganter/markdown-web/internal/manager"
	"github.com/Hasganter/markdown-web/internal/metrics"
	"github.com/Hasganter/markdown-web/internal/settings"
)

// maxBodyBytes bounds POST /config bodies.
const maxBodyBytes = 1 << 20

// ConfigStore is the live configuration served and mutated by the router.
type ConfigStore interface {
	Snapshot() map[string]any
	Update(key string, value any) (string, error)
}

// StatusProvider reports the supervised processes.
type StatusProvider interface {
	Status() []mng.ProcessStatus
}

// Router serves the control plane:
//
//	GET  /config   full live configuration
//	POST /config   {"key": ..., "value": ...} updates one modifiable setting
//	GET  /status   supervised processes with liveness and restart state
//	GET  /metrics  Prometheus metrics
//
// Everything else is 404.
type Router struct {
	store   ConfigStore
	status  StatusProvider
	metrics http.Handler
}

// NewRouter builds a Router. status may be nil; metricsHandler defaults to
// the default Prometheus registry.
func NewRouter(store ConfigStore, status StatusProvider, metricsHandler http.Handler) *Router {
	if metricsHandler == nil {
		metricsHandler = metrics.Handler()
	}
	return &Router{store: store, status: status, metrics: metricsHandler}
}

// Handler returns the gin engine as an http.Handler.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/config", r.handleGetConfig)
	g.POST("/config", r.handleSetConfig)
	g.GET("/status", r.handleStatus)
	g.GET("/metrics", gin.WrapH(r.metrics))
	g.NoRoute(func(c *gin.Context) {
		c.String(http.StatusNotFound, "Not Found")
	})
	return g
}

type errorResp struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

type successResp struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type statusResp struct {
	Processes []mng.ProcessStatus `json:"processes"`
}

func (r *Router) handleGetConfig(c *gin.Context) {
	b, err := json.Marshal(r.store.Snapshot())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: "Failed to serialize config", Detail: err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", b)
}

func (r *Router) handleSetConfig(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "Bad Request", Detail: "Invalid JSON"})
		return
	}
	key, value, err := parseUpdate(body)
	if err != nil {
		if errors.Is(err, errMissingField) {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "Bad Request", Detail: "'key' and 'value' are required."})
		} else {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "Bad Request", Detail: "Invalid JSON"})
		}
		metrics.IncConfigUpdate("bad_request")
		return
	}

	msg, err := r.store.Update(key, value)
	var rej *settings.RejectedError
	switch {
	case err == nil:
		metrics.IncConfigUpdate("success")
		writeJSON(c, http.StatusOK, successResp{Status: "success", Message: msg})
	case errors.As(err, &rej):
		metrics.IncConfigUpdate("rejected")
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "Update Failed", Detail: rej.Message})
	default:
		metrics.IncConfigUpdate("error")
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: "Internal Server Error", Detail: err.Error()})
	}
}

func (r *Router) handleStatus(c *gin.Context) {
	resp := statusResp{Processes: []mng.ProcessStatus{}}
	if r.status != nil {
		resp.Processes = append(resp.Processes, r.status.Status()...)
	}
	writeJSON(c, http.StatusOK, resp)
}
