package httpx

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/splax/togglemetrics/internal/domain"
	"github.com/splax/togglemetrics/internal/validate"
)

func (r *Router) handleClientMetrics(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	body := http.MaxBytesReader(w, req.Body, r.maxBodyBytes)
	if err := r.metrics.ReportMetrics(req.Context(), body, clientIP(req)); err != nil {
		r.writeIngestError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (r *Router) handleClientRegister(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	body := http.MaxBytesReader(w, req.Body, r.maxBodyBytes)
	if err := r.metrics.RegisterClient(req.Context(), body, clientIP(req)); err != nil {
		r.writeIngestError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (r *Router) writeIngestError(w http.ResponseWriter, req *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	var vErr *validate.Error
	if errors.As(err, &vErr) {
		writeJSON(w, http.StatusBadRequest, vErr)
		return
	}
	r.logger.Error("client report failed", "path", req.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (r *Router) handleSeenToggles(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	byApp, err := r.metrics.SeenAppsWithToggles(req.Context())
	if err != nil {
		r.writeQueryError(w, req, err)
		return
	}
	out := make([]domain.AppSeenToggles, 0, len(byApp))
	for app, toggles := range byApp {
		out = append(out, domain.AppSeenToggles{AppName: app, SeenToggles: toggles})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppName < out[j].AppName })
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) handleSeenTogglesByApp(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	appName, ok := pathParam(req, seenTogglesPath+"/")
	if !ok {
		r.notFound(w)
		return
	}
	toggles, err := r.metrics.SeenTogglesByApp(req.Context(), appName)
	if err != nil {
		r.writeQueryError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.AppSeenToggles{AppName: appName, SeenToggles: toggles})
}

func (r *Router) handleFeatureToggleCounts(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	counts, err := r.metrics.GlobalToggleCounts(req.Context())
	if err != nil {
		r.writeQueryError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (r *Router) handleStrategies(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	appName := strings.TrimSpace(req.URL.Query().Get("appName"))
	if appName == "" {
		all, err := r.metrics.AllStrategies(req.Context())
		if err != nil {
			r.writeQueryError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, all)
		return
	}
	strategies, err := r.metrics.Strategies(req.Context(), appName)
	if err != nil {
		r.writeQueryError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, strategies)
}

func (r *Router) handleApplications(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	apps, err := r.metrics.Applications(req.Context())
	if err != nil {
		r.writeQueryError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applications": apps})
}

func (r *Router) handleApplicationDetail(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	appName, ok := pathParam(req, applicationsPath+"/")
	if !ok {
		r.notFound(w)
		return
	}
	detail, err := r.metrics.ApplicationDetail(req.Context(), appName)
	if err != nil {
		r.writeQueryError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (r *Router) writeQueryError(w http.ResponseWriter, req *http.Request, err error) {
	r.logger.Error("client telemetry query failed", "path", req.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}
