// Package router maps the HTTP control surface onto the orchestrator.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/geofilter/internal/catalog"
	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/history"
	mylog "github.com/mohammed-shakir/geofilter/internal/logger"
	"github.com/mohammed-shakir/geofilter/internal/orchestrator"
	"github.com/mohammed-shakir/geofilter/internal/structures"
	"github.com/mohammed-shakir/geofilter/pkg/adaptive"
)

// Engine is the part of the orchestrator the surface drives.
type Engine interface {
	Submit(ctx context.Context, req model.FilterRequest) string
	Wait(ctx context.Context, id string) (model.RunResult, error)
	Status(id string) (orchestrator.JobStatus, error)
	Cancel(id string) error
	Undo(ctx context.Context, collection string) (history.Entry, error)
	Redo(ctx context.Context, collection string) (history.Entry, error)
	Clear(ctx context.Context, description string) (bool, error)
	Optimize(ctx context.Context) adaptive.Summary
	Invalidate(id string) error
}

type Collections interface {
	List() []catalog.Collection
}

type Structures interface {
	Reclaim(ctx context.Context, age time.Duration) (structures.ReclaimReport, error)
	DropAll(ctx context.Context) (structures.ReclaimReport, error)
}

type Config struct {
	ReclaimAge   time.Duration // used when older_than is absent
	MaxBodyBytes int64
}

type API struct {
	cfg  Config
	log  zerolog.Logger
	eng  Engine
	cols Collections
	st   Structures // nil when no backend holds structures
}

func New(cfg Config, log zerolog.Logger, eng Engine, cols Collections, st Structures) *API {
	if cfg.ReclaimAge <= 0 {
		cfg.ReclaimAge = time.Hour
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &API{cfg: cfg, log: log, eng: eng, cols: cols, st: st}
}

func (a *API) Routes(r chi.Router) {
	r.Post("/filters", a.submit)
	r.Get("/jobs/{id}", a.status)
	r.Delete("/jobs/{id}", a.cancel)
	r.Post("/undo", a.undo)
	r.Post("/redo", a.redo)
	r.Post("/clear", a.clear)
	r.Post("/optimize", a.optimize)
	r.Get("/collections", a.collections)
	r.Post("/collections/{id}/invalidate", a.invalidate)
	r.Post("/structures/reclaim", a.reclaim)
	r.Delete("/structures", a.dropAll)
}

func (a *API) submit(w http.ResponseWriter, r *http.Request) {
	var body filterBody
	if err := a.decode(w, r, &body); err != nil {
		a.fail(w, r, err)
		return
	}
	req, err := body.request()
	if err == nil {
		err = req.Validate()
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	id := a.eng.Submit(r.Context(), req)
	mylog.FromContext(r.Context(), &a.log).Info().
		Str("run_id", id).
		Str("source", req.Source).
		Strs("targets", req.Targets).
		Msg("filter_submitted")

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		res, err := a.eng.Wait(r.Context(), id)
		if err == nil {
			writeJSON(w, http.StatusOK, runView(res))
			return
		}
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			a.fail(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id})
}

func (a *API) status(w http.ResponseWriter, r *http.Request) {
	st, err := a.eng.Status(chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobView(st))
}

func (a *API) cancel(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.Cancel(chi.URLParam(r, "id")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) undo(w http.ResponseWriter, r *http.Request) {
	e, err := a.eng.Undo(r.Context(), r.URL.Query().Get("collection"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entryView(e))
}

func (a *API) redo(w http.ResponseWriter, r *http.Request) {
	e, err := a.eng.Redo(r.Context(), r.URL.Query().Get("collection"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entryView(e))
}

func (a *API) clear(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Description string `json:"description"`
	}
	if err := a.decode(w, r, &body); err != nil {
		a.fail(w, r, err)
		return
	}
	if body.Description == "" {
		body.Description = "clear all filters"
	}
	cleared, err := a.eng.Clear(r.Context(), body.Description)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": cleared})
}

func (a *API) optimize(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, summaryView(a.eng.Optimize(r.Context())))
}

func (a *API) collections(w http.ResponseWriter, _ *http.Request) {
	cols := a.cols.List()
	out := make([]collectionJSON, len(cols))
	for i, c := range cols {
		out[i] = collectionView(c)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) invalidate(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.Invalidate(chi.URLParam(r, "id")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) reclaim(w http.ResponseWriter, r *http.Request) {
	if a.st == nil {
		a.fail(w, r, fmt.Errorf("%w: no structure manager configured", model.ErrUnavailable))
		return
	}
	age := a.cfg.ReclaimAge
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			a.fail(w, r, fmt.Errorf("%w: older_than must be a non-negative duration", model.ErrInput))
			return
		}
		age = d
	}
	rep, err := a.st.Reclaim(r.Context(), age)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reportView(rep, ""))
}

const dropAllWarning = "drops the intermediate structures of every session, including concurrent ones"

func (a *API) dropAll(w http.ResponseWriter, r *http.Request) {
	if a.st == nil {
		a.fail(w, r, fmt.Errorf("%w: no structure manager configured", model.ErrUnavailable))
		return
	}
	if ok, _ := strconv.ParseBool(r.URL.Query().Get("confirm")); !ok {
		writeJSON(w, http.StatusPreconditionRequired, errorJSON{
			Error: "confirm=true is required: " + dropAllWarning,
			Class: string(model.ClassInput),
		})
		return
	}
	rep, err := a.st.DropAll(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	mylog.FromContext(r.Context(), &a.log).Warn().Int("dropped", len(rep.Dropped)).Msg("structures_dropped_all")
	writeJSON(w, http.StatusOK, reportView(rep, dropAllWarning))
}

// decode reads an optional JSON body. An empty body leaves v untouched.
func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, a.cfg.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: body: %v", model.ErrInput, err)
	}
	return nil
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	ev := mylog.FromContext(r.Context(), &a.log).Warn()
	if code >= http.StatusInternalServerError {
		ev = mylog.FromContext(r.Context(), &a.log).Error()
	}
	ev.Err(err).Int("status", code).Str("path", r.URL.Path).Msg("request_failed")
	writeJSON(w, code, errorJSON{Error: err.Error(), Class: string(model.Classify(err))})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, history.ErrEmpty), errors.Is(err, history.ErrBlocked):
		return http.StatusConflict
	}
	switch model.Classify(err) {
	case model.ClassInput, model.ClassGeometry, model.ClassExpression:
		return http.StatusBadRequest
	case model.ClassUnavailable:
		return http.StatusServiceUnavailable
	case model.ClassCancelled:
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
