package router

import (
	"fmt"
	"time"

	"github.com/mohammed-shakir/geofilter/internal/catalog"
	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/history"
	"github.com/mohammed-shakir/geofilter/internal/orchestrator"
	"github.com/mohammed-shakir/geofilter/internal/structures"
	"github.com/mohammed-shakir/geofilter/pkg/adaptive"
)

type filterBody struct {
	Source           string            `json:"source"`
	Targets          []string          `json:"targets"`
	Predicates       []string          `json:"predicates"`
	PredicateCombine string            `json:"predicate_combine"`
	Distance         float64           `json:"distance"`
	Buffer           float64           `json:"buffer"`
	SourceCombine    string            `json:"source_combine"`
	TargetCombine    string            `json:"target_combine"`
	PreExisting      map[string]string `json:"pre_existing"`
	SourceFeatureIDs []string          `json:"source_feature_ids"`
	Overrides        map[string]string `json:"overrides"`
	Description      string            `json:"description"`
}

func (b filterBody) request() (model.FilterRequest, error) {
	req := model.FilterRequest{
		Source:           b.Source,
		Targets:          b.Targets,
		Distance:         b.Distance,
		Buffer:           b.Buffer,
		PreExisting:      b.PreExisting,
		SourceFeatureIDs: b.SourceFeatureIDs,
		Description:      b.Description,
	}
	for _, s := range b.Predicates {
		p, err := model.ParsePredicate(s)
		if err != nil {
			return req, err
		}
		req.Predicates = append(req.Predicates, p)
	}
	var err error
	if req.PredicateCombine, err = model.ParseCombine(b.PredicateCombine); err != nil {
		return req, err
	}
	if req.SourceCombine, err = model.ParseCombine(b.SourceCombine); err != nil {
		return req, err
	}
	if req.TargetCombine, err = model.ParseCombine(b.TargetCombine); err != nil {
		return req, err
	}
	if len(b.Overrides) > 0 {
		req.Overrides = make(map[string]model.BackendKind, len(b.Overrides))
		for c, s := range b.Overrides {
			k, err := model.ParseBackendKind(s)
			if err != nil {
				return req, fmt.Errorf("override for %s: %w", c, err)
			}
			req.Overrides[c] = k
		}
	}
	return req, nil
}

type errorJSON struct {
	Error string `json:"error"`
	Class string `json:"class,omitempty"`
}

type resultJSON struct {
	Collection string  `json:"collection"`
	Success    bool    `json:"success"`
	Expression string  `json:"expression,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	Remedy     string  `json:"remedy,omitempty"`
	Class      string  `json:"class,omitempty"`
	Count      *int64  `json:"count,omitempty"`
	DurationMS float64 `json:"duration_ms"`
	Backend    string  `json:"backend,omitempty"`
	Path       string  `json:"path,omitempty"`
	Structure  string  `json:"structure,omitempty"`
	CacheHit   bool    `json:"cache_hit"`
	Fallback   bool    `json:"fallback"`
	Eroded     bool    `json:"eroded"`
}

type geometryJSON struct {
	Input            int  `json:"input"`
	Valid            int  `json:"valid"`
	Eroded           int  `json:"eroded"`
	Invalid          int  `json:"invalid"`
	Size             int  `json:"size"`
	Simplified       bool `json:"simplified"`
	PrecisionReduced bool `json:"precision_reduced"`
	Dissolved        bool `json:"dissolved"`
	Approximate      bool `json:"approximate"`
}

type runJSON struct {
	RunID           string       `json:"run_id"`
	Success         bool         `json:"success"`
	Phase           string       `json:"phase"`
	Results         []resultJSON `json:"results"`
	Geometry        geometryJSON `json:"geometry"`
	Reason          string       `json:"reason,omitempty"`
	Remedy          string       `json:"remedy,omitempty"`
	Class           string       `json:"class,omitempty"`
	DurationMS      float64      `json:"duration_ms"`
	HistoryRecorded bool         `json:"history_recorded"`
}

func ms(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }

func runView(r model.RunResult) runJSON {
	out := runJSON{
		RunID:           r.RunID,
		Success:         r.Success,
		Phase:           string(r.Phase),
		Results:         make([]resultJSON, len(r.Results)),
		Geometry:        geometryJSON(r.Geometry),
		Reason:          r.Reason,
		Remedy:          r.Remedy,
		Class:           string(r.Class),
		DurationMS:      ms(r.Duration),
		HistoryRecorded: r.HistoryRecorded,
	}
	for i, fr := range r.Results {
		v := resultJSON{
			Collection: fr.Collection,
			Success:    fr.Success,
			Expression: fr.Expression,
			Reason:     fr.Reason,
			Remedy:     fr.Remedy,
			Class:      string(fr.Class),
			DurationMS: ms(fr.Duration),
			Backend:    string(fr.Backend),
			Path:       string(fr.Path),
			Structure:  fr.Structure,
			CacheHit:   fr.CacheHit,
			Fallback:   fr.Fallback,
			Eroded:     fr.Eroded,
		}
		if fr.CountKnown {
			n := fr.Count
			v.Count = &n
		}
		out.Results[i] = v
	}
	return out
}

type jobJSON struct {
	RunID     string    `json:"run_id"`
	Phase     string    `json:"phase"`
	Percent   int       `json:"percent"`
	Message   string    `json:"message,omitempty"`
	Done      bool      `json:"done"`
	Submitted time.Time `json:"submitted"`
	Result    *runJSON  `json:"result,omitempty"`
}

func jobView(s orchestrator.JobStatus) jobJSON {
	out := jobJSON{
		RunID:     s.ID,
		Phase:     string(s.Progress.Phase),
		Percent:   s.Progress.Percent,
		Message:   s.Progress.Message,
		Done:      s.Done,
		Submitted: s.Submitted,
	}
	if s.Result != nil {
		rv := runView(*s.Result)
		out.Result = &rv
		out.Phase = rv.Phase
	}
	return out
}

type stateJSON struct {
	Expression  string    `json:"expression"`
	Description string    `json:"description,omitempty"`
	Count       *int64    `json:"count,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitzero"`
}

func stateView(s catalog.FilterState) stateJSON {
	out := stateJSON{Expression: s.Expression, Description: s.Description, UpdatedAt: s.UpdatedAt}
	if s.CountKnown {
		n := s.Count
		out.Count = &n
	}
	return out
}

type entryJSON struct {
	ID          uint64    `json:"id"`
	Kind        string    `json:"kind"`
	RunID       string    `json:"run_id,omitempty"`
	Description string    `json:"description,omitempty"`
	At          time.Time `json:"at"`
	Collections []string  `json:"collections"`
}

func entryView(e history.Entry) entryJSON {
	return entryJSON{
		ID:          e.ID,
		Kind:        string(e.Kind),
		RunID:       e.RunID,
		Description: e.Description,
		At:          e.At,
		Collections: e.Collections(),
	}
}

type collectionJSON struct {
	ID       string    `json:"id"`
	Backend  string    `json:"backend"`
	Source   string    `json:"source"`
	SRID     int       `json:"srid"`
	Estimate *int64    `json:"estimate,omitempty"`
	Exact    bool      `json:"estimate_exact"`
	Override string    `json:"override,omitempty"`
	Fallback string    `json:"fallback,omitempty"`
	Version  int64     `json:"version"`
	Filter   stateJSON `json:"filter"`
}

func collectionView(c catalog.Collection) collectionJSON {
	d := c.Descriptor(true)
	out := collectionJSON{
		ID:       c.ID,
		Backend:  string(c.Kind),
		Source:   d.Source,
		SRID:     c.SRID,
		Exact:    c.EstimateExact,
		Override: string(c.Override),
		Fallback: c.Fallback,
		Version:  c.Version,
		Filter:   stateView(c.Filter),
	}
	if c.EstimateKnown {
		n := c.Estimate
		out.Estimate = &n
	}
	return out
}

type choiceJSON struct {
	Collection string `json:"collection"`
	Backend    string `json:"backend,omitempty"`
	Path       string `json:"path,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

type summaryJSON struct {
	Choices   []choiceJSON   `json:"choices"`
	ByBackend map[string]int `json:"by_backend"`
	ByPath    map[string]int `json:"by_path"`
	Failed    int            `json:"failed"`
}

func summaryView(s adaptive.Summary) summaryJSON {
	out := summaryJSON{
		Choices:   make([]choiceJSON, 0, len(s.Choices)),
		ByBackend: make(map[string]int, len(s.ByBackend)),
		ByPath:    make(map[string]int, len(s.ByPath)),
		Failed:    s.Failed,
	}
	for _, c := range s.Choices {
		v := choiceJSON{Collection: c.Collection}
		if c.Err != nil {
			v.Error = c.Err.Error()
		} else {
			v.Backend = string(c.Decision.Kind)
			v.Path = string(c.Decision.Path)
			v.Reason = string(c.Reason)
		}
		out.Choices = append(out.Choices, v)
	}
	for k, n := range s.ByBackend {
		out.ByBackend[string(k)] = n
	}
	for p, n := range s.ByPath {
		out.ByPath[string(p)] = n
	}
	return out
}

type reportJSON struct {
	Dropped []string `json:"dropped"`
	Failed  []string `json:"failed,omitempty"`
	Retried int      `json:"retried"`
	Warning string   `json:"warning,omitempty"`
}

func reportView(r structures.ReclaimReport, warning string) reportJSON {
	out := reportJSON{Dropped: r.Dropped, Failed: r.Failed, Retried: r.Retried, Warning: warning}
	if out.Dropped == nil {
		out.Dropped = []string{}
	}
	return out
}
