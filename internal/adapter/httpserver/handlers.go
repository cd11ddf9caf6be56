package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/cloudsketch/diagen/internal/config"
	"github.com/cloudsketch/diagen/internal/domain"
	"github.com/cloudsketch/diagen/internal/usecase"
)

// Server wires the broker into HTTP handlers.
type Server struct {
	cfg      config.Config
	broker   *usecase.Broker
	bus      domain.EventBus
	validate *validator.Validate
}

// NewServer constructs a Server.
func NewServer(cfg config.Config, broker *usecase.Broker, bus domain.EventBus) *Server {
	return &Server{
		cfg:      cfg,
		broker:   broker,
		bus:      bus,
		validate: validator.New(),
	}
}

// submitRequest is the submit payload. Unknown fields are dropped by the
// decoder; enum fields are validated here, defaults applied by the broker.
type submitRequest struct {
	Prompt       string `json:"prompt" validate:"omitempty,max=8192"`
	TemplateID   string `json:"template_id" validate:"omitempty,max=64"`
	Style        string `json:"style" validate:"omitempty,oneof=azure aws gcp k8s generic"`
	Quality      string `json:"quality" validate:"omitempty,oneof=simple standard enterprise"`
	DiagramType  string `json:"diagram_type" validate:"omitempty,oneof=raster exchange-document"`
	OutputFormat string `json:"output_format" validate:"omitempty,oneof=png svg"`
}

type submitResponse struct {
	JobID            string `json:"job_id"`
	Position         int    `json:"position"`
	EstimatedWaitSec int    `json:"estimated_wait_seconds"`
}

// SubmitHandler handles POST /v1/diagrams.
func (s *Server) SubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subject, ok := SubjectFrom(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{Code: "UNAUTHORIZED", Message: "no subject"}})
			return
		}
		var req submitRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("op=http.submit: %w: invalid json: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if err := s.validate.Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("op=http.submit: %w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		receipt, err := s.broker.Submit(r.Context(), subject, domain.DiagramSpec{
			Prompt:       req.Prompt,
			TemplateID:   req.TemplateID,
			Style:        req.Style,
			Quality:      req.Quality,
			DiagramType:  req.DiagramType,
			OutputFormat: req.OutputFormat,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, submitResponse{
			JobID:            receipt.JobID,
			Position:         receipt.Position,
			EstimatedWaitSec: int(receipt.EstimatedWait / time.Second),
		})
	}
}

type jobView struct {
	ID          string        `json:"id"`
	State       string        `json:"state"`
	Attempts    int           `json:"attempts"`
	SubmittedAt time.Time     `json:"submitted_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	Result      *resultView   `json:"result,omitempty"`
	Error       *jobErrorView `json:"error,omitempty"`
}

type resultView struct {
	RasterB64   string `json:"raster_b64"`
	RasterMIME  string `json:"raster_mime"`
	Source      string `json:"source"`
	ExchangeXML string `json:"exchange_xml,omitempty"`
	TokensIn    int64  `json:"tokens_in"`
	TokensOut   int64  `json:"tokens_out"`
}

type jobErrorView struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func newJobView(j domain.Job) jobView {
	v := jobView{
		ID:          j.ID,
		State:       string(j.State),
		Attempts:    j.Attempts,
		SubmittedAt: j.SubmittedAt,
		UpdatedAt:   j.UpdatedAt,
	}
	if j.Result != nil {
		v.Result = &resultView{
			RasterB64:   j.Result.RasterB64,
			RasterMIME:  j.Result.RasterMIME,
			Source:      j.Result.Source,
			ExchangeXML: j.Result.ExchangeXML,
			TokensIn:    j.Result.TokensIn,
			TokensOut:   j.Result.TokensOut,
		}
	}
	if j.ErrorKind != domain.ErrKindNone {
		v.Error = &jobErrorView{Kind: string(j.ErrorKind), Message: j.ErrorMsg}
	}
	return v
}

// QueryHandler handles GET /v1/diagrams/{id}.
func (s *Server) QueryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subject, ok := SubjectFrom(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{Code: "UNAUTHORIZED", Message: "no subject"}})
			return
		}
		job, err := s.broker.Query(r.Context(), subject.Key, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, newJobView(job))
	}
}

// CancelHandler handles DELETE /v1/diagrams/{id}.
func (s *Server) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subject, ok := SubjectFrom(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{Code: "UNAUTHORIZED", Message: "no subject"}})
			return
		}
		cancelled, err := s.broker.Cancel(r.Context(), subject.Key, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
	}
}
