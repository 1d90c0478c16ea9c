package httpserver

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/deepr-dev/deepr/internal/campaign"
	"github.com/deepr-dev/deepr/internal/config"
	"github.com/deepr-dev/deepr/internal/domain"
	"github.com/deepr-dev/deepr/internal/eventbus"
	"github.com/deepr-dev/deepr/internal/queue"
	"github.com/deepr-dev/deepr/internal/usecase"
)

// Server binds the usecase services to the REST surface.
type Server struct {
	Jobs      usecase.JobService
	Campaigns usecase.CampaignService
	Experts   usecase.ExpertService
	Costs     usecase.CostService
	Bus       *eventbus.Bus
	Cfg       config.Config
}

// NewServer constructs the handler set.
func NewServer(jobs usecase.JobService, campaigns usecase.CampaignService,
	experts usecase.ExpertService, costs usecase.CostService,
	bus *eventbus.Bus, cfg config.Config) *Server {
	return &Server{Jobs: jobs, Campaigns: campaigns, Experts: experts, Costs: costs, Bus: bus, Cfg: cfg}
}

// Mount registers all API routes on r.
func (s *Server) Mount(r chi.Router) {
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.enqueueJob)
		r.Get("/", s.listJobs)
		r.Get("/stuck", s.listStuck)
		r.Get("/{id}", s.getJob)
		r.Post("/{id}/cancel", s.cancelJob)
	})
	r.Get("/results/{id}", s.getResult)

	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/", s.createCampaign)
		r.Get("/", s.listCampaigns)
		r.Get("/{id}", s.getCampaign)
		r.Get("/{id}/results", s.campaignResults)
		r.Post("/{id}/start", s.campaignAction(s.Campaigns.Start))
		r.Post("/{id}/pause", s.campaignAction(s.Campaigns.Pause))
		r.Post("/{id}/resume", s.campaignAction(s.Campaigns.Resume))
		r.Post("/{id}/cancel", s.campaignAction(s.Campaigns.Cancel))
	})

	r.Route("/experts", func(r chi.Router) {
		r.Post("/", s.createExpert)
		r.Get("/", s.listExperts)
		r.Get("/{id}", s.getExpert)
		r.Post("/{id}/documents", s.uploadDocuments)
		r.Post("/{id}/query", s.queryExpert)
		r.Get("/{id}/beliefs", s.listBeliefs)
		r.Get("/{id}/gaps", s.listGaps)
		r.Post("/{id}/gaps", s.recordGap)
		r.Post("/{id}/gaps/{gapID}/fill", s.fillGap)
		r.Post("/{id}/learn", s.learn)
		r.Post("/{id}/learn/stop", s.stopLearning)
	})

	r.Get("/costs", s.costSummary)
	r.Get("/costs/jobs/{id}", s.costsByJob)
	r.Get("/events", s.events)
}

// jobResponse is the wire shape of a job.
type jobResponse struct {
	ID            string            `json:"id"`
	Status        string            `json:"status"`
	Prompt        string            `json:"prompt,omitempty"`
	Model         string            `json:"model"`
	Provider      string            `json:"provider"`
	Priority      int               `json:"priority"`
	Progress      float64           `json:"progress"`
	EstimatedCost float64           `json:"estimated_cost"`
	ActualCost    float64           `json:"actual_cost,omitempty"`
	BudgetCap     float64           `json:"budget_cap,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Error         *domain.JobError  `json:"error,omitempty"`
	ResultRef     string            `json:"result_ref,omitempty"`
	StuckFlagged  bool              `json:"stuck_flagged,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

func toJobResponse(j domain.Job, includePrompt bool) jobResponse {
	out := jobResponse{
		ID:            j.ID,
		Status:        string(j.Status),
		Model:         j.Model,
		Provider:      j.Provider,
		Priority:      j.Priority,
		Progress:      j.Progress,
		EstimatedCost: j.EstimatedCost,
		ActualCost:    j.ActualCost,
		BudgetCap:     j.BudgetCap,
		Metadata:      j.Metadata,
		Error:         j.Error,
		ResultRef:     j.ResultRef,
		StuckFlagged:  j.StuckFlagged,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
		CompletedAt:   j.CompletedAt,
	}
	if includePrompt {
		out.Prompt = j.Prompt
	}
	return out
}

func (s *Server) enqueueJob(w http.ResponseWriter, r *http.Request) {
	var req enqueueJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	in := queue.EnqueueInput{
		Prompt:         req.Prompt,
		Model:          req.Model,
		Provider:       req.Provider,
		VectorStoreRef: req.VectorStoreRef,
		BudgetCap:      req.BudgetCap,
		Metadata:       req.Metadata,
		Priority:       req.Priority,
		Override:       req.Override,
	}
	for _, t := range req.Tools {
		in.Tools = append(in.Tools, t.toDomain())
	}
	if req.EnableWebSearch && !hasTool(in.Tools, domain.ToolWebSearch) {
		in.Tools = append(in.Tools, domain.Tool{Kind: domain.ToolWebSearch})
	}
	if key := r.Header.Get("X-Idempotency-Key"); key != "" {
		in.IdemKey = &key
	}
	job, err := s.Jobs.Enqueue(r.Context(), in)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusAccepted, toJobResponse(job, false))
}

func hasTool(tools []domain.Tool, kind domain.ToolKind) bool {
	for _, t := range tools {
		if t.Kind == kind {
			return true
		}
	}
	return false
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	f := domain.JobFilter{
		Status:   domain.JobStatus(r.URL.Query().Get("status")),
		Provider: r.URL.Query().Get("provider"),
		Limit:    queryInt(r, "limit"),
		Offset:   queryInt(r, "offset"),
	}
	jobs, err := s.Jobs.List(r.Context(), f)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResponse(j, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (s *Server) listStuck(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.Jobs.Stuck(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResponse(j, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job, true))
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Jobs.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job, false))
}

func (s *Server) getResult(w http.ResponseWriter, r *http.Request) {
	job, result, err := s.Jobs.Result(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	body := map[string]any{"id": job.ID, "status": string(job.Status)}
	if job.Error != nil {
		body["error"] = job.Error
	}
	if result != nil {
		body["result"] = result
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) createCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	in := campaign.CreateInput{
		Goal:         req.Goal,
		BudgetCap:    req.BudgetCap,
		AutoContinue: req.AutoContinue,
		MaxRounds:    req.MaxRounds,
	}
	for _, t := range req.Topics {
		in.Topics = append(in.Topics, t.toDomain())
	}
	c, err := s.Campaigns.Create(r.Context(), in)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) listCampaigns(w http.ResponseWriter, r *http.Request) {
	list, err := s.Campaigns.List(r.Context(), queryInt(r, "limit"), queryInt(r, "offset"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaigns": list})
}

func (s *Server) getCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.Campaigns.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) campaignResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.Campaigns.Results(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) campaignAction(fn func(domain.Context, string) (domain.Campaign, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := fn(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func (s *Server) createExpert(w http.ResponseWriter, r *http.Request) {
	var req createExpertRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	e, err := s.Experts.Create(r.Context(), req.Name, req.Domain, nil)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) listExperts(w http.ResponseWriter, r *http.Request) {
	list, err := s.Experts.List(r.Context(), queryInt(r, "limit"), queryInt(r, "offset"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"experts": list})
}

func (s *Server) getExpert(w http.ResponseWriter, r *http.Request) {
	e, err := s.Experts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) uploadDocuments(w http.ResponseWriter, r *http.Request) {
	limit := s.Cfg.MaxUploadMB << 20
	if limit <= 0 {
		limit = 10 << 20
	}
	if err := r.ParseMultipartForm(limit); err != nil {
		writeError(w, r, domain.ErrInvalidArgument, err.Error())
		return
	}
	files := r.MultipartForm.File["documents"]
	if len(files) == 0 {
		writeError(w, r, domain.ErrInvalidArgument, "no documents attached")
		return
	}
	var docs []domain.Document
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			writeError(w, r, domain.ErrInvalidArgument, err.Error())
			return
		}
		data, err := io.ReadAll(io.LimitReader(f, limit))
		_ = f.Close()
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		docs = append(docs, domain.Document{
			Name:  fh.Filename,
			Bytes: data,
			MIME:  fh.Header.Get("Content-Type"),
		})
	}
	refs, err := s.Experts.Upload(r.Context(), chi.URLParam(r, "id"), docs)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"doc_refs": refs})
}

func (s *Server) queryExpert(w http.ResponseWriter, r *http.Request) {
	var req queryExpertRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	res, err := s.Experts.Query(r.Context(), chi.URLParam(r, "id"), req.Question)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listBeliefs(w http.ResponseWriter, r *http.Request) {
	beliefs, err := s.Experts.Beliefs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"beliefs": beliefs})
}

func (s *Server) listGaps(w http.ResponseWriter, r *http.Request) {
	openOnly := r.URL.Query().Get("open") != "false"
	gaps, err := s.Experts.Gaps(r.Context(), chi.URLParam(r, "id"), openOnly)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"gaps": gaps})
}

func (s *Server) recordGap(w http.ResponseWriter, r *http.Request) {
	var req recordGapRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	gap, err := s.Experts.RecordGap(r.Context(), chi.URLParam(r, "id"), req.Topic, req.Priority)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, gap)
}

func (s *Server) fillGap(w http.ResponseWriter, r *http.Request) {
	var req fillGapRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	campaignID, err := s.Experts.FillGap(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "gapID"), req.Budget)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"campaign_id": campaignID})
}

func (s *Server) learn(w http.ResponseWriter, r *http.Request) {
	var req learnRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	if err := s.Experts.Learn(r.Context(), chi.URLParam(r, "id"), req.Budget, req.TopK); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "learning"})
}

func (s *Server) stopLearning(w http.ResponseWriter, r *http.Request) {
	if err := s.Experts.StopLearning(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "stopped"})
}

func (s *Server) costSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.Costs.Summary(r.Context(), r.URL.Query().Get("period"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) costsByJob(w http.ResponseWriter, r *http.Request) {
	entries, err := s.Costs.ByJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func queryInt(r *http.Request, name string) int {
	v, _ := strconv.Atoi(r.URL.Query().Get(name))
	return v
}
