// Package expert implements persistent knowledge agents: belief stores with
// provenance, gap tracking and the autonomous learning loop that fills gaps
// through research campaigns.
package expert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/deepr-dev/deepr/internal/config"
	"github.com/deepr-dev/deepr/internal/domain"
	"github.com/deepr-dev/deepr/internal/eventbus"
	"github.com/deepr-dev/deepr/pkg/textx"
)

// maxBeliefsInPrompt bounds how many existing beliefs the answering and
// synthesis prompts carry.
const maxBeliefsInPrompt = 8

// unbackedConfidence is reported when no stored belief grounds an answer.
const unbackedConfidence = 0.25

// QueryResult is the grounded answer of an expert.
type QueryResult struct {
	Answer         string            `json:"answer"`
	Confidence     float64           `json:"confidence"`
	Citations      []domain.Citation `json:"citations,omitempty"`
	IdentifiedGaps []domain.Gap      `json:"identified_gaps,omitempty"`
}

// Store implements the expert operations over the repositories and the
// document store.
type Store struct {
	experts domain.ExpertRepository
	docs    domain.DocumentStore
	model   AnswerModel
	bus     *eventbus.Bus
	cfg     config.Config
}

// NewStore constructs the expert store.
func NewStore(experts domain.ExpertRepository, docs domain.DocumentStore, model AnswerModel,
	bus *eventbus.Bus, cfg config.Config) *Store {
	return &Store{experts: experts, docs: docs, model: model, bus: bus, cfg: cfg}
}

// Create registers an expert and its document-store handle. Initial documents
// are uploaded but not yet synthesised into beliefs.
func (s *Store) Create(ctx context.Context, name, domainField string, initial []domain.Document) (domain.Expert, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Expert{}, fmt.Errorf("op=expert.create: empty name: %w", domain.ErrInvalidArgument)
	}
	storeRef, err := s.docs.CreateStore(ctx, name)
	if err != nil {
		return domain.Expert{}, fmt.Errorf("op=expert.create: %w", err)
	}
	id, err := s.experts.Create(ctx, domain.Expert{
		Name:        name,
		Domain:      domainField,
		DocStoreRef: storeRef,
	})
	if err != nil {
		return domain.Expert{}, err
	}
	e, err := s.experts.Get(ctx, id)
	if err != nil {
		return domain.Expert{}, err
	}
	if len(initial) > 0 {
		if _, err := s.addDocuments(ctx, e, initial); err != nil {
			return domain.Expert{}, err
		}
	}
	s.bus.Publish(eventbus.Event{
		Topic: eventbus.ExpertTopic(name, "created"),
		Data:  map[string]any{"expert_id": id, "domain": domainField},
	})
	return e, nil
}

// Upload adds documents to the expert's corpus and synthesises beliefs from
// the enlarged corpus.
func (s *Store) Upload(ctx context.Context, expertID string, docs []domain.Document) ([]string, error) {
	e, err := s.experts.Get(ctx, expertID)
	if err != nil {
		return nil, err
	}
	refs, err := s.addDocuments(ctx, e, docs)
	if err != nil {
		return nil, err
	}
	if _, err := s.Synthesise(ctx, expertID, ""); err != nil {
		slog.Warn("post-upload synthesis failed", slog.String("expert", e.Name), slog.Any("error", err))
	}
	return refs, nil
}

func (s *Store) addDocuments(ctx context.Context, e domain.Expert, docs []domain.Document) ([]string, error) {
	for i := range docs {
		if docs[i].MIME == "" {
			docs[i].MIME = mimetype.Detect(docs[i].Bytes).String()
		}
	}
	refs, err := s.docs.Add(ctx, e.DocStoreRef, docs)
	if err != nil {
		return nil, fmt.Errorf("op=expert.upload: %w", err)
	}
	s.bus.Publish(eventbus.Event{
		Topic: eventbus.ExpertTopic(e.Name, "documents_added"),
		Data:  map[string]any{"count": len(docs)},
	})
	return refs, nil
}

// answerWire is the shape the answering model is asked to emit.
type answerWire struct {
	Answer string `json:"answer"`
	Gaps   []struct {
		Topic    string `json:"topic"`
		Priority int    `json:"priority"`
	} `json:"gaps,omitempty"`
}

// Query composes a grounded answer from stored beliefs and document excerpts.
// Confidence is the minimum confidence of the beliefs used; an answer with no
// belief backing reports a fixed low confidence. Gaps the model flags are
// recorded idempotently.
func (s *Store) Query(ctx context.Context, expertID, question string) (QueryResult, error) {
	if strings.TrimSpace(question) == "" {
		return QueryResult{}, fmt.Errorf("op=expert.query: empty question: %w", domain.ErrInvalidArgument)
	}
	e, err := s.experts.Get(ctx, expertID)
	if err != nil {
		return QueryResult{}, err
	}

	hits, err := s.docs.Search(ctx, e.DocStoreRef, question, 5)
	if err != nil {
		slog.Warn("document search degraded", slog.String("expert", e.Name), slog.Any("error", err))
	}
	beliefs, err := s.relevantBeliefs(ctx, expertID, question)
	if err != nil {
		return QueryResult{}, err
	}

	out, err := s.model.Complete(ctx, s.cfg.PlannerModel, buildAnswerPrompt(e, question, beliefs, hits))
	if err != nil {
		return QueryResult{}, fmt.Errorf("op=expert.query: %w", err)
	}

	result := QueryResult{Answer: out, Confidence: unbackedConfidence}
	if raw := textx.ExtractJSONBlock(out); raw != "" {
		var wire answerWire
		if jErr := json.Unmarshal([]byte(raw), &wire); jErr == nil && wire.Answer != "" {
			result.Answer = wire.Answer
			for _, g := range wire.Gaps {
				gap, rErr := s.RecordGap(ctx, expertID, g.Topic, g.Priority)
				if rErr != nil {
					slog.Warn("gap record failed", slog.String("topic", g.Topic), slog.Any("error", rErr))
					continue
				}
				result.IdentifiedGaps = append(result.IdentifiedGaps, gap)
			}
		}
	}
	if len(beliefs) > 0 {
		min := beliefs[0].Confidence
		for _, b := range beliefs[1:] {
			if b.Confidence < min {
				min = b.Confidence
			}
		}
		result.Confidence = min
		for _, b := range beliefs {
			result.Citations = append(result.Citations, b.Sources...)
		}
	}
	for _, h := range hits {
		result.Citations = append(result.Citations, domain.Citation{DocRef: h.DocRef})
	}
	return result, nil
}

// relevantBeliefs scores active beliefs by token overlap with the question.
func (s *Store) relevantBeliefs(ctx context.Context, expertID, question string) ([]domain.Belief, error) {
	all, err := s.experts.ListBeliefs(ctx, expertID)
	if err != nil {
		return nil, err
	}
	qTokens := map[string]bool{}
	for _, tok := range strings.Fields(strings.ToLower(question)) {
		qTokens[strings.Trim(tok, ".,;:?!\"'")] = true
	}
	type scored struct {
		b     domain.Belief
		score int
	}
	var candidates []scored
	for _, b := range all {
		if b.SupersededBy != nil {
			continue
		}
		score := 0
		for _, tok := range strings.Fields(strings.ToLower(b.Statement)) {
			if qTokens[strings.Trim(tok, ".,;:?!\"'")] {
				score++
			}
		}
		if score > 0 {
			candidates = append(candidates, scored{b: b, score: score})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > maxBeliefsInPrompt {
		candidates = candidates[:maxBeliefsInPrompt]
	}
	out := make([]domain.Belief, len(candidates))
	for i, c := range candidates {
		out[i] = c.b
	}
	return out, nil
}

func buildAnswerPrompt(e domain.Expert, question string, beliefs []domain.Belief, hits []domain.SearchHit) string {
	var b strings.Builder
	b.WriteString("You are ")
	b.WriteString(e.Name)
	b.WriteString(", an expert on ")
	b.WriteString(e.Domain)
	b.WriteString(".\nAnswer the question using ONLY the beliefs and excerpts below. ")
	b.WriteString("If the material is insufficient, say so and list the missing topics as gaps.\n")
	b.WriteString("Respond with a fenced JSON block: {\"answer\": \"...\", \"gaps\": [{\"topic\": \"...\", \"priority\": 1-5}]}.\n")
	if len(beliefs) > 0 {
		b.WriteString("\n## Beliefs\n")
		for _, belief := range beliefs {
			fmt.Fprintf(&b, "- (confidence %.2f) %s\n", belief.Confidence, belief.Statement)
		}
	}
	if len(hits) > 0 {
		b.WriteString("\n## Document excerpts\n")
		for _, h := range hits {
			b.WriteString("- ")
			b.WriteString(h.Excerpt)
			b.WriteString("\n")
		}
	}
	b.WriteString("\n## Question\n")
	b.WriteString(question)
	return b.String()
}

// RecordGap appends a known-unknown, idempotent by (expert, topic).
func (s *Store) RecordGap(ctx context.Context, expertID, topic string, priority int) (domain.Gap, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return domain.Gap{}, fmt.Errorf("op=expert.record_gap: empty topic: %w", domain.ErrInvalidArgument)
	}
	if priority < 1 {
		priority = 1
	}
	if priority > 5 {
		priority = 5
	}
	id, err := s.experts.AddGap(ctx, domain.Gap{
		ID:           uuid.NewString(),
		ExpertID:     expertID,
		Topic:        topic,
		Priority:     priority,
		DiscoveredAt: time.Now().UTC(),
	})
	if err != nil {
		return domain.Gap{}, err
	}
	return s.experts.GetGap(ctx, id)
}

// synthesisWire is the shape the synthesis model is asked to emit.
type synthesisWire struct {
	Beliefs []struct {
		Statement   string  `json:"statement"`
		Confidence  float64 `json:"confidence"`
		Contradicts string  `json:"contradicts,omitempty"`
		Sources     []struct {
			URL    string `json:"url,omitempty"`
			Title  string `json:"title,omitempty"`
			DocRef string `json:"doc_ref,omitempty"`
		} `json:"sources,omitempty"`
	} `json:"beliefs"`
	Gaps []struct {
		Topic    string `json:"topic"`
		Priority int    `json:"priority"`
	} `json:"gaps,omitempty"`
}

// Synthesise distils the expert's corpus (plus optional extra material, such
// as campaign results) into beliefs. Contradicted beliefs are never mutated;
// the successor is linked through the supersession pointer.
func (s *Store) Synthesise(ctx context.Context, expertID, extraContext string) ([]domain.Belief, error) {
	e, err := s.experts.Get(ctx, expertID)
	if err != nil {
		return nil, err
	}
	existing, err := s.experts.ListBeliefs(ctx, expertID)
	if err != nil {
		return nil, err
	}
	active := make([]domain.Belief, 0, len(existing))
	for _, b := range existing {
		if b.SupersededBy == nil {
			active = append(active, b)
		}
	}

	hits, err := s.docs.Search(ctx, e.DocStoreRef, e.Domain, 10)
	if err != nil {
		slog.Warn("synthesis corpus search degraded", slog.String("expert", e.Name), slog.Any("error", err))
	}

	out, err := s.model.Complete(ctx, s.cfg.PlannerModel, buildSynthesisPrompt(e, active, hits, extraContext))
	if err != nil {
		return nil, fmt.Errorf("op=expert.synthesise: %w", err)
	}
	raw := textx.ExtractJSONBlock(out)
	if raw == "" {
		return nil, fmt.Errorf("op=expert.synthesise: no JSON in synthesis output: %w", domain.ErrInternal)
	}
	var wire synthesisWire
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, fmt.Errorf("op=expert.synthesise: %w: %s", domain.ErrInternal, err.Error())
	}

	byID := map[string]domain.Belief{}
	for _, b := range active {
		byID[b.ID] = b
	}

	var added []domain.Belief
	for _, wb := range wire.Beliefs {
		if strings.TrimSpace(wb.Statement) == "" {
			continue
		}
		belief := domain.Belief{
			ExpertID:   expertID,
			Statement:  wb.Statement,
			Confidence: clamp01(wb.Confidence),
		}
		for _, src := range wb.Sources {
			belief.Sources = append(belief.Sources, domain.Citation{
				URL: src.URL, Title: src.Title, DocRef: src.DocRef,
			})
		}
		id, aErr := s.experts.AddBelief(ctx, belief)
		if aErr != nil {
			return added, aErr
		}
		belief.ID = id
		if wb.Contradicts != "" {
			if _, ok := byID[wb.Contradicts]; ok {
				if sErr := s.experts.SetSuperseded(ctx, wb.Contradicts, id); sErr != nil {
					slog.Warn("supersession failed",
						slog.String("belief_id", wb.Contradicts), slog.Any("error", sErr))
				}
			}
		}
		added = append(added, belief)
	}
	for _, g := range wire.Gaps {
		if _, gErr := s.RecordGap(ctx, expertID, g.Topic, g.Priority); gErr != nil {
			slog.Warn("synthesis gap record failed", slog.String("topic", g.Topic), slog.Any("error", gErr))
		}
	}

	now := time.Now().UTC()
	e.LastSynthesisedAt = &now
	if err := s.experts.Update(ctx, e); err != nil {
		return added, err
	}
	s.bus.Publish(eventbus.Event{
		Topic: eventbus.ExpertTopic(e.Name, "synthesised"),
		Data:  map[string]any{"new_beliefs": len(added)},
	})
	return added, nil
}

func buildSynthesisPrompt(e domain.Expert, active []domain.Belief, hits []domain.SearchHit, extra string) string {
	var b strings.Builder
	b.WriteString("You maintain the belief base of ")
	b.WriteString(e.Name)
	b.WriteString(", an expert on ")
	b.WriteString(e.Domain)
	b.WriteString(".\nDistil the material below into atomic belief statements with confidence in [0,1].\n")
	b.WriteString("If a new belief contradicts an existing one, set \"contradicts\" to that belief's id. ")
	b.WriteString("List remaining unknowns as gaps.\n")
	b.WriteString("Respond with a fenced JSON block: {\"beliefs\": [{\"statement\", \"confidence\", \"contradicts\", \"sources\"}], \"gaps\": [{\"topic\", \"priority\"}]}.\n")
	if len(active) > 0 {
		b.WriteString("\n## Existing beliefs\n")
		limit := len(active)
		if limit > maxBeliefsInPrompt*2 {
			limit = maxBeliefsInPrompt * 2
		}
		for _, belief := range active[:limit] {
			fmt.Fprintf(&b, "- [%s] (confidence %.2f) %s\n", belief.ID, belief.Confidence, belief.Statement)
		}
	}
	if len(hits) > 0 {
		b.WriteString("\n## Corpus excerpts\n")
		for _, h := range hits {
			b.WriteString("- ")
			b.WriteString(h.Excerpt)
			b.WriteString("\n")
		}
	}
	if extra != "" {
		b.WriteString("\n## New research results\n")
		b.WriteString(extra)
	}
	return b.String()
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
