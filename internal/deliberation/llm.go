package deliberation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"quorum/internal/llm"
	"quorum/internal/types"
)

// Pricing converts token usage into dollars. Rates are per million
// tokens, matching how providers publish them.
type Pricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// DefaultPricing approximates a flash-tier model.
func DefaultPricing() Pricing {
	return Pricing{InputPerMTok: 0.10, OutputPerMTok: 0.40}
}

func (p Pricing) cost(r llm.Result) types.CostRecord {
	return types.CostRecord{
		InputTokens:  r.InputTokens,
		OutputTokens: r.OutputTokens,
		USD: float64(r.InputTokens)/1e6*p.InputPerMTok +
			float64(r.OutputTokens)/1e6*p.OutputPerMTok,
	}
}

// LLMCollaborators implements every collaborator contract on top of a
// single completion client. All structured outputs are parsed from JSON
// and boundary-validated by the callers; this layer only normalizes.
type LLMCollaborators struct {
	client  llm.Client
	pricing Pricing
}

// NewLLMCollaborators builds the collaborator set.
func NewLLMCollaborators(client llm.Client, pricing Pricing) *LLMCollaborators {
	return &LLMCollaborators{client: client, pricing: pricing}
}

// Set returns the full collaborator bundle backed by this instance.
func (l *LLMCollaborators) Set() Collaborators {
	return Collaborators{
		Decomposer:  l,
		Selector:    l,
		Contributor: l,
		Facilitator: l,
		Recommender: l,
		Synthesizer: l,
		Summarizer:  l,
	}
}

const decomposeSystem = `You decompose problems for structured deliberation.
Split the problem into 1 to 5 independent sub-problems. Respond with a JSON array only:
[{"id":"sub-1","goal":"...","context":"...","complexity":1-10,"depends_on":[],"constraints":[]}]
Use a single sub-problem when the problem is atomic. Dependencies must be acyclic.`

// Decompose implements Decomposer.
func (l *LLMCollaborators) Decompose(ctx context.Context, problemText, problemContext string) ([]types.SubProblem, error) {
	user := fmt.Sprintf("Problem: %s", problemText)
	if problemContext != "" {
		user += fmt.Sprintf("\nContext: %s", problemContext)
	}
	res, err := l.client.Complete(ctx, decomposeSystem, user)
	if err != nil {
		return nil, err
	}

	var subs []types.SubProblem
	if err := json.Unmarshal([]byte(extractJSON(res.Text)), &subs); err != nil {
		return nil, fmt.Errorf("failed to parse decomposition: %w", err)
	}
	for i := range subs {
		if subs[i].ID == "" {
			subs[i].ID = fmt.Sprintf("sub-%d", i+1)
		}
	}
	return subs, nil
}

const selectSystem = `You assemble a panel of 3 to 5 expert personas for a deliberation.
Respond with a JSON array only:
[{"id":"kebab-case-id","name":"...","domain":"..."}]
Pick domains that genuinely bear on the goal; avoid near-duplicate expertise.`

// Select implements Selector.
func (l *LLMCollaborators) Select(ctx context.Context, sub types.SubProblem, problemContext string) ([]types.Participant, error) {
	user := fmt.Sprintf("Goal: %s", sub.Goal)
	if sub.Context != "" {
		user += fmt.Sprintf("\nContext: %s", sub.Context)
	}
	if problemContext != "" {
		user += fmt.Sprintf("\nBroader context: %s", problemContext)
	}
	res, err := l.client.Complete(ctx, selectSystem, user)
	if err != nil {
		return nil, err
	}

	var panel []types.Participant
	if err := json.Unmarshal([]byte(extractJSON(res.Text)), &panel); err != nil {
		return nil, fmt.Errorf("failed to parse panel: %w", err)
	}
	return panel, nil
}

// Contribute implements Contributor.
func (l *LLMCollaborators) Contribute(ctx context.Context, p types.Participant, prompt, memoryDigest string) (string, types.CostRecord, error) {
	system := fmt.Sprintf("You are %s, an expert in %s, contributing to a structured deliberation. Be concrete and concise; engage with the other participants' latest points.", p.Name, p.Domain)
	if memoryDigest != "" {
		system += fmt.Sprintf("\n\nYour conclusions from earlier parts of this problem:\n%s", memoryDigest)
	}
	res, err := l.client.Complete(ctx, system, prompt)
	if err != nil {
		return "", types.CostRecord{}, err
	}
	return strings.TrimSpace(res.Text), l.pricing.cost(res), nil
}

const facilitateSystem = `You facilitate a deliberation round. Decide what happens next.
Respond with a JSON object only:
{"action":"continue|vote|moderator|research|clarify","question":"...","reason":"...","next_speaker":"participant-id"}
Actions: continue = another round; vote = collect final recommendations; moderator = the discussion is circling or off track; research = a factual gap blocks progress; clarify = only the user can resolve an ambiguity (question required).
Prefer vote once positions are stable and agreement is high.`

// Decide implements Facilitator.
func (l *LLMCollaborators) Decide(ctx context.Context, stateSummary string) (types.FacilitatorDecision, types.CostRecord, error) {
	res, err := l.client.Complete(ctx, facilitateSystem, stateSummary)
	if err != nil {
		return types.FacilitatorDecision{}, types.CostRecord{}, err
	}

	var d types.FacilitatorDecision
	if err := json.Unmarshal([]byte(extractJSON(res.Text)), &d); err != nil {
		return types.FacilitatorDecision{}, types.CostRecord{}, fmt.Errorf("failed to parse decision: %w", err)
	}
	d.Action = normalizeAction(d.Action)
	return d, l.pricing.cost(res), nil
}

const recommendSystem = `Give your final position on the deliberated question.
Respond with a JSON object only:
{"stance":"...","confidence":0.0-1.0,"rationale":"...","conditions":["..."]}
The stance is a short actionable statement. Conditions are caveats under which it holds.`

// Recommend implements Recommender.
func (l *LLMCollaborators) Recommend(ctx context.Context, p types.Participant, deliberationContext string) (types.Recommendation, types.CostRecord, error) {
	system := fmt.Sprintf("You are %s, an expert in %s.\n%s", p.Name, p.Domain, recommendSystem)
	res, err := l.client.Complete(ctx, system, deliberationContext)
	if err != nil {
		return types.Recommendation{}, types.CostRecord{}, err
	}

	var rec types.Recommendation
	if err := json.Unmarshal([]byte(extractJSON(res.Text)), &rec); err != nil {
		return types.Recommendation{}, types.CostRecord{}, fmt.Errorf("failed to parse recommendation: %w", err)
	}
	rec.ParticipantID = p.ID
	return rec, l.pricing.cost(res), nil
}

// Synthesize implements the per-sub-problem half of Synthesizer.
func (l *LLMCollaborators) Synthesize(ctx context.Context, sub types.SubProblem, contributions []types.Contribution, recs []types.Recommendation) (string, types.CostRecord, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\nDiscussion:\n", sub.Goal)
	for _, c := range contributions {
		fmt.Fprintf(&b, "[%s] %s\n", c.ParticipantID, c.Text)
	}
	b.WriteString("\nFinal recommendations:\n")
	for _, r := range recs {
		fmt.Fprintf(&b, "[%s, confidence %.2f] %s", r.ParticipantID, r.Confidence, r.Stance)
		if len(r.Conditions) > 0 {
			fmt.Fprintf(&b, " (conditions: %s)", strings.Join(r.Conditions, "; "))
		}
		b.WriteString("\n")
	}

	res, err := l.client.Complete(ctx,
		"Synthesize this deliberation into a clear answer to the goal. Preserve disagreements and conditions; do not average them away.",
		b.String())
	if err != nil {
		return "", types.CostRecord{}, err
	}
	return strings.TrimSpace(res.Text), l.pricing.cost(res), nil
}

// SynthesizeFinal implements the cross-sub-problem half of Synthesizer.
func (l *LLMCollaborators) SynthesizeFinal(ctx context.Context, problem types.Problem, results []types.SubProblemResult) (string, types.CostRecord, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Problem: %s\n\nSub-problem outcomes:\n", problem.Statement)
	for _, r := range results {
		if r.Failed {
			fmt.Fprintf(&b, "[%s] UNRESOLVED: %s\n", r.SubProblemID, r.FailureReason)
			continue
		}
		fmt.Fprintf(&b, "[%s] %s\n", r.SubProblemID, r.Synthesis)
	}

	res, err := l.client.Complete(ctx,
		"Combine these sub-problem outcomes into one final answer to the problem. Call out anything left unresolved.",
		b.String())
	if err != nil {
		return "", types.CostRecord{}, err
	}
	return strings.TrimSpace(res.Text), l.pricing.cost(res), nil
}

// Summarize implements Summarizer.
func (l *LLMCollaborators) Summarize(ctx context.Context, p types.Participant, contributions []types.Contribution) (string, types.CostRecord, error) {
	var b strings.Builder
	for _, c := range contributions {
		fmt.Fprintf(&b, "%s\n", c.Text)
	}

	system := fmt.Sprintf("Summarize the positions %s (expert in %s) took below, in 2-3 sentences, first person. This summary will remind them of their conclusions later.", p.Name, p.Domain)
	res, err := l.client.Complete(ctx, system, b.String())
	if err != nil {
		return "", types.CostRecord{}, err
	}
	return strings.TrimSpace(res.Text), l.pricing.cost(res), nil
}

// normalizeAction maps bare action words onto the slash-prefixed enum.
// Unknown values pass through unchanged and fail boundary validation.
func normalizeAction(a types.FacilitatorAction) types.FacilitatorAction {
	s := strings.ToLower(strings.TrimSpace(string(a)))
	if s != "" && !strings.HasPrefix(s, "/") {
		s = "/" + s
	}
	return types.FacilitatorAction(s)
}

// extractJSON strips markdown fences and surrounding prose, returning
// the first JSON value in the text.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
		s = strings.TrimSpace(s)
	}

	objStart := strings.IndexByte(s, '{')
	arrStart := strings.IndexByte(s, '[')
	start := objStart
	end := strings.LastIndexByte(s, '}')
	if arrStart >= 0 && (objStart < 0 || arrStart < objStart) {
		start = arrStart
		end = strings.LastIndexByte(s, ']')
	}
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
