package committee

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/orderpilot/orderpilot/pkg/config"
	"github.com/orderpilot/orderpilot/pkg/contracts"
	"github.com/orderpilot/orderpilot/pkg/eventlog"
	"github.com/orderpilot/orderpilot/pkg/evidence"
	"github.com/orderpilot/orderpilot/pkg/observability"
)

// Options tunes selection and aggregation.
type Options struct {
	N                   int
	MinUsable           int
	Timeout             time.Duration
	MarginThreshold     float64
	ConfidenceThreshold float64
	// DissentStrengthMin is the vote strength a dissenting vote must exceed
	// to force the split classification on a non-critical field.
	DissentStrengthMin float64
}

// Committee fans evidence packs out to a selected provider subset and
// aggregates the usable responses into a verdict.
type Committee struct {
	pool    []Provider
	weights *config.Weights
	blobs   evidence.Store
	events  *eventlog.Log
	schema  *jsonschema.Schema
	opts    Options
	clock   func() time.Time
	obs     *observability.Provider
}

// SetObservability attaches the metrics provider. Optional.
func (c *Committee) SetObservability(p *observability.Provider) { c.obs = p }

// New creates a Committee over the provider pool. Pool order matters:
// selection is deterministic given the order.
func New(pool []Provider, weights *config.Weights, blobs evidence.Store, events *eventlog.Log, opts Options) (*Committee, error) {
	if opts.N == 0 {
		opts.N = 3
	}
	if opts.MinUsable == 0 {
		opts.MinUsable = 2
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MarginThreshold == 0 {
		opts.MarginThreshold = 0.66
	}
	if opts.ConfidenceThreshold == 0 {
		opts.ConfidenceThreshold = 0.75
	}
	if opts.DissentStrengthMin == 0 {
		opts.DissentStrengthMin = 0.5
	}
	schema, err := compileResponseSchema()
	if err != nil {
		return nil, err
	}
	return &Committee{
		pool:    pool,
		weights: weights,
		blobs:   blobs,
		events:  events,
		schema:  schema,
		opts:    opts,
		clock:   time.Now,
	}, nil
}

// Select picks exactly N providers maximizing family diversity: a family is
// never repeated while an unused family remains. Deterministic in pool order.
func (c *Committee) Select() []Provider {
	var picked []Provider
	usedProvider := make(map[string]bool)
	usedFamily := make(map[string]bool)

	for len(picked) < c.opts.N {
		found := false
		for _, p := range c.pool {
			if usedProvider[p.ID()] || usedFamily[p.Family()] {
				continue
			}
			picked = append(picked, p)
			usedProvider[p.ID()] = true
			usedFamily[p.Family()] = true
			found = true
			break
		}
		if !found {
			break
		}
	}

	// Unused families exhausted; fill remaining slots in pool order.
	for _, p := range c.pool {
		if len(picked) == c.opts.N {
			break
		}
		if usedProvider[p.ID()] {
			continue
		}
		picked = append(picked, p)
		usedProvider[p.ID()] = true
	}
	return picked
}

// Run executes one committee invocation: select, fan out, validate,
// aggregate, persist every artifact, and append the events.
func (c *Committee) Run(ctx context.Context, tenantID string, pack contracts.EvidencePack) (*contracts.CommitteeVerdict, []contracts.CommitteeOutput, error) {
	selected := c.Select()

	ids := make([]string, len(selected))
	for i, p := range selected {
		ids[i] = p.ID()
	}
	c.append(ctx, pack.CaseID, tenantID, contracts.EventCommitteeSelected, map[string]any{
		"round":     pack.Round,
		"providers": ids,
	})

	packJSON, err := json.Marshal(pack)
	if err != nil {
		return nil, nil, fmt.Errorf("committee: marshal evidence pack: %w", err)
	}
	if _, err := c.blobs.Put(ctx, evidence.EvidencePackPath(pack.CaseID, pack.Round), packJSON); err != nil {
		return nil, nil, err
	}

	prompt := BuildPrompt(pack)
	promptHash := evidence.HashBytes([]byte(prompt))

	outputs := c.fanOut(ctx, selected, pack, prompt, promptHash)

	for _, out := range outputs {
		c.append(ctx, pack.CaseID, tenantID, contracts.EventProviderCalled, map[string]any{
			"round":        pack.Round,
			"provider_id":  out.ProviderID,
			"usable":       out.Usable,
			"failure_code": out.FailureCode,
			"latency_ms":   out.LatencyMS,
			"prompt_hash":  out.PromptHash,
		})
	}

	verdict := c.aggregate(pack, outputs)

	verdictJSON, err := json.Marshal(verdict)
	if err != nil {
		return nil, nil, fmt.Errorf("committee: marshal verdict: %w", err)
	}
	if _, err := c.blobs.Put(ctx, evidence.VerdictPath(pack.CaseID, pack.Round), verdictJSON); err != nil {
		return nil, nil, err
	}

	c.append(ctx, pack.CaseID, tenantID, contracts.EventVerdictReached, map[string]any{
		"round":              pack.Round,
		"consensus":          string(verdict.Consensus),
		"needs_human":        verdict.NeedsHuman,
		"usable_responses":   verdict.UsableResponses,
		"overall_confidence": verdict.OverallConfidence,
	})
	return verdict, outputs, nil
}

func (c *Committee) fanOut(ctx context.Context, selected []Provider, pack contracts.EvidencePack, prompt, promptHash string) []contracts.CommitteeOutput {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	outputs := make([]contracts.CommitteeOutput, len(selected))
	var wg sync.WaitGroup
	for i, p := range selected {
		wg.Add(1)
		go func(i int, p Provider) {
			defer wg.Done()
			outputs[i] = c.invokeOne(ctx, p, pack, prompt, promptHash)
		}(i, p)
	}
	wg.Wait()

	// Provider-id order so aggregation is independent of arrival order.
	sort.Slice(outputs, func(i, j int) bool {
		return outputs[i].ProviderID < outputs[j].ProviderID
	})
	return outputs
}

func (c *Committee) invokeOne(ctx context.Context, p Provider, pack contracts.EvidencePack, prompt, promptHash string) contracts.CommitteeOutput {
	out := contracts.CommitteeOutput{
		ProviderID: p.ID(),
		Family:     p.Family(),
		PromptHash: promptHash,
		Weight:     c.weights.WeightFor(p.ID()),
	}

	_, _ = c.blobs.Put(ctx, evidence.CommitteePromptPath(pack.CaseID, p.ID(), pack.Round), []byte(prompt))

	started := c.clock()
	raw, err := p.Invoke(ctx, prompt)
	out.LatencyMS = c.clock().Sub(started).Milliseconds()
	if c.obs != nil {
		c.obs.CommitteeCall(ctx,
			observability.AttrCaseID.String(pack.CaseID),
			observability.AttrProviderID.String(p.ID()),
			observability.AttrCommitteeRound.Int(pack.Round),
		)
	}

	if err != nil {
		out.FailureCode = "provider_error"
		return out
	}
	out.RawResponse = raw
	_, _ = c.blobs.Put(ctx, evidence.CommitteeResponsePath(pack.CaseID, p.ID(), pack.Round), []byte(raw))

	resp, failure := validateResponse(c.schema, raw, pack)
	if failure != "" {
		out.FailureCode = failure
		return out
	}
	out.Response = resp
	out.Usable = true
	return out
}

func (c *Committee) append(ctx context.Context, caseID, tenantID string, typ contracts.EventType, data map[string]any) {
	if c.events == nil {
		return
	}
	_, _ = c.events.Append(ctx, &contracts.AuditEvent{
		CaseID:   caseID,
		TenantID: tenantID,
		Type:     typ,
		Actor:    contracts.ActorProvider,
		Data:     data,
	})
}
