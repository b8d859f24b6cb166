// Package committee runs the multi-provider mapping vote for ambiguous
// spreadsheets. A family-diverse bench of model providers each proposes
// column mappings over a bounded evidence pack; weighted votes are tallied
// per field and graded unanimous, majority, split, or no consensus. Every
// provider output, including failures, is retained for the audit trail.
package committee

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/cel-go/cel"
	"golang.org/x/sync/errgroup"

	"github.com/orderdesk-io/orderdesk/pkg/contracts"
)

// Config tunes one committee instance.
type Config struct {
	// Size is the bench size per invocation.
	Size int
	// MinSuccessful is the minimum count of schema-valid outputs required
	// for a verdict. Fewer fails the invocation as retryable.
	MinSuccessful int
	// CallTimeout bounds each provider call.
	CallTimeout time.Duration
	// Ceiling bounds the whole invocation.
	Ceiling time.Duration
	// MinWeight floors each member's normalized voting weight.
	MinWeight  float64
	Thresholds VoteThresholds
	// AcceptPolicy is an optional CEL expression that overrides the
	// per-field auto-accept decision. Variables: field, consensus,
	// confidence, margin, critical, auto_accept.
	AcceptPolicy string
}

// Committee convenes provider benches and aggregates their votes.
type Committee struct {
	cfg     Config
	pool    []Provider
	weights map[string]float64
	policy  cel.Program
	logger  *slog.Logger
	clock   func() time.Time
}

// Option configures a Committee.
type Option func(*Committee)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(c *Committee) { c.clock = clock }
}

// New builds a committee over an explicit provider pool. Weights are the
// calibrated per-provider weights by id; missing entries default at
// normalization time.
func New(cfg Config, pool []Provider, weights map[string]float64, logger *slog.Logger, opts ...Option) (*Committee, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("committee: size must be positive")
	}
	if cfg.MinSuccessful <= 0 || cfg.MinSuccessful > cfg.Size {
		return nil, fmt.Errorf("committee: min successful %d out of range for size %d", cfg.MinSuccessful, cfg.Size)
	}
	c := &Committee{
		cfg:     cfg,
		pool:    pool,
		weights: weights,
		logger:  logger,
		clock:   time.Now,
	}
	if cfg.AcceptPolicy != "" {
		prg, err := compileAcceptPolicy(cfg.AcceptPolicy)
		if err != nil {
			return nil, err
		}
		c.policy = prg
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewFromPoolConfig builds the provider clients declared in a pool config.
func NewFromPoolConfig(cfg Config, pool *PoolConfig, logger *slog.Logger, opts ...Option) (*Committee, error) {
	providers := make([]Provider, 0, len(pool.Providers))
	for _, pc := range pool.Providers {
		p, err := NewProvider(pc)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return New(cfg, providers, pool.Weights, logger, opts...)
}

func compileAcceptPolicy(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("field", cel.StringType),
		cel.Variable("consensus", cel.StringType),
		cel.Variable("confidence", cel.DoubleType),
		cel.Variable("margin", cel.DoubleType),
		cel.Variable("critical", cel.BoolType),
		cel.Variable("auto_accept", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("committee: build policy env: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss.Err() != nil {
		return nil, fmt.Errorf("committee: compile accept policy: %w", iss.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("committee: build accept policy program: %w", err)
	}
	return prg, nil
}

// Run convenes a bench for the case and returns the aggregated verdict.
// Provider failures become recorded outputs, not errors; only falling below
// MinSuccessful valid outputs fails the invocation.
func (c *Committee) Run(ctx context.Context, taskID, caseID string, pack *contracts.EvidencePack) (*contracts.CommitteeResult, error) {
	members, downgraded := selectMembers(c.pool, c.cfg.Size, caseID)
	if len(members) < c.cfg.MinSuccessful {
		return nil, &contracts.ActivityError{
			Code: "COMMITTEE_POOL_EXHAUSTED", Kind: contracts.KindCommittee,
			Message:   fmt.Sprintf("pool yields %d members, need %d", len(members), c.cfg.MinSuccessful),
			Retryable: false,
		}
	}
	if downgraded {
		c.logger.Warn("committee diversity downgraded", "case_id", caseID, "members", len(members))
	}

	memberIDs := make([]string, len(members))
	for i, m := range members {
		memberIDs[i] = m.ID()
	}
	weights := NormalizeWeights(c.weights, memberIDs, c.cfg.MinWeight)

	runCtx, cancel := context.WithTimeout(ctx, c.cfg.Ceiling)
	defer cancel()

	outputs := make([]contracts.ProviderOutput, len(members))
	g, gctx := errgroup.WithContext(runCtx)
	for i, member := range members {
		g.Go(func() error {
			outputs[i] = c.callProvider(gctx, member, pack)
			return nil
		})
	}
	_ = g.Wait()

	var successful int
	for _, o := range outputs {
		if o.Succeeded() {
			successful++
		}
	}
	if successful < c.cfg.MinSuccessful {
		return nil, &contracts.ActivityError{
			Code: "COMMITTEE_FAILED", Kind: contracts.KindCommittee,
			Message:   fmt.Sprintf("%d of %d providers returned valid output, need %d", successful, len(members), c.cfg.MinSuccessful),
			Retryable: true,
		}
	}

	votes := tally(outputs, weights, c.cfg.Thresholds)
	if c.policy != nil {
		for i := range votes {
			votes[i].AutoAccept = c.applyPolicy(caseID, votes[i])
		}
	}

	result := assemble(taskID, caseID, pack, members, downgraded, outputs, votes, c.clock())
	c.logger.Info("committee verdict",
		"case_id", caseID,
		"task_id", taskID,
		"consensus", result.ConsensusClass,
		"confidence", result.OverallConfidence,
		"needs_review", result.RequiresHumanReview,
		"successful", successful,
	)
	return result, nil
}

// callProvider runs one member under the per-call timeout and validates the
// answer. Any failure is folded into the output's Failure field.
func (c *Committee) callProvider(ctx context.Context, p Provider, pack *contracts.EvidencePack) contracts.ProviderOutput {
	out := contracts.ProviderOutput{ProviderID: p.ID(), Family: p.Family()}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	raw, err := p.Propose(callCtx, pack)
	out.ProcessingTimeMs = time.Since(start).Milliseconds()
	if err != nil {
		out.Failure = err.Error()
		c.logger.Warn("committee provider call failed", "provider", p.ID(), "error", err)
		return out
	}

	decoded, err := decodeOutput(raw, pack)
	if err != nil {
		out.Failure = err.Error()
		c.logger.Warn("committee provider output rejected", "provider", p.ID(), "error", err)
		return out
	}
	out.Mappings = decoded.Mappings
	out.Issues = decoded.Issues
	out.OverallConfidence = decoded.OverallConfidence
	return out
}

func (c *Committee) applyPolicy(caseID string, v contracts.FieldVote) bool {
	val, _, err := c.policy.Eval(map[string]any{
		"field":       string(v.Field),
		"consensus":   string(v.Consensus),
		"confidence":  v.Confidence,
		"margin":      v.Margin,
		"critical":    contracts.CriticalFields[v.Field],
		"auto_accept": v.AutoAccept,
	})
	if err != nil {
		c.logger.Error("accept policy evaluation failed, keeping threshold decision",
			"case_id", caseID, "field", v.Field, "error", err)
		return v.AutoAccept
	}
	accept, ok := val.Value().(bool)
	if !ok {
		c.logger.Error("accept policy returned non-boolean, keeping threshold decision",
			"case_id", caseID, "field", v.Field)
		return v.AutoAccept
	}
	return accept
}
