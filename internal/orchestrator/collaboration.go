package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/showjihyun/agentrag/internal/agentexec"
	"github.com/showjihyun/agentrag/internal/metrics"
	"github.com/showjihyun/agentrag/internal/registry"
	"github.com/showjihyun/agentrag/internal/trace"
	"go.uber.org/zap"
)

// Pattern is a multi-agent collaboration topology.
type Pattern string

const (
	PatternPipeline     Pattern = "pipeline"
	PatternEnsemble     Pattern = "ensemble"
	PatternHierarchical Pattern = "hierarchical"
	PatternConsensus    Pattern = "consensus"
	PatternPeerToPeer   Pattern = "peer_to_peer"
	PatternCompetitive  Pattern = "competitive"
	PatternIterative    Pattern = "iterative"
)

// ErrUnknownPattern rejects patterns outside the closed set.
var ErrUnknownPattern = errors.New("unknown collaboration pattern")

// ErrNoParticipants means no agent qualified for the collaboration.
var ErrNoParticipants = errors.New("no participants selected")

const (
	defaultCollabTimeout   = 5 * time.Minute
	pipelineGateMin        = 0.8
	defaultMaxRounds       = 5
	defaultIterativeRounds = 3
	defaultAgreement       = 0.8
	// efficiencyHorizon normalizes time efficiency: a collaboration
	// taking this long or more scores zero on time.
	efficiencyHorizon = 300 * time.Second
)

// FlowEdge is one agent-to-agent data-flow edge.
type FlowEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// QualityGate is a named checkpoint with a minimum score.
type QualityGate struct {
	Checkpoint string  `json:"checkpoint"`
	MinScore   float64 `json:"min_score"`
}

// CollabSpec describes one collaboration: who participates and how
// data moves between them.
type CollabSpec struct {
	Pattern      Pattern                `json:"pattern"`
	Participants []string               `json:"participants"`
	Rules        map[string]interface{} `json:"rules,omitempty"`
	DataFlow     []FlowEdge             `json:"data_flow,omitempty"`
	SyncPoints   []string               `json:"sync_points,omitempty"`
	QualityGates []QualityGate          `json:"quality_gates,omitempty"`
	Timeout      time.Duration          `json:"timeout"`
}

// ParticipantResult is one agent's contribution.
type ParticipantResult struct {
	AgentID string                 `json:"agent_id"`
	Output  map[string]interface{} `json:"output,omitempty"`
	Quality float64                `json:"quality"`
	Error   string                 `json:"error,omitempty"`
}

// CollabResult is the joint outcome plus collaboration analytics.
type CollabResult struct {
	Pattern      Pattern                `json:"pattern"`
	Output       map[string]interface{} `json:"output,omitempty"`
	Quality      float64                `json:"quality"`
	Consensus    float64                `json:"consensus,omitempty"`
	Participants []*ParticipantResult   `json:"participants"`
	Rounds       int                    `json:"rounds,omitempty"`
	Success      bool                   `json:"success"`
	Efficiency   float64                `json:"efficiency"`
	Duration     time.Duration          `json:"duration"`
}

// CollabPlanner builds and runs collaboration specs. Participant
// selection reuses the scheduler's compatibility scoring.
type CollabPlanner struct {
	registry *registry.Registry
	executor agentexec.Executor
	recorder trace.Recorder
	sink     metrics.Sink
	logger   *zap.Logger
}

// NewCollabPlanner creates a collaboration planner. Every Execute call
// leaves a step trace in the recorder and one run record in the sink.
func NewCollabPlanner(reg *registry.Registry, exec agentexec.Executor,
	recorder trace.Recorder, sink metrics.Sink, logger *zap.Logger) *CollabPlanner {
	return &CollabPlanner{registry: reg, executor: exec, recorder: recorder, sink: sink, logger: logger}
}

// BuildSpec selects participants for the tasks and emits the
// pattern-specific coordination structure.
func (c *CollabPlanner) BuildSpec(pattern Pattern, tasks []*Task, timeout time.Duration) (*CollabSpec, error) {
	switch pattern {
	case PatternPipeline, PatternEnsemble, PatternHierarchical, PatternConsensus,
		PatternPeerToPeer, PatternCompetitive, PatternIterative:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownPattern, pattern)
	}

	participants := c.selectParticipants(tasks, minParticipants(pattern))
	if len(participants) == 0 {
		return nil, ErrNoParticipants
	}
	if timeout <= 0 {
		timeout = defaultCollabTimeout
	}

	spec := &CollabSpec{
		Pattern:      pattern,
		Participants: participants,
		Rules:        make(map[string]interface{}),
		Timeout:      timeout,
	}

	switch pattern {
	case PatternPipeline:
		for i := 0; i+1 < len(participants); i++ {
			spec.DataFlow = append(spec.DataFlow, FlowEdge{From: participants[i], To: participants[i+1]})
		}
		for i, p := range participants {
			spec.QualityGates = append(spec.QualityGates, QualityGate{
				Checkpoint: fmt.Sprintf("stage_%d_%s", i, p),
				MinScore:   pipelineGateMin,
			})
		}
		spec.Rules["halt_on_gate_failure"] = true

	case PatternEnsemble:
		spec.Rules["vote_weights"] = "performance_weighted"
		spec.SyncPoints = []string{"all_results_collected"}

	case PatternHierarchical:
		master := participants[0]
		for _, w := range participants[1:] {
			spec.DataFlow = append(spec.DataFlow,
				FlowEdge{From: master, To: w},
				FlowEdge{From: w, To: master})
		}
		spec.Rules["master"] = master
		spec.SyncPoints = []string{"workers_done", "synthesis_done"}

	case PatternConsensus:
		meshEdges(spec, participants)
		spec.Rules["max_rounds"] = defaultMaxRounds
		spec.Rules["agreement_threshold"] = defaultAgreement

	case PatternPeerToPeer:
		meshEdges(spec, participants)
		spec.Rules["rounds"] = 2

	case PatternCompetitive:
		spec.Rules["selection"] = "best_single_result"

	case PatternIterative:
		for i := 0; i < len(participants); i++ {
			next := participants[(i+1)%len(participants)]
			spec.DataFlow = append(spec.DataFlow, FlowEdge{From: participants[i], To: next})
		}
		spec.Rules["rounds"] = defaultIterativeRounds
	}

	return spec, nil
}

// Execute runs one collaboration and reports the outcome alongside its
// analytics. A failing participant never aborts its siblings; failures
// are captured next to the successes.
func (c *CollabPlanner) Execute(ctx context.Context, spec *CollabSpec, input map[string]interface{}) (*CollabResult, error) {
	ctx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	execID := uuid.New().String()
	start := time.Now()

	c.recorder.Append(trace.NewStep(execID, trace.StepPlanning,
		fmt.Sprintf("collaboration %s with %d participants", spec.Pattern, len(spec.Participants)),
		map[string]interface{}{"pattern": string(spec.Pattern)}))

	var res *CollabResult
	var err error

	switch spec.Pattern {
	case PatternPipeline:
		res, err = c.runPipeline(ctx, spec, input)
	case PatternEnsemble:
		res, err = c.runEnsemble(ctx, spec, input)
	case PatternHierarchical:
		res, err = c.runHierarchical(ctx, spec, input)
	case PatternConsensus:
		res, err = c.runConsensus(ctx, spec, input)
	case PatternPeerToPeer:
		res, err = c.runPeerToPeer(ctx, spec, input)
	case PatternCompetitive:
		res, err = c.runCompetitive(ctx, spec, input)
	case PatternIterative:
		res, err = c.runIterative(ctx, spec, input)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownPattern, spec.Pattern)
	}
	if err != nil {
		c.recorder.Append(trace.NewStep(execID, trace.StepError, err.Error(),
			map[string]interface{}{"pattern": string(spec.Pattern)}))
		return nil, err
	}

	res.Pattern = spec.Pattern
	res.Duration = time.Since(start)
	timeEff := math.Max(0, 1-res.Duration.Seconds()/efficiencyHorizon.Seconds())
	res.Efficiency = 0.4*timeEff + 0.6*res.Quality

	kind := trace.StepResponse
	if !res.Success {
		kind = trace.StepError
	}
	c.recorder.Append(trace.NewStep(execID, kind,
		fmt.Sprintf("collaboration %s finished with quality %.2f", spec.Pattern, res.Quality),
		map[string]interface{}{"rounds": res.Rounds, "consensus": res.Consensus}))

	c.sink.Record(&metrics.RunMetrics{
		ExecutionID:   execID,
		Pattern:       string(spec.Pattern),
		ExecutionTime: res.Duration,
		Cost:          c.participantCost(spec.Participants),
		QualityScore:  res.Quality,
		Success:       res.Success,
	})

	c.logger.Info("collaboration finished",
		zap.String("pattern", string(spec.Pattern)),
		zap.Bool("success", res.Success),
		zap.Float64("quality", res.Quality),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// selectParticipants picks one best agent per task by compatibility,
// deduplicated, topping up with the overall best remaining agents until
// the pattern's minimum is met.
func (c *CollabPlanner) selectParticipants(tasks []*Task, min int) []string {
	agents := c.registry.List(registry.Filter{OnlyAvailable: true})
	if len(agents) == 0 {
		return nil
	}

	seen := make(map[string]bool)
	var out []string
	for _, t := range tasks {
		var best *registry.Profile
		bestScore := 0.0
		for _, a := range agents {
			if score := Compatibility(a, t); score > bestScore {
				bestScore = score
				best = a
			}
		}
		if best != nil && !seen[best.ID] {
			seen[best.ID] = true
			out = append(out, best.ID)
		}
	}

	if len(out) < min {
		rest := make([]*registry.Profile, 0, len(agents))
		for _, a := range agents {
			if !seen[a.ID] {
				rest = append(rest, a)
			}
		}
		sort.Slice(rest, func(i, j int) bool {
			return overallScore(rest[i]) > overallScore(rest[j])
		})
		for _, a := range rest {
			if len(out) >= min {
				break
			}
			out = append(out, a.ID)
		}
	}
	return out
}

func (c *CollabPlanner) participantCost(ids []string) float64 {
	cost := 0.0
	for _, id := range ids {
		if p, ok := c.registry.Get(id); ok {
			cost += p.CostPerTask
		}
	}
	return cost
}

func overallScore(p *registry.Profile) float64 {
	return 0.4*p.Metrics.Accuracy + 0.3*p.Metrics.Speed + 0.3*p.Metrics.Reliability
}

func minParticipants(pattern Pattern) int {
	switch pattern {
	case PatternEnsemble, PatternCompetitive:
		return 2
	case PatternHierarchical:
		return 2
	case PatternConsensus, PatternPeerToPeer:
		return 3
	default:
		return 1
	}
}

func meshEdges(spec *CollabSpec, participants []string) {
	for _, a := range participants {
		for _, b := range participants {
			if a != b {
				spec.DataFlow = append(spec.DataFlow, FlowEdge{From: a, To: b})
			}
		}
	}
}

// runAll fans the same input out to every participant and collects
// results without aborting siblings on failure.
func (c *CollabPlanner) runAll(ctx context.Context, participants []string, input map[string]interface{}) []*ParticipantResult {
	results := make([]*ParticipantResult, len(participants))
	var wg sync.WaitGroup
	for i, agentID := range participants {
		wg.Add(1)
		go func(i int, agentID string) {
			defer wg.Done()
			r, err := c.executor.Execute(ctx, agentID, input)
			if err != nil {
				results[i] = &ParticipantResult{AgentID: agentID, Error: err.Error()}
				return
			}
			results[i] = &ParticipantResult{AgentID: agentID, Output: r.Output, Quality: r.QualityScore}
		}(i, agentID)
	}
	wg.Wait()
	return results
}

func (c *CollabPlanner) runPipeline(ctx context.Context, spec *CollabSpec, input map[string]interface{}) (*CollabResult, error) {
	res := &CollabResult{}
	current := input

	for i, agentID := range spec.Participants {
		r, err := c.executor.Execute(ctx, agentID, current)
		if err != nil {
			res.Participants = append(res.Participants, &ParticipantResult{AgentID: agentID, Error: err.Error()})
			res.Success = false
			return res, nil
		}
		pr := &ParticipantResult{AgentID: agentID, Output: r.Output, Quality: r.QualityScore}
		res.Participants = append(res.Participants, pr)

		if i < len(spec.QualityGates) && r.QualityScore < spec.QualityGates[i].MinScore {
			c.logger.Warn("pipeline halted at quality gate",
				zap.String("gate", spec.QualityGates[i].Checkpoint),
				zap.Float64("score", r.QualityScore))
			res.Success = false
			res.Output = r.Output
			res.Quality = r.QualityScore
			return res, nil
		}

		current = map[string]interface{}{
			"input":    input,
			"previous": r.Output,
			"stage":    i + 1,
		}
		res.Output = r.Output
		res.Quality = r.QualityScore
	}
	res.Success = true
	return res, nil
}

func (c *CollabPlanner) runEnsemble(ctx context.Context, spec *CollabSpec, input map[string]interface{}) (*CollabResult, error) {
	results := c.runAll(ctx, spec.Participants, input)

	weights := c.voteWeights(spec.Participants)
	var qualities []float64
	bestVote := -1.0
	var winner *ParticipantResult

	for i, pr := range results {
		if pr.Error != "" {
			continue
		}
		qualities = append(qualities, pr.Quality)
		if vote := weights[i] * pr.Quality; vote > bestVote {
			bestVote = vote
			winner = pr
		}
	}

	res := &CollabResult{Participants: results}
	if winner == nil {
		res.Success = false
		return res, nil
	}
	res.Output = winner.Output
	res.Quality = weightedQuality(results, weights)
	res.Consensus = consensusScore(qualities)
	res.Success = true
	return res, nil
}

// voteWeights derives normalized ensemble weights from each agent's
// rolling collaboration metrics.
func (c *CollabPlanner) voteWeights(participants []string) []float64 {
	weights := make([]float64, len(participants))
	total := 0.0
	for i, id := range participants {
		w := 0.5
		if p, ok := c.registry.Get(id); ok {
			w = 0.4*p.Collaboration.QualityScore +
				0.3*p.Collaboration.CompletionRate +
				0.3*p.Collaboration.CollaborationEffectiveness
			if w <= 0 {
				w = 0.5
			}
		}
		weights[i] = w
		total += w
	}
	if total > 0 {
		for i := range weights {
			weights[i] /= total
		}
	}
	return weights
}

func weightedQuality(results []*ParticipantResult, weights []float64) float64 {
	sum, wsum := 0.0, 0.0
	for i, pr := range results {
		if pr.Error != "" {
			continue
		}
		sum += weights[i] * pr.Quality
		wsum += weights[i]
	}
	if wsum == 0 {
		return 0
	}
	return sum / wsum
}

// consensusScore is max(0, 1 - stddev/mean) over participant quality
// scores; identical scores yield 1.
func consensusScore(qualities []float64) float64 {
	if len(qualities) == 0 {
		return 0
	}
	mean := 0.0
	for _, q := range qualities {
		mean += q
	}
	mean /= float64(len(qualities))
	if mean == 0 {
		return 0
	}
	variance := 0.0
	for _, q := range qualities {
		variance += (q - mean) * (q - mean)
	}
	variance /= float64(len(qualities))
	return math.Max(0, 1-math.Sqrt(variance)/mean)
}

func (c *CollabPlanner) runHierarchical(ctx context.Context, spec *CollabSpec, input map[string]interface{}) (*CollabResult, error) {
	master := spec.Participants[0]
	workers := spec.Participants[1:]

	workerResults := c.runAll(ctx, workers, input)

	workerOutputs := make(map[string]interface{}, len(workerResults))
	for _, pr := range workerResults {
		if pr.Error == "" {
			workerOutputs[pr.AgentID] = pr.Output
		}
	}

	synthesis, err := c.executor.Execute(ctx, master, map[string]interface{}{
		"input":          input,
		"worker_outputs": workerOutputs,
		"role":           "synthesis",
	})

	res := &CollabResult{Participants: workerResults}
	if err != nil {
		res.Participants = append(res.Participants, &ParticipantResult{AgentID: master, Error: err.Error()})
		res.Success = false
		return res, nil
	}
	res.Participants = append(res.Participants, &ParticipantResult{
		AgentID: master, Output: synthesis.Output, Quality: synthesis.QualityScore,
	})
	res.Output = synthesis.Output
	res.Quality = synthesis.QualityScore
	res.Success = true
	return res, nil
}

func (c *CollabPlanner) runConsensus(ctx context.Context, spec *CollabSpec, input map[string]interface{}) (*CollabResult, error) {
	maxRounds := intRule(spec.Rules, "max_rounds", defaultMaxRounds)
	threshold := floatRule(spec.Rules, "agreement_threshold", defaultAgreement)

	res := &CollabResult{}
	current := input

	for round := 1; round <= maxRounds; round++ {
		results := c.runAll(ctx, spec.Participants, current)
		res.Participants = results
		res.Rounds = round

		var qualities []float64
		proposals := make(map[string]interface{})
		for _, pr := range results {
			if pr.Error != "" {
				continue
			}
			qualities = append(qualities, pr.Quality)
			proposals[pr.AgentID] = pr.Output
		}
		if len(qualities) == 0 {
			res.Success = false
			return res, nil
		}

		res.Consensus = consensusScore(qualities)
		res.Quality = meanOf(qualities)
		res.Output = proposals

		if res.Consensus >= threshold {
			res.Success = true
			return res, nil
		}

		// Next round: everyone sees everyone's proposals.
		current = map[string]interface{}{
			"input":     input,
			"proposals": proposals,
			"round":     round + 1,
		}
	}

	// Rounds exhausted without agreement.
	res.Success = false
	return res, nil
}

func (c *CollabPlanner) runPeerToPeer(ctx context.Context, spec *CollabSpec, input map[string]interface{}) (*CollabResult, error) {
	rounds := intRule(spec.Rules, "rounds", 2)

	res := &CollabResult{}
	current := input

	for round := 1; round <= rounds; round++ {
		results := c.runAll(ctx, spec.Participants, current)
		res.Participants = results
		res.Rounds = round

		peerOutputs := make(map[string]interface{})
		for _, pr := range results {
			if pr.Error == "" {
				peerOutputs[pr.AgentID] = pr.Output
			}
		}
		current = map[string]interface{}{
			"input": input,
			"peers": peerOutputs,
			"round": round + 1,
		}
	}

	best := bestResult(res.Participants)
	if best == nil {
		res.Success = false
		return res, nil
	}
	res.Output = best.Output
	res.Quality = best.Quality
	res.Success = true
	return res, nil
}

func (c *CollabPlanner) runCompetitive(ctx context.Context, spec *CollabSpec, input map[string]interface{}) (*CollabResult, error) {
	results := c.runAll(ctx, spec.Participants, input)

	res := &CollabResult{Participants: results}
	best := bestResult(results)
	if best == nil {
		res.Success = false
		return res, nil
	}
	res.Output = best.Output
	res.Quality = best.Quality
	res.Success = true
	return res, nil
}

func (c *CollabPlanner) runIterative(ctx context.Context, spec *CollabSpec, input map[string]interface{}) (*CollabResult, error) {
	rounds := intRule(spec.Rules, "rounds", defaultIterativeRounds)

	res := &CollabResult{}
	current := input

	for round := 1; round <= rounds; round++ {
		for _, agentID := range spec.Participants {
			r, err := c.executor.Execute(ctx, agentID, current)
			if err != nil {
				res.Participants = append(res.Participants, &ParticipantResult{AgentID: agentID, Error: err.Error()})
				continue
			}
			pr := &ParticipantResult{AgentID: agentID, Output: r.Output, Quality: r.QualityScore}
			res.Participants = append(res.Participants, pr)
			res.Output = r.Output
			res.Quality = r.QualityScore
			current = map[string]interface{}{
				"input":    input,
				"previous": r.Output,
				"round":    round,
			}
		}
		res.Rounds = round
	}

	res.Success = res.Output != nil
	return res, nil
}

func bestResult(results []*ParticipantResult) *ParticipantResult {
	var best *ParticipantResult
	for _, pr := range results {
		if pr.Error != "" {
			continue
		}
		if best == nil || pr.Quality > best.Quality {
			best = pr
		}
	}
	return best
}

func meanOf(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func intRule(rules map[string]interface{}, key string, def int) int {
	if v, ok := rules[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		}
	}
	return def
}

func floatRule(rules map[string]interface{}, key string, def float64) float64 {
	if v, ok := rules[key]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		}
	}
	return def
}
