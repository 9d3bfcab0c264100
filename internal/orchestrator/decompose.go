package orchestrator

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Complexity classifies a task's difficulty.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
	ComplexityExpert   Complexity = "expert"
)

// Decomposition splits one task into a dependent subtask graph.
type Decomposition struct {
	OriginalTaskID string              `json:"original_task_id"`
	Subtasks       []*Task             `json:"subtasks"`
	Dependencies   map[string][]string `json:"dependencies"`
	MergeStrategy  string              `json:"merge_strategy"`
	Quality        map[string]float64  `json:"quality_requirements,omitempty"`
	EstImprovement float64             `json:"estimated_improvement"`
}

// templateFunc builds a decomposition for one task. Templates are a
// closed set resolved when the decomposer is constructed, never looked
// up per invocation by string dispatch.
type templateFunc func(t *Task) *Decomposition

// typeBaseScores is the fixed per-type complexity floor.
var typeBaseScores = map[string]float64{
	"multimodal_fusion": 0.9,
	"complex_reasoning": 0.8,
	"code_generation":   0.7,
	"data_analysis":     0.6,
	"summarization":     0.4,
	"classification":    0.3,
	"text_generation":   0.4,
}

const defaultBaseScore = 0.5

// modalityKeywords maps payload key fragments to a detected modality.
var modalityKeywords = map[string]string{
	"image": "vision", "vision": "vision", "photo": "vision", "frame": "vision",
	"audio": "audio", "speech": "audio", "voice": "audio", "sound": "audio",
	"text": "text", "document": "text", "prompt": "text", "query": "text",
	"video": "video", "clip": "video",
}

// Decomposer scores task complexity and splits tasks that exceed a
// threshold. Results are cached by (type, requirements fingerprint) and
// re-keyed for each new task instance.
type Decomposer struct {
	templates map[string]templateFunc
	fallback  templateFunc

	mu     sync.Mutex
	cache  map[string]*Decomposition
	logger *zap.Logger
}

// NewDecomposer creates a decomposer with the built-in template set.
func NewDecomposer(logger *zap.Logger) *Decomposer {
	d := &Decomposer{
		cache:  make(map[string]*Decomposition),
		logger: logger,
	}
	d.templates = map[string]templateFunc{
		"multimodal_fusion": d.fusionTemplate,
		"complex_reasoning": d.reasoningTemplate,
	}
	d.fallback = d.defaultTemplate
	return d
}

// ComplexityScore is a weighted sum of payload size, detected
// modalities, requirement pressure, and a per-type base score.
func (d *Decomposer) ComplexityScore(t *Task) float64 {
	score := float64(len(t.Input)) * 0.1

	score += float64(len(detectModalities(t.Input))) * 0.3

	score += float64(len(t.Requirements)) * 0.1
	if v, ok := numericRequirement(t.Requirements, "accuracy_threshold"); ok && v > 0.9 {
		score += 0.2
	}
	if boolRequirement(t.Requirements, "real_time") {
		score += 0.3
	}
	if boolRequirement(t.Requirements, "multi_step") {
		score += 0.4
	}

	if base, ok := typeBaseScores[t.Type]; ok {
		score += base
	} else {
		score += defaultBaseScore
	}
	return score
}

// Classify buckets a complexity score.
func Classify(score float64) Complexity {
	switch {
	case score < 0.4:
		return ComplexitySimple
	case score < 0.7:
		return ComplexityModerate
	case score < 0.9:
		return ComplexityComplex
	default:
		return ComplexityExpert
	}
}

// Decompose returns nil when the task's complexity does not exceed the
// threshold, a plain "no decomposition needed" outcome, not an error.
// The returned decomposition is always the caller's private copy; cache
// entries are never handed out directly.
func (d *Decomposer) Decompose(t *Task, threshold float64) *Decomposition {
	if d.ComplexityScore(t) <= threshold {
		return nil
	}

	key := cacheKey(t)

	d.mu.Lock()
	cached, hit := d.cache[key]
	d.mu.Unlock()

	if hit {
		d.logger.Debug("decomposition cache hit",
			zap.String("task", t.ID),
			zap.String("type", t.Type))
		return adaptDecomposition(cached, t)
	}

	tmpl, ok := d.templates[t.Type]
	if !ok {
		tmpl = d.fallback
	}
	dec := tmpl(t)

	d.mu.Lock()
	d.cache[key] = dec
	d.mu.Unlock()

	// The cache keeps the pristine template output; callers get a copy
	// they are free to mutate while rewiring surrounding edges.
	return adaptDecomposition(dec, t)
}

// fusionTemplate splits multimodal fusion into parallel modality
// analyses joined by a fusion step.
func (d *Decomposer) fusionTemplate(t *Task) *Decomposition {
	vision := subtask(t, "vision", "vision_analysis", 0.4)
	text := subtask(t, "text", "text_analysis", 0.4)
	fusion := subtask(t, "fusion", "fusion", 0.2)
	fusion.Dependencies = []string{vision.ID, text.ID}

	return &Decomposition{
		OriginalTaskID: t.ID,
		Subtasks:       []*Task{vision, text, fusion},
		Dependencies: map[string][]string{
			vision.ID: nil,
			text.ID:   nil,
			fusion.ID: {vision.ID, text.ID},
		},
		MergeStrategy:  "synthesis",
		Quality:        map[string]float64{"fusion_coherence": 0.8},
		EstImprovement: 0.25,
	}
}

// reasoningTemplate produces the linear analysis -> reasoning ->
// validation chain.
func (d *Decomposer) reasoningTemplate(t *Task) *Decomposition {
	analysis := subtask(t, "analysis", "analysis", 0.3)
	reasoning := subtask(t, "reasoning", "reasoning", 0.5)
	validation := subtask(t, "validation", "validation", 0.2)
	reasoning.Dependencies = []string{analysis.ID}
	validation.Dependencies = []string{reasoning.ID}

	return &Decomposition{
		OriginalTaskID: t.ID,
		Subtasks:       []*Task{analysis, reasoning, validation},
		Dependencies: map[string][]string{
			analysis.ID:   nil,
			reasoning.ID:  {analysis.ID},
			validation.ID: {reasoning.ID},
		},
		MergeStrategy:  "sequential",
		Quality:        map[string]float64{"validation_pass": 0.9},
		EstImprovement: 0.2,
	}
}

// defaultTemplate is the preparation/execution split used for types
// without a dedicated template.
func (d *Decomposer) defaultTemplate(t *Task) *Decomposition {
	prep := subtask(t, "preparation", t.Type+"_preparation", 0.3)
	exec := subtask(t, "execution", t.Type, 0.7)
	exec.Dependencies = []string{prep.ID}

	return &Decomposition{
		OriginalTaskID: t.ID,
		Subtasks:       []*Task{prep, exec},
		Dependencies: map[string][]string{
			prep.ID: nil,
			exec.ID: {prep.ID},
		},
		MergeStrategy:  "sequential",
		EstImprovement: 0.1,
	}
}

// subtask derives a child task carrying the parent's priority, inputs,
// and a fraction of its estimated duration.
func subtask(parent *Task, suffix, taskType string, durShare float64) *Task {
	return &Task{
		ID:           parent.ID + "-" + suffix,
		Type:         taskType,
		Priority:     parent.Priority,
		Requirements: parent.Requirements,
		Input:        parent.Input,
		Deadline:     parent.Deadline,
		EstimatedDur: time.Duration(float64(parent.EstimatedDur) * durShare),
		Status:       TaskPending,
		CreatedAt:    time.Now(),
	}
}

// adaptDecomposition re-keys a cached decomposition onto a new task id.
// Every subtask id and dependency reference has the cached task's id
// prefix substituted for the new one.
func adaptDecomposition(cached *Decomposition, t *Task) *Decomposition {
	rekey := func(id string) string {
		return strings.Replace(id, cached.OriginalTaskID, t.ID, 1)
	}

	out := &Decomposition{
		OriginalTaskID: t.ID,
		Subtasks:       make([]*Task, len(cached.Subtasks)),
		Dependencies:   make(map[string][]string, len(cached.Dependencies)),
		MergeStrategy:  cached.MergeStrategy,
		Quality:        cached.Quality,
		EstImprovement: cached.EstImprovement,
	}

	for i, st := range cached.Subtasks {
		c := *st
		c.ID = rekey(st.ID)
		c.Input = t.Input
		c.Requirements = t.Requirements
		c.Deadline = t.Deadline
		c.Priority = t.Priority
		c.CreatedAt = time.Now()
		c.Dependencies = make([]string, len(st.Dependencies))
		for j, dep := range st.Dependencies {
			c.Dependencies[j] = rekey(dep)
		}
		out.Subtasks[i] = &c
	}
	for id, deps := range cached.Dependencies {
		rd := make([]string, len(deps))
		for i, dep := range deps {
			rd[i] = rekey(dep)
		}
		out.Dependencies[rekey(id)] = rd
	}
	return out
}

// cacheKey fingerprints (type, requirements) so that tasks of the same
// shape share one cached decomposition.
func cacheKey(t *Task) string {
	keys := make([]string, 0, len(t.Requirements))
	for k := range t.Requirements {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := fnv.New64a()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%v;", k, t.Requirements[k])
	}
	return fmt.Sprintf("%s#%x", t.Type, h.Sum64())
}

func detectModalities(input map[string]interface{}) map[string]bool {
	found := make(map[string]bool)
	for key := range input {
		lower := strings.ToLower(key)
		for frag, modality := range modalityKeywords {
			if strings.Contains(lower, frag) {
				found[modality] = true
			}
		}
	}
	return found
}

func numericRequirement(reqs map[string]interface{}, key string) (float64, bool) {
	v, ok := reqs[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func boolRequirement(reqs map[string]interface{}, key string) bool {
	v, ok := reqs[key]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}
