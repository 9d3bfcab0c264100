package registry

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(0.85, zap.NewNop())
}

func textProfile(id string) *Profile {
	return &Profile{
		ID:              id,
		Type:            TypeText,
		Specializations: []string{"text_analysis"},
		Metrics:         PerformanceMetrics{Accuracy: 0.9, Speed: 0.9, Reliability: 0.9},
		MaxConcurrent:   2,
	}
}

func TestRegisterDefaults(t *testing.T) {
	r := newTestRegistry(t)
	id := r.Register(&Profile{Type: TypeText})
	if id == "" {
		t.Fatal("Register did not generate an id")
	}
	p, ok := r.Get(id)
	if !ok {
		t.Fatal("registered agent not found")
	}
	if p.MaxConcurrent != 1 {
		t.Fatalf("MaxConcurrent = %d, want defaulted 1", p.MaxConcurrent)
	}
	if p.Status != StatusIdle {
		t.Fatalf("Status = %s, want idle", p.Status)
	}
	if p.RegisteredAt.IsZero() {
		t.Fatal("RegisteredAt not stamped")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	r := newTestRegistry(t)
	id := r.Register(textProfile("a"))
	p, _ := r.Get(id)
	p.Specializations[0] = "mutated"
	p.Status = StatusError

	again, _ := r.Get(id)
	if again.Specializations[0] != "text_analysis" {
		t.Fatal("Get exposed shared specialization slice")
	}
	if again.Status != StatusIdle {
		t.Fatal("Get exposed shared profile")
	}
}

func TestDeregisterGuards(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(textProfile("only"))

	if err := r.Deregister("ghost"); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("deregister ghost = %v, want ErrAgentNotFound", err)
	}
	if err := r.Deregister("only"); !errors.Is(err, ErrLastOfType) {
		t.Fatalf("deregister last of type = %v, want ErrLastOfType", err)
	}

	r.Register(textProfile("second"))
	if err := r.Assign("only", "t1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if err := r.Deregister("only"); !errors.Is(err, ErrAgentActive) {
		t.Fatalf("deregister active = %v, want ErrAgentActive", err)
	}

	r.Complete("only", "t1", true, 0.9, time.Second)
	if err := r.Deregister("only"); err != nil {
		t.Fatalf("deregister idle sibling: %v", err)
	}
	if _, ok := r.Get("only"); ok {
		t.Fatal("agent still present after deregistration")
	}
}

func TestAssignCapacity(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(textProfile("a"))

	if err := r.Assign("a", "t1"); err != nil {
		t.Fatalf("first Assign: %v", err)
	}
	if err := r.Assign("a", "t2"); err != nil {
		t.Fatalf("second Assign: %v", err)
	}
	if err := r.Assign("a", "t3"); !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("third Assign = %v, want ErrNoCapacity", err)
	}

	p, _ := r.Get("a")
	if len(p.ActiveTasks) != 2 {
		t.Fatalf("ActiveTasks = %v, want 2 entries", p.ActiveTasks)
	}
	if p.Status != StatusOverloaded {
		t.Fatalf("Status = %s, want overloaded at full load", p.Status)
	}
}

func TestCompleteRecordsHistory(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(textProfile("a"))
	if err := r.Assign("a", "t1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	r.Complete("a", "t1", true, 0.95, 2*time.Second)

	p, _ := r.Get("a")
	if len(p.ActiveTasks) != 0 {
		t.Fatalf("ActiveTasks = %v, want empty", p.ActiveTasks)
	}
	if len(p.History) != 1 {
		t.Fatalf("History = %d entries, want 1", len(p.History))
	}
	s := p.History[0]
	if s.TaskID != "t1" || !s.Success || s.Quality != 0.95 {
		t.Fatalf("sample = %+v", s)
	}
	if p.Status != StatusIdle {
		t.Fatalf("Status = %s, want idle after completion", p.Status)
	}
}

func TestHistoryWindowBounded(t *testing.T) {
	r := newTestRegistry(t)
	p := textProfile("a")
	p.MaxConcurrent = 1
	r.Register(p)

	for i := 0; i < historyLimit+10; i++ {
		if err := r.Assign("a", "t"); err != nil {
			t.Fatalf("Assign %d: %v", i, err)
		}
		r.Complete("a", "t", true, 0.9, time.Second)
	}

	got, _ := r.Get("a")
	if len(got.History) != historyLimit {
		t.Fatalf("History = %d entries, want capped at %d", len(got.History), historyLimit)
	}
}

func TestUpdateLoadClampsAndDerivesStatus(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(textProfile("a"))

	if err := r.UpdateLoad("a", 0.9); err != nil {
		t.Fatalf("UpdateLoad: %v", err)
	}
	p, _ := r.Get("a")
	if p.Status != StatusOverloaded {
		t.Fatalf("Status = %s, want overloaded above threshold", p.Status)
	}

	if err := r.UpdateLoad("a", 5); err != nil {
		t.Fatalf("UpdateLoad: %v", err)
	}
	p, _ = r.Get("a")
	if p.CurrentLoad != 1 {
		t.Fatalf("CurrentLoad = %f, want clamped to 1", p.CurrentLoad)
	}

	if err := r.UpdateLoad("a", -5); err != nil {
		t.Fatalf("UpdateLoad: %v", err)
	}
	p, _ = r.Get("a")
	if p.CurrentLoad != 0 {
		t.Fatalf("CurrentLoad = %f, want clamped to 0", p.CurrentLoad)
	}
	if p.Status != StatusIdle {
		t.Fatalf("Status = %s, want idle at zero load", p.Status)
	}

	if err := r.UpdateLoad("ghost", 0.1); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("UpdateLoad ghost = %v, want ErrAgentNotFound", err)
	}
}

func TestMaintenanceStatusSticky(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(textProfile("a"))
	if err := r.SetStatus("a", StatusMaintenance); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	if err := r.UpdateLoad("a", -1); err != nil {
		t.Fatalf("UpdateLoad: %v", err)
	}
	p, _ := r.Get("a")
	if p.Status != StatusMaintenance {
		t.Fatalf("Status = %s, load changes must not clear maintenance", p.Status)
	}
	if p.HasCapacity() {
		t.Fatal("maintenance agent reported capacity")
	}
}

func TestListFilters(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(textProfile("t1"))
	r.Register(textProfile("t2"))
	vision := &Profile{
		ID:              "v1",
		Type:            TypeVision,
		Specializations: []string{"vision_analysis"},
		MaxConcurrent:   1,
	}
	r.Register(vision)
	if err := r.SetStatus("t2", StatusMaintenance); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	if got := len(r.List(Filter{})); got != 3 {
		t.Fatalf("List all = %d, want 3", got)
	}
	if got := len(r.List(Filter{Type: TypeText})); got != 2 {
		t.Fatalf("List text = %d, want 2", got)
	}
	if got := len(r.List(Filter{Specialization: "vision_analysis"})); got != 1 {
		t.Fatalf("List by specialization = %d, want 1", got)
	}
	if got := len(r.List(Filter{OnlyAvailable: true})); got != 2 {
		t.Fatalf("List available = %d, want 2 (maintenance excluded)", got)
	}
	if got := len(r.List(Filter{Status: StatusMaintenance})); got != 1 {
		t.Fatalf("List maintenance = %d, want 1", got)
	}
}
