package relaycache

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/eljojo/relaycache/types"
)

// Drop reasons reported by the built-in stages.
const (
	ReasonEphemeral = "ephemeral"
	ReasonExpired   = "expired"
	ReasonDeleted   = "deleted"
	ReasonDuplicate = "duplicate"
	ReasonRejected  = "rejected"
)

// ErrInvalidEvent is wrapped by VerifyStage failures.
var ErrInvalidEvent = errors.New("invalid event")

// StageResult represents the outcome of a pipeline stage.
//
// Every stage returns an explicit result - no silent failures.
type StageResult struct {
	Event  *nostr.Event // The event to continue with (nil = dropped)
	Error  error        // Set if the stage failed (bad id, bad signature)
	Reason string       // Why the event was dropped ("expired", "deleted", ...)
}

// Continue indicates the event should proceed to the next stage.
func Continue(ev *nostr.Event) StageResult {
	return StageResult{Event: ev}
}

// Drop indicates the event was intentionally filtered out.
func Drop(reason string) StageResult {
	return StageResult{Reason: reason}
}

// Fail indicates the event is broken.
func Fail(err error) StageResult {
	return StageResult{Error: err}
}

// IsContinue returns true if the result indicates continuation.
func (r StageResult) IsContinue() bool {
	return r.Event != nil && r.Error == nil
}

// IsDrop returns true if the result indicates an intentional drop.
func (r StageResult) IsDrop() bool {
	return r.Event == nil && r.Error == nil
}

// IsError returns true if the result indicates an error.
func (r StageResult) IsError() bool {
	return r.Error != nil
}

// Stage processes one incoming event.
type Stage interface {
	Process(ev *nostr.Event) StageResult
}

// StageFunc adapts a plain function to Stage.
type StageFunc func(ev *nostr.Event) StageResult

func (f StageFunc) Process(ev *nostr.Event) StageResult {
	return f(ev)
}

// Pipeline chains stages. The first drop or error stops the run.
type Pipeline []Stage

// Run executes the pipeline on an event.
func (p Pipeline) Run(ev *nostr.Event) StageResult {
	if ev == nil {
		return Drop(ReasonRejected)
	}
	for _, stage := range p {
		result := stage.Process(ev)
		if result.Error != nil {
			return result
		}
		if result.Event == nil {
			return result
		}
		ev = result.Event
	}
	return Continue(ev)
}

// VerifyStage checks the event id and signature.
type VerifyStage struct{}

func (VerifyStage) Process(ev *nostr.Event) StageResult {
	if ev.GetID() != ev.ID {
		return Fail(fmt.Errorf("%w: id mismatch", ErrInvalidEvent))
	}
	ok, err := ev.CheckSignature()
	if err != nil {
		return Fail(fmt.Errorf("%w: %v", ErrInvalidEvent, err))
	}
	if !ok {
		return Fail(fmt.Errorf("%w: bad signature", ErrInvalidEvent))
	}
	return Continue(ev)
}

// ScreenStage drops events the store would refuse, so the drop carries a
// reason instead of a bare rejection.
type ScreenStage struct {
	Store *EventStore
}

func (s ScreenStage) Process(ev *nostr.Event) StageResult {
	switch {
	case ClassifyKind(ev.Kind) == KindClassEphemeral:
		return Drop(ReasonEphemeral)
	case s.Store.Expirations().Check(ev):
		return Drop(ReasonExpired)
	case s.Store.Deletes().Check(ev):
		return Drop(ReasonDeleted)
	case s.Store.Has(types.EventID(ev.ID)):
		return Drop(ReasonDuplicate)
	}
	return Continue(ev)
}

// StoreStage inserts the event.
type StoreStage struct {
	Store *EventStore
}

func (s StoreStage) Process(ev *nostr.Event) StageResult {
	if !s.Store.Insert(ev) {
		return Drop(ReasonRejected)
	}
	return Continue(ev)
}

// Ingestor runs incoming events through a pipeline and counts the outcomes.
type Ingestor struct {
	pipeline Pipeline
	log      *ServiceLog

	mu       sync.Mutex
	accepted int
	dropped  map[string]int
	failed   int
}

// NewIngestor returns an ingestor that stores events into store. Signatures
// are verified when verify is set.
func NewIngestor(store *EventStore, verify bool) *Ingestor {
	// screening is cheap, signature checks are not
	p := Pipeline{ScreenStage{Store: store}}
	if verify {
		p = append(p, VerifyStage{})
	}
	p = append(p, StoreStage{Store: store})
	return NewIngestorWith(p)
}

// NewIngestorWith wraps an arbitrary pipeline.
func NewIngestorWith(p Pipeline) *Ingestor {
	return &Ingestor{
		pipeline: p,
		log:      Log("ingest"),
		dropped:  make(map[string]int),
	}
}

// Ingest runs ev through the pipeline and reports whether it made it through.
func (in *Ingestor) Ingest(ev *nostr.Event) bool {
	result := in.pipeline.Run(ev)

	in.mu.Lock()
	defer in.mu.Unlock()
	switch {
	case result.IsError():
		in.failed++
		in.log.Debug("🚫 %s: %v", shortID(ev), result.Error)
		return false
	case result.IsDrop():
		in.dropped[result.Reason]++
		return false
	}
	in.accepted++
	return true
}

// IngestStats counts pipeline outcomes.
type IngestStats struct {
	Accepted int            `json:"accepted"`
	Failed   int            `json:"failed"`
	Dropped  map[string]int `json:"dropped"`
}

// Stats returns a copy of the counters.
func (in *Ingestor) Stats() IngestStats {
	in.mu.Lock()
	defer in.mu.Unlock()
	st := IngestStats{Accepted: in.accepted, Failed: in.failed, Dropped: make(map[string]int, len(in.dropped))}
	for k, v := range in.dropped {
		st.Dropped[k] = v
	}
	return st
}

// DropReasons lists the reasons seen so far, sorted.
func (st IngestStats) DropReasons() []string {
	reasons := make([]string, 0, len(st.Dropped))
	for r := range st.Dropped {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	return reasons
}

func shortID(ev *nostr.Event) string {
	if ev == nil {
		return "<nil>"
	}
	if len(ev.ID) > 8 {
		return ev.ID[:8]
	}
	return ev.ID
}
