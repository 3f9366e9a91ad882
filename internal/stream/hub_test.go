package stream

import (
	"testing"

	"github.com/catalogmirror/banner-scrape/internal/domain"
)

func jobEvent(kind domain.DomainEventKind, id int64, status *domain.ScrapeJobStatus) domain.DomainEvent {
	return domain.DomainEvent{Kind: kind, ScrapeJob: &domain.ScrapeJobEvent{ID: id, Status: status}}
}

// Walks a job through Created -> Locked -> Completed against a
// status=[pending] filter: the Locked and Completed transitions must keep
// delivering via known_ids even though their status no longer matches, and
// Completed must evict the id.
func TestKnownIDsLifecycle(t *testing.T) {
	c := &connection{}
	sub := &subscription{
		id:       "sub-1",
		stream:   StreamScrapeJobs,
		jobsF:    ScrapeJobsFilter{Status: []domain.ScrapeJobStatus{domain.StatusPending}},
		knownIDs: make(map[int64]bool),
	}

	pending := domain.StatusPending
	processing := domain.StatusProcessing

	if !c.deliverScrapeJobEvent(sub, jobEvent(domain.EventScrapeJobCreated, 42, &pending)) {
		t.Fatal("matching Created must deliver")
	}
	if !sub.knownIDs[42] {
		t.Fatal("Created must register the id")
	}

	if !c.deliverScrapeJobEvent(sub, jobEvent(domain.EventScrapeJobLocked, 42, &processing)) {
		t.Fatal("Locked on a known id must deliver despite status mismatch")
	}

	if !c.deliverScrapeJobEvent(sub, jobEvent(domain.EventScrapeJobCompleted, 42, nil)) {
		t.Fatal("Completed on a known id must deliver")
	}
	if sub.knownIDs[42] {
		t.Fatal("Completed must evict the id")
	}

	// A straggler Deleted after eviction is silent.
	if c.deliverScrapeJobEvent(sub, jobEvent(domain.EventScrapeJobDeleted, 42, nil)) {
		t.Error("event on an evicted id must not deliver")
	}
}

func TestKnownIDsCreatedFilterMismatch(t *testing.T) {
	c := &connection{}
	sub := &subscription{
		id:       "sub-1",
		stream:   StreamScrapeJobs,
		jobsF:    ScrapeJobsFilter{Status: []domain.ScrapeJobStatus{domain.StatusProcessing}},
		knownIDs: make(map[int64]bool),
	}

	pending := domain.StatusPending
	if c.deliverScrapeJobEvent(sub, jobEvent(domain.EventScrapeJobCreated, 7, &pending)) {
		t.Error("non-matching Created must not deliver")
	}
	if sub.knownIDs[7] {
		t.Error("non-matching Created must not register the id")
	}

	// Completed on a never-known id is silent too.
	if c.deliverScrapeJobEvent(sub, jobEvent(domain.EventScrapeJobCompleted, 7, nil)) {
		t.Error("Completed on an unknown id must not deliver")
	}
}

func TestKnownIDsLateMatchRegistersOnTransition(t *testing.T) {
	c := &connection{}
	sub := &subscription{
		id:       "sub-1",
		stream:   StreamScrapeJobs,
		jobsF:    ScrapeJobsFilter{Status: []domain.ScrapeJobStatus{domain.StatusProcessing}},
		knownIDs: make(map[int64]bool),
	}

	// The subscription filters on Processing, so Created{Pending} passes
	// it by; the later Locked{Processing} is this subscription's first
	// sight of the job and must both deliver and register.
	processing := domain.StatusProcessing
	if !c.deliverScrapeJobEvent(sub, jobEvent(domain.EventScrapeJobLocked, 11, &processing)) {
		t.Fatal("newly matching Locked must deliver")
	}
	if !sub.knownIDs[11] {
		t.Fatal("newly matching Locked must register the id")
	}

	if !c.deliverScrapeJobEvent(sub, jobEvent(domain.EventScrapeJobCompleted, 11, nil)) {
		t.Error("Completed must deliver after late registration")
	}
}
