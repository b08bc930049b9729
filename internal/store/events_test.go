package store

import (
	"testing"

	"github.com/poduptrigger/poduptrigger/internal/domain"
)

func TestRecordEventAssignsSeq(t *testing.T) {
	s := testStore(t)
	for i := 0; i < 3; i++ {
		e := domain.Event{RequestID: "r", TS: int64(i), Method: "GET", Path: "/api/tasks", Status: 200, Action: domain.ActionHTTPRequest}
		if err := s.RecordEvent(e); err != nil {
			t.Fatalf("RecordEvent: %v", err)
		}
	}
	events, err := s.ListEvents(EventFilter{}, Page{})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
	if events[0].Seq < events[1].Seq {
		t.Errorf("events not newest-first: %+v", events)
	}
}

func TestListEventsFilters(t *testing.T) {
	s := testStore(t)
	if err := s.RecordEvent(domain.Event{Path: "/api/tasks", Status: 200, Action: domain.ActionHTTPRequest, TaskID: "t1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordEvent(domain.Event{Path: "/webhooks/gh", Status: 401, Action: domain.ActionWebhook}); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListEvents(EventFilter{PathPrefix: "/webhooks"}, Page{})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(got) != 1 || got[0].Status != 401 {
		t.Fatalf("got = %+v, want single webhook event", got)
	}

	got, err = s.ListEvents(EventFilter{TaskID: "t1"}, Page{})
	if err != nil {
		t.Fatalf("ListEvents by task: %v", err)
	}
	if len(got) != 1 || got[0].TaskID != "t1" {
		t.Fatalf("got = %+v, want single t1 event", got)
	}
}

func TestListEventsPagination(t *testing.T) {
	s := testStore(t)
	for i := 0; i < 5; i++ {
		if err := s.RecordEvent(domain.Event{Path: "/x", Status: 200, Action: domain.ActionHTTPRequest}); err != nil {
			t.Fatal(err)
		}
	}
	page1, err := s.ListEvents(EventFilter{}, Page{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	page2, err := s.ListEvents(EventFilter{}, Page{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page1) != 2 || len(page2) != 2 {
		t.Fatalf("page1=%d page2=%d, want 2,2", len(page1), len(page2))
	}
	if page1[0].Seq == page2[0].Seq {
		t.Errorf("pages overlap: %+v vs %+v", page1, page2)
	}
}
