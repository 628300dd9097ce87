package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestListChangesQueryParams(t *testing.T) {
	var gotStage, gotLimit string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotStage = r.URL.Query().Get("stage")
		gotLimit = r.URL.Query().Get("limit")
		json.NewEncoder(w).Encode([]any{})
	}))
	defer ts.Close()

	client := NewClient(ts.URL)
	if _, err := client.ListChanges(context.Background(), "branched", 5); err != nil {
		t.Fatalf("ListChanges failed: %v", err)
	}
	if gotStage != "branched" || gotLimit != "5" {
		t.Fatalf("query = stage:%q limit:%q, want branched/5", gotStage, gotLimit)
	}

	if _, err := client.ListChanges(context.Background(), "", 0); err != nil {
		t.Fatalf("ListChanges failed: %v", err)
	}
	if gotStage != "" || gotLimit != "" {
		t.Fatalf("unfiltered list must send no query, got stage:%q limit:%q", gotStage, gotLimit)
	}
}

func TestAPIErrorCarriesStage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "blocked at branched: push requires implementation_written",
			"stage": "branched",
		})
	}))
	defer ts.Close()

	client := NewClient(ts.URL)
	_, err := client.RecordPush(context.Background(), "chg-1")
	if err == nil {
		t.Fatal("expected an error")
	}
	apiErr, ok := err.(*apiError)
	if !ok {
		t.Fatalf("expected *apiError, got %T", err)
	}
	if apiErr.Status != http.StatusConflict || apiErr.Stage != "branched" {
		t.Fatalf("unexpected apiError: %+v", apiErr)
	}
}
