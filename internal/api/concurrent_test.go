package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/TimurManjosov/flageval/internal/command"
	"github.com/TimurManjosov/flageval/internal/snapshot"
	"github.com/TimurManjosov/flageval/internal/store"
)

func TestConcurrent_CreateFeatures(t *testing.T) {
	ts := newTestServer(t)

	var wg sync.WaitGroup
	numFlags := 50
	for i := 0; i < numFlags; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			rr := ts.do(t, http.MethodPost, "/v1/environments/prod/features", command.CreateFeature{
				ID:                       fmt.Sprintf("flag_%d", n),
				Name:                     fmt.Sprintf("Flag %d", n),
				VariationType:            store.VariationBoolean,
				Variations:               []store.Variation{{ID: "on", Value: "true"}, {ID: "off", Value: "false"}},
				DefaultOffVariationIndex: 1,
			}, "")
			if rr.Code != http.StatusCreated {
				t.Errorf("Failed to create flag_%d: status %d", n, rr.Code)
			}
		}(i)
	}
	wg.Wait()

	snap, ok := ts.registry.Load("prod")
	if !ok {
		t.Fatal("snapshot not loaded")
	}
	if len(snap.Flags) != numFlags {
		t.Errorf("Expected %d flags in snapshot, got %d", numFlags, len(snap.Flags))
	}
}

func TestConcurrent_EvaluationsDuringCommands(t *testing.T) {
	ts := newTestServer(t)
	ts.createFeature(t, "hot_flag")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			name := "EnableFeature"
			if n%2 == 1 {
				name = "DisableFeature"
			}
			rr := ts.do(t, http.MethodPost, "/v1/environments/prod/features/hot_flag/commands",
				command.Envelope{Type: name}, "")
			// concurrent writers on one flag may lose the version race
			if rr.Code != http.StatusOK && rr.Code != http.StatusConflict {
				t.Errorf("%s: status %d: %s", name, rr.Code, rr.Body.String())
			}
		}(i)
		go func(n int) {
			defer wg.Done()
			rr := ts.do(t, http.MethodPost, "/v1/environments/prod/evaluations",
				EvaluationRequest{User: &EvaluationUserDTO{ID: fmt.Sprintf("user-%d", n)}}, "")
			if rr.Code != http.StatusOK {
				t.Errorf("evaluation: status %d: %s", rr.Code, rr.Body.String())
				return
			}
			var resp EvaluationResponse
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Errorf("decode: %v", err)
				return
			}
			if len(resp.Evaluations.Evaluations) != 1 {
				t.Errorf("Expected 1 evaluation, got %d", len(resp.Evaluations.Evaluations))
			}
		}(i)
	}
	wg.Wait()
}

func TestConcurrent_SnapshotETagMatchesBody(t *testing.T) {
	ts := newTestServer(t)
	ts.createFeature(t, "flag1")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			ts.do(t, http.MethodPost, "/v1/environments/prod/features/flag1/commands",
				command.Envelope{Type: "AddTag", Payload: json.RawMessage(fmt.Sprintf(`{"tag":"t%d"}`, n))}, "")
		}(i)
		go func() {
			defer wg.Done()
			rr := ts.do(t, http.MethodGet, "/v1/environments/prod/snapshot", nil, "")
			if rr.Code != http.StatusOK {
				t.Errorf("snapshot: status %d", rr.Code)
				return
			}
			var snap snapshot.Snapshot
			if err := json.NewDecoder(rr.Body).Decode(&snap); err != nil {
				t.Errorf("decode: %v", err)
				return
			}
			if got := rr.Header().Get("ETag"); got != snap.ETag {
				t.Errorf("ETag header %s does not match body %s", got, snap.ETag)
			}
		}()
	}
	wg.Wait()
}
