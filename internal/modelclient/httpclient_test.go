package modelclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ghosttab/orchestrator/internal/driver"
)

func TestHTTPTier1Client_SendsBearerTokenAndDecodesResponse(t *testing.T) {
	var gotAuth string
	var gotBody Tier1Request

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(Tier1Response{
			Action:     driver.Action{Kind: driver.ActionDone},
			Confidence: 0.8,
		})
	}))
	defer srv.Close()

	c := NewHTTPTier1Client(srv.URL, HTTPConfig{APIKey: "secret-key", Timeout: 0}, zap.NewNop())
	resp, err := c.Infer(context.Background(), Tier1Request{Intent: "go somewhere"})

	require.NoError(t, err)
	assert.Equal(t, "Bearer secret-key", gotAuth)
	assert.Equal(t, "go somewhere", gotBody.Intent)
	assert.Equal(t, driver.ActionDone, resp.Action.Kind)
	assert.Equal(t, 0.8, resp.Confidence)
}

func TestHTTPTier2Client_NonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPTier2Client(srv.URL, HTTPConfig{}, zap.NewNop())
	_, err := c.Infer(context.Background(), Tier2Request{Intent: "look around"})

	require.Error(t, err)
}

func TestHTTPPlannerClient_DecodesSubtaskList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"subtasks": []PlannedSubtask{
				{Intent: "step one", Verification: Verification{Type: "url", Condition: "contains:/cart"}},
			},
		})
	}))
	defer srv.Close()

	c := NewHTTPPlannerClient(srv.URL, HTTPConfig{}, zap.NewNop())
	subtasks, err := c.Plan(context.Background(), PlanRequest{Intent: "buy a lamp"})

	require.NoError(t, err)
	require.Len(t, subtasks, 1)
	assert.Equal(t, "step one", subtasks[0].Intent)
}
