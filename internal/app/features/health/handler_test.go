package health_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/transitcore/buscoord/internal/app/features/health"
	"github.com/transitcore/buscoord/internal/testutil"
)

func TestServe_StoresConnected(t *testing.T) {
	db := testutil.SetupTestDB(t)
	pg := testutil.SetupTestPG(t)
	handler := health.NewHandler(db.Client(), pg, zap.NewNop())

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()

	handler.Serve(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	contentType := rec.Header().Get("Content-Type")
	if contentType != "application/json" {
		t.Errorf("Content-Type: got %q, want %q", contentType, "application/json")
	}

	var response struct {
		Status       string `json:"status"`
		Primary      string `json:"primary_store"`
		Coordination string `json:"coordination_store"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if response.Status != "ok" {
		t.Errorf("status: got %q, want %q", response.Status, "ok")
	}
	if response.Primary != "connected" {
		t.Errorf("primary_store: got %q, want %q", response.Primary, "connected")
	}
	if response.Coordination != "connected" {
		t.Errorf("coordination_store: got %q, want %q", response.Coordination, "connected")
	}
}
