package txflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAuthenticateStoresToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/auth/token" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		var body struct {
			GrantType string `json:"grant_type"`
			Username  string `json:"username"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if body.GrantType != "password" || body.Username != "operator" {
			t.Fatalf("unexpected credentials: %+v", body)
		}
		_ = json.NewEncoder(w).Encode(Token{
			AccessToken: "abc123",
			ExpiresIn:   3600,
			TokenType:   "Bearer",
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	_, err := client.Authenticate(context.Background(), Credentials{
		Username: "operator",
		Password: "secret",
	})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	if got := client.AccessToken(); got != "abc123" {
		t.Fatalf("expected token abc123, got %q", got)
	}
}

func TestCreateFlowSendsBearerToken(t *testing.T) {
	flowCreated := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/auth/token":
			_ = json.NewEncoder(w).Encode(Token{AccessToken: "token"})
		case "/api/v1/flows":
			if r.Header.Get("Authorization") != "Bearer token" {
				t.Fatalf("expected bearer token, got %q", r.Header.Get("Authorization"))
			}
			var req FlowRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("decode request: %v", err)
			}
			if req.Type != "transfer" {
				t.Fatalf("unexpected request type: %s", req.Type)
			}
			flowCreated = true
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(Flow{ID: "flow-1", Status: "completed", Request: req})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	if _, err := client.Authenticate(context.Background(), Credentials{}); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	f, err := client.CreateFlow(context.Background(), FlowRequest{
		Type:    "transfer",
		From:    "0x1111111111111111111111111111111111111111",
		To:      "0x2222222222222222222222222222222222222222",
		Value:   "1000",
		ChainID: 1329,
	})
	if err != nil {
		t.Fatalf("create flow: %v", err)
	}
	if f.ID != "flow-1" || f.Status != "completed" {
		t.Fatalf("unexpected flow: %+v", f)
	}
	if !flowCreated {
		t.Fatal("flow was not created")
	}
}

func TestGetFlowError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/flows/flow-404" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(APIError{Code: "NOT_FOUND", Message: "flow not found"})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	_, err := client.GetFlow(context.Background(), "flow-404")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != "NOT_FOUND" {
		t.Fatalf("unexpected error code: %s", apiErr.Code)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", apiErr.StatusCode)
	}
}

func TestConfirmationRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/flows/flow-2/confirmation":
			_ = json.NewEncoder(w).Encode(Confirmation{
				FlowID:        "flow-2",
				EstimatedCost: "42000000000000",
			})
		case "/api/v1/flows/flow-2/confirm":
			var body struct {
				Approved bool `json:"approved"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Fatalf("decode confirm body: %v", err)
			}
			if !body.Approved {
				t.Fatal("expected approval")
			}
			_ = json.NewEncoder(w).Encode(Flow{ID: "flow-2", Status: "completed"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	conf, err := client.GetConfirmation(context.Background(), "flow-2")
	if err != nil {
		t.Fatalf("get confirmation: %v", err)
	}
	if conf.EstimatedCost != "42000000000000" {
		t.Fatalf("unexpected cost: %s", conf.EstimatedCost)
	}

	f, err := client.Confirm(context.Background(), "flow-2", true, "")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if f.Status != "completed" {
		t.Fatalf("unexpected status: %s", f.Status)
	}
}

func TestListFlowsBuildsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/flows" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("user"); got != "user-1" {
			t.Fatalf("unexpected user: %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Fatalf("unexpected limit: %q", got)
		}
		_ = json.NewEncoder(w).Encode([]Flow{{ID: "flow-a"}, {ID: "flow-b"}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	flows, err := client.ListFlows(context.Background(), "user-1", 5)
	if err != nil {
		t.Fatalf("list flows: %v", err)
	}
	if len(flows) != 2 {
		t.Fatalf("expected 2 flows, got %d", len(flows))
	}
}
