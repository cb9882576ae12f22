package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"TxFlow-Chain/sdk/go/txflow"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(txflow.Token{
			AccessToken: "demo-token",
			ExpiresIn:   3600,
			TokenType:   "Bearer",
		})
	})
	mux.HandleFunc("/api/v1/flows", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var req txflow.FlowRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(txflow.Flow{
				ID:        "flow-demo",
				Status:    "awaiting_confirmation",
				Request:   req,
				CreatedAt: time.Now().Unix(),
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/flows/flow-demo/confirmation", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(txflow.Confirmation{
			FlowID:        "flow-demo",
			EstimatedCost: "42000000000000",
			ExpiresAt:     time.Now().Add(5 * time.Minute),
		})
	})
	mux.HandleFunc("/api/v1/flows/flow-demo/confirm", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(txflow.Flow{
			ID:        "flow-demo",
			Status:    "completed",
			UpdatedAt: time.Now().Unix(),
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := txflow.NewClient(srv.URL, srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	token, err := client.Authenticate(ctx, txflow.Credentials{Username: "demo", Password: "secret"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("authenticated with token %s\n", token.AccessToken)

	created, err := client.CreateFlow(ctx, txflow.FlowRequest{
		Type:    "transfer",
		From:    "0x1111111111111111111111111111111111111111",
		To:      "0x2222222222222222222222222222222222222222",
		Value:   "1000000000000000000",
		ChainID: 1329,
		Metadata: txflow.RequestMetadata{
			UserID:               "demo",
			RequiresConfirmation: true,
		},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("created flow %s (status=%s)\n", created.ID, created.Status)

	conf, err := client.GetConfirmation(ctx, created.ID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("estimated cost %s wei, expires %s\n", conf.EstimatedCost, conf.ExpiresAt.Format(time.RFC3339))

	final, err := client.Confirm(ctx, created.ID, true, "")
	if err != nil {
		panic(err)
	}
	fmt.Printf("flow %s finished with status %s\n", final.ID, final.Status)
}
