package wallet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// sessionServer 模拟远程签名服务，会话状态可在测试中随时改写。
type sessionServer struct {
	mu       sync.Mutex
	approved bool
	address  string
	chainID  uint64
}

func (s *sessionServer) set(approved bool, address string, chainID uint64) {
	s.mu.Lock()
	s.approved = approved
	s.address = address
	s.chainID = chainID
	s.mu.Unlock()
}

func (s *sessionServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /session/connect", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"session_id": "s1"})
	})
	mux.HandleFunc("GET /session/{id}", func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		payload := map[string]any{
			"session_id": "s1",
			"approved":   s.approved,
			"address":    s.address,
			"chain_id":   s.chainID,
		}
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(payload)
	})
	mux.HandleFunc("DELETE /session/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func testRemote(t *testing.T, backend *sessionServer, refresh time.Duration) *Remote {
	t.Helper()
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	w, err := NewRemote(RemoteConfig{
		BaseURL:        srv.URL,
		ChainID:        1329,
		ConnectTimeout: 2 * time.Second,
		PollInterval:   5 * time.Millisecond,
		SessionRefresh: refresh,
	})
	if err != nil {
		t.Fatalf("创建远程钱包失败: %v", err)
	}
	t.Cleanup(func() { _ = w.Disconnect(context.Background()) })
	return w
}

const sessionAddr = "0x00000000000000000000000000000000000000aa"

func TestRemoteConnectCachesApprovedSession(t *testing.T) {
	backend := &sessionServer{}
	backend.set(true, sessionAddr, 1329)
	w := testRemote(t, backend, time.Minute)

	if err := w.Connect(context.Background()); err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	if !w.IsConnected() {
		t.Fatal("批准后应处于已连接状态")
	}
	addr, err := w.Address(context.Background())
	if err != nil {
		t.Fatalf("读取地址失败: %v", err)
	}
	if !strings.EqualFold(addr.Hex(), sessionAddr) {
		t.Fatalf("缓存地址不符: %s", addr.Hex())
	}
	chainID, err := w.ChainID(context.Background())
	if err != nil || chainID != 1329 {
		t.Fatalf("缓存链 ID 不符: %d (%v)", chainID, err)
	}
}

func TestRemoteWatcherClearsSessionOnRevocation(t *testing.T) {
	backend := &sessionServer{}
	backend.set(true, sessionAddr, 1329)
	w := testRemote(t, backend, 10*time.Millisecond)

	if err := w.Connect(context.Background()); err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	backend.set(false, sessionAddr, 1329)

	deadline := time.After(2 * time.Second)
	for w.IsConnected() {
		select {
		case <-deadline:
			t.Fatal("会话被远端撤销后本地缓存未失效")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if _, err := w.Address(context.Background()); err == nil {
		t.Fatal("会话失效后读取地址应报错")
	}
}

func TestRemoteWatcherClearsSessionOnAccountSwitch(t *testing.T) {
	backend := &sessionServer{}
	backend.set(true, sessionAddr, 1329)
	w := testRemote(t, backend, 10*time.Millisecond)

	if err := w.Connect(context.Background()); err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	backend.set(true, "0x00000000000000000000000000000000000000bb", 1329)

	deadline := time.After(2 * time.Second)
	for w.IsConnected() {
		select {
		case <-deadline:
			t.Fatal("远端切换账户后本地缓存未失效")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
