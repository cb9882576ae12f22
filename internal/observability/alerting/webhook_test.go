package alerting

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	xerrors "TxFlow-Chain/internal/errors"
)

type capturedRequest struct {
	mu     sync.Mutex
	bodies []string
}

func (c *capturedRequest) handler(status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, string(body))
		c.mu.Unlock()
		w.WriteHeader(status)
	})
}

func (c *capturedRequest) last(t *testing.T) string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.bodies) == 0 {
		t.Fatal("webhook 未收到任何请求")
	}
	return c.bodies[len(c.bodies)-1]
}

func TestDingTalkWebhookPostsText(t *testing.T) {
	captured := &capturedRequest{}
	srv := httptest.NewServer(captured.handler(http.StatusOK))
	defer srv.Close()

	sender := NewDingTalkWebhook(srv.URL)
	if err := sender.Send(context.Background(), "BROADCAST_FAILED 流程 f-1"); err != nil {
		t.Fatalf("发送失败: %v", err)
	}

	var payload struct {
		MsgType string `json:"msgtype"`
		Text    struct {
			Content string `json:"content"`
		} `json:"text"`
	}
	if err := json.Unmarshal([]byte(captured.last(t)), &payload); err != nil {
		t.Fatalf("解析请求体失败: %v", err)
	}
	if payload.MsgType != "text" || !strings.Contains(payload.Text.Content, "BROADCAST_FAILED") {
		t.Fatalf("请求体不符: %+v", payload)
	}
}

func TestSlackWebhookRejectedStatusSurfacesError(t *testing.T) {
	captured := &capturedRequest{}
	srv := httptest.NewServer(captured.handler(http.StatusForbidden))
	defer srv.Close()

	sender := NewSlackWebhook(srv.URL)
	if err := sender.Send(context.Background(), "#tx-alerts", "测试"); err == nil {
		t.Fatal("非 2xx 响应应返回错误")
	}
}

func TestFanoutDeliversEventToWebhookChannels(t *testing.T) {
	captured := &capturedRequest{}
	srv := httptest.NewServer(captured.handler(http.StatusOK))
	defer srv.Close()

	dispatcher := NewFanout(
		&DingTalkNotifier{Sender: NewDingTalkWebhook(srv.URL)},
		&SlackNotifier{Sender: NewSlackWebhook(srv.URL), ChannelID: "#tx-alerts"},
	)

	event := Event{
		Code:       "BROADCAST_FAILED",
		Message:    "网络拒绝交易",
		Severity:   xerrors.SeverityWarning,
		FlowID:     "f-1",
		Attempts:   1,
		MaxRetries: 3,
		OccurredAt: time.Now(),
	}
	if err := dispatcher.Notify(context.Background(), event); err != nil {
		t.Fatalf("投递失败: %v", err)
	}

	captured.mu.Lock()
	count := len(captured.bodies)
	captured.mu.Unlock()
	if count != 2 {
		t.Fatalf("期望两个渠道各收到一次投递，得到 %d", count)
	}
}
