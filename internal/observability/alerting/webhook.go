package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// webhookTimeout 限制单次告警投递的耗时，避免拖慢失败收尾路径。
const webhookTimeout = 10 * time.Second

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("webhook 返回 %d: %s", resp.StatusCode, string(snippet))
	}
	return nil
}

// DingTalkWebhook 通过自定义机器人 webhook 发送文本消息。
type DingTalkWebhook struct {
	URL    string
	Client *http.Client
}

// NewDingTalkWebhook 创建钉钉机器人发送器。
func NewDingTalkWebhook(url string) *DingTalkWebhook {
	return &DingTalkWebhook{
		URL:    url,
		Client: &http.Client{Timeout: webhookTimeout},
	}
}

// Send 发送一条文本消息。
func (s *DingTalkWebhook) Send(ctx context.Context, content string) error {
	payload := map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	}
	return postJSON(ctx, s.Client, s.URL, payload)
}

// SlackWebhook 通过 incoming webhook 发送消息。
type SlackWebhook struct {
	URL    string
	Client *http.Client
}

// NewSlackWebhook 创建 Slack 发送器。
func NewSlackWebhook(url string) *SlackWebhook {
	return &SlackWebhook{
		URL:    url,
		Client: &http.Client{Timeout: webhookTimeout},
	}
}

// Send 向指定频道发送消息。channel 为空时使用 webhook 的默认频道。
func (s *SlackWebhook) Send(ctx context.Context, channel, content string) error {
	payload := map[string]string{"text": content}
	if channel != "" {
		payload["channel"] = channel
	}
	return postJSON(ctx, s.Client, s.URL, payload)
}

var (
	_ DingTalkSender = (*DingTalkWebhook)(nil)
	_ SlackSender    = (*SlackWebhook)(nil)
)
