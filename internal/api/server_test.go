package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	"TxFlow-Chain/internal/auth"
	"TxFlow-Chain/internal/event"
	"TxFlow-Chain/internal/flow"
	"TxFlow-Chain/internal/web3"
)

// stubClient 返回固定链上数据，让流程可以离线跑通。
type stubClient struct {
	mu        sync.Mutex
	sendCalls int
}

func (c *stubClient) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1329), nil }

func (c *stubClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 7, nil
}

func (c *stubClient) EstimateGas(context.Context, gethcore.CallMsg) (uint64, error) {
	return 21000, nil
}

func (c *stubClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (c *stubClient) SuggestGasTipCap(context.Context) (*big.Int, error) { return nil, nil }

func (c *stubClient) HeaderByNumber(context.Context, *big.Int) (*coretypes.Header, error) {
	return nil, gethcore.NotFound
}

func (c *stubClient) SendRawTransaction(context.Context, []byte) (common.Hash, error) {
	c.mu.Lock()
	c.sendCalls++
	c.mu.Unlock()
	return common.HexToHash("0xabc123"), nil
}

func (c *stubClient) TransactionReceipt(context.Context, common.Hash) (*coretypes.Receipt, error) {
	return &coretypes.Receipt{
		Status:      coretypes.ReceiptStatusSuccessful,
		TxHash:      common.HexToHash("0xabc123"),
		BlockNumber: big.NewInt(42),
		GasUsed:     21000,
	}, nil
}

func (c *stubClient) FetchChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{ChainID: "1329"}, nil
}

func (c *stubClient) Close() {}

var _ web3.NetworkClient = (*stubClient)(nil)

// stubWallet 对任何输入返回固定签名产物。
type stubWallet struct{}

func (stubWallet) Connect(context.Context) error    { return nil }
func (stubWallet) Disconnect(context.Context) error { return nil }
func (stubWallet) Address(context.Context) (common.Address, error) {
	return common.HexToAddress("0x00000000000000000000000000000000000000aa"), nil
}
func (stubWallet) ChainID(context.Context) (uint64, error) { return 1329, nil }
func (stubWallet) IsConnected() bool                       { return true }

func (stubWallet) SignTransaction(_ context.Context, prepared *flow.PreparedTransaction) (*flow.SignedTransaction, error) {
	return &flow.SignedTransaction{
		Raw:   []byte{0x02, 0x01},
		Hash:  common.HexToHash("0xabc123"),
		From:  prepared.From,
		Nonce: prepared.Nonce,
	}, nil
}

func (stubWallet) SendTransaction(context.Context, *flow.SignedTransaction) (common.Hash, error) {
	return common.HexToHash("0xabc123"), nil
}

var _ flow.Wallet = stubWallet{}

func testFlowManager(t *testing.T) *flow.Manager {
	t.Helper()
	client := &stubClient{}
	builder := flow.NewBuilder(client, flow.NewProtocolRegistry())
	broadcaster := flow.NewBroadcaster(client, flow.BroadcasterConfig{
		PollInterval:   10 * time.Millisecond,
		ReceiptTimeout: time.Second,
	})
	m := flow.NewManager(flow.ManagerConfig{}, flow.NewMemoryStore(), flow.NewMemoryQueue(100),
		builder, broadcaster, event.NewBus(16), nil)
	t.Cleanup(m.Close)
	if err := m.AttachWallet(context.Background(), stubWallet{}); err != nil {
		t.Fatalf("绑定钱包失败: %v", err)
	}
	return m
}

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer(":0", testFlowManager(t), nil, nil).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func testServerWithAuth(t *testing.T) *httptest.Server {
	t.Helper()
	seeds := []auth.Seed{
		{
			Username:    "operator",
			Password:    "operator-pass",
			Roles:       []string{"operator"},
			Permissions: []string{auth.PermFlowCreate, auth.PermFlowRead, auth.PermFlowConfirm},
		},
		{
			Username:    "viewer",
			Password:    "viewer-pass",
			Permissions: []string{auth.PermFlowRead},
		},
	}
	store, err := auth.NewMemoryStore(seeds)
	if err != nil {
		t.Fatalf("创建用户存储失败: %v", err)
	}
	svc, err := auth.NewService(context.Background(), auth.Config{
		Mode: auth.ModeJWT,
		JWT:  auth.JWTOptions{Secret: "test-secret"},
	}, store)
	if err != nil {
		t.Fatalf("创建认证服务失败: %v", err)
	}
	srv := httptest.NewServer(NewServer(":0", testFlowManager(t), nil, svc).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func fetchToken(t *testing.T, srv *httptest.Server, username, password string) string {
	t.Helper()
	body := fmt.Appendf(nil, `{"username": %q, "password": %q}`, username, password)
	resp, raw := postJSON(t, srv.URL+"/api/v1/auth/token", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("签发令牌期望 200，得到 %d：%s", resp.StatusCode, raw)
	}
	var pair auth.TokenPair
	if err := json.Unmarshal(raw, &pair); err != nil || pair.AccessToken == "" {
		t.Fatalf("令牌响应解析失败: %s", raw)
	}
	return pair.AccessToken
}

func transferBody(requiresConfirmation bool) []byte {
	return fmt.Appendf(nil, `{
		"type": "transfer",
		"from": "0x00000000000000000000000000000000000000aa",
		"to": "0x00000000000000000000000000000000000000bb",
		"value": 1000000,
		"chain_id": 1329,
		"metadata": {"user_id": "user-1", "requires_confirmation": %t}
	}`, requiresConfirmation)
}

func postJSON(t *testing.T, url string, body []byte) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func getJSON(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func decodeFlow(t *testing.T, raw []byte) *flow.Flow {
	t.Helper()
	var f flow.Flow
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("响应解析失败: %v（body=%s）", err, raw)
	}
	return &f
}

func TestCreateFlowEndpoint(t *testing.T) {
	srv := testServer(t)

	resp, body := postJSON(t, srv.URL+"/api/v1/flows", transferBody(false))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("期望 201，得到 %d：%s", resp.StatusCode, body)
	}
	f := decodeFlow(t, body)
	if f.ID == "" || f.Status != flow.StatusCompleted {
		t.Fatalf("期望 completed 流程快照: %s", body)
	}

	resp, body = getJSON(t, srv.URL+"/api/v1/flows/"+f.ID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("查询流程期望 200，得到 %d", resp.StatusCode)
	}
	if got := decodeFlow(t, body); got.Status != flow.StatusCompleted {
		t.Fatalf("查询结果状态不符: %s", got.Status)
	}
}

func TestCreateFlowRejectsMalformedBody(t *testing.T) {
	srv := testServer(t)

	resp, _ := postJSON(t, srv.URL+"/api/v1/flows", []byte(`{"type": `))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("损坏的请求体期望 400，得到 %d", resp.StatusCode)
	}
}

func TestGetFlowNotFound(t *testing.T) {
	srv := testServer(t)

	resp, body := getJSON(t, srv.URL+"/api/v1/flows/no-such-id")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("未知流程期望 404，得到 %d：%s", resp.StatusCode, body)
	}
	var payload struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Code == "" {
		t.Fatalf("错误响应应包含错误码: %s", body)
	}
}

func TestConfirmationRoundTrip(t *testing.T) {
	srv := testServer(t)

	resp, body := postJSON(t, srv.URL+"/api/v1/flows", transferBody(true))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("期望 201，得到 %d：%s", resp.StatusCode, body)
	}
	f := decodeFlow(t, body)
	if f.Status != flow.StatusAwaitingConfirmation {
		t.Fatalf("期望 awaiting_confirmation，得到 %s", f.Status)
	}

	resp, body = getJSON(t, srv.URL+"/api/v1/flows/"+f.ID+"/confirmation")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("确认摘要期望 200，得到 %d：%s", resp.StatusCode, body)
	}
	var summary flow.ConfirmationRequest
	if err := json.Unmarshal(body, &summary); err != nil {
		t.Fatalf("确认摘要解析失败: %v", err)
	}
	if summary.EstimatedCost == nil || summary.EstimatedCost.Sign() <= 0 {
		t.Fatalf("确认摘要缺少成本估算: %s", body)
	}

	resp, body = postJSON(t, srv.URL+"/api/v1/flows/"+f.ID+"/confirm", []byte(`{"approved": true}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("确认期望 200，得到 %d：%s", resp.StatusCode, body)
	}
	if got := decodeFlow(t, body); got.Status != flow.StatusCompleted {
		t.Fatalf("确认后期望 completed，得到 %s", got.Status)
	}
}

func TestCancelEndpoint(t *testing.T) {
	srv := testServer(t)

	_, body := postJSON(t, srv.URL+"/api/v1/flows", transferBody(true))
	f := decodeFlow(t, body)

	resp, body := postJSON(t, srv.URL+"/api/v1/flows/"+f.ID+"/cancel", []byte(`{"reason":"用户取消"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("取消期望 200，得到 %d：%s", resp.StatusCode, body)
	}

	// 已终态流程再取消应冲突。
	resp, body = postJSON(t, srv.URL+"/api/v1/flows/"+f.ID+"/cancel", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("重复取消期望 409，得到 %d：%s", resp.StatusCode, body)
	}
}

func TestRetryRejectedForCompletedFlow(t *testing.T) {
	srv := testServer(t)

	_, body := postJSON(t, srv.URL+"/api/v1/flows", transferBody(false))
	f := decodeFlow(t, body)

	resp, body := postJSON(t, srv.URL+"/api/v1/flows/"+f.ID+"/retry", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("重试已完成流程期望 409，得到 %d：%s", resp.StatusCode, body)
	}
}

func TestQueueAndListEndpoints(t *testing.T) {
	srv := testServer(t)

	resp, body := postJSON(t, srv.URL+"/api/v1/flows/queue", transferBody(false))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("入队期望 202，得到 %d：%s", resp.StatusCode, body)
	}
	var accepted struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(body, &accepted); err != nil || accepted.RequestID == "" {
		t.Fatalf("入队响应应返回请求 ID: %s", body)
	}

	postJSON(t, srv.URL+"/api/v1/flows", transferBody(false))
	resp, body = getJSON(t, srv.URL+"/api/v1/flows?user=user-1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("按用户查询期望 200，得到 %d：%s", resp.StatusCode, body)
	}
	var flows []*flow.Flow
	if err := json.Unmarshal(body, &flows); err != nil {
		t.Fatalf("列表解析失败: %v", err)
	}
	if len(flows) == 0 {
		t.Fatalf("应至少返回一条流程: %s", body)
	}

	resp, _ = getJSON(t, srv.URL+"/api/v1/flows")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("缺少 user 参数期望 400，得到 %d", resp.StatusCode)
	}
}

func TestAuthRejectsMissingToken(t *testing.T) {
	srv := testServerWithAuth(t)

	resp, _ := postJSON(t, srv.URL+"/api/v1/flows", transferBody(false))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("无令牌期望 401，得到 %d", resp.StatusCode)
	}
}

func TestAuthEnforcesPermissions(t *testing.T) {
	srv := testServerWithAuth(t)

	operator := fetchToken(t, srv, "operator", "operator-pass")
	viewer := fetchToken(t, srv, "viewer", "viewer-pass")

	create := func(token string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/flows", bytes.NewReader(transferBody(false)))
		if err != nil {
			t.Fatalf("构造请求失败: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("请求失败: %v", err)
		}
		resp.Body.Close()
		return resp
	}

	if resp := create(viewer); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("viewer 创建流程期望 403，得到 %d", resp.StatusCode)
	}
	if resp := create(operator); resp.StatusCode != http.StatusCreated {
		t.Fatalf("operator 创建流程期望 201，得到 %d", resp.StatusCode)
	}
}

func TestAuthRejectsBadCredentials(t *testing.T) {
	srv := testServerWithAuth(t)

	resp, _ := postJSON(t, srv.URL+"/api/v1/auth/token",
		[]byte(`{"username": "operator", "password": "wrong"}`))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("错误口令期望 401，得到 %d", resp.StatusCode)
	}
}

func TestStatisticsEndpoint(t *testing.T) {
	srv := testServer(t)

	if _, body := postJSON(t, srv.URL+"/api/v1/flows", transferBody(false)); len(body) == 0 {
		t.Fatal("创建流程无响应")
	}

	resp, body := getJSON(t, srv.URL+"/api/v1/statistics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("统计期望 200，得到 %d", resp.StatusCode)
	}
	var stats flow.Statistics
	if err := json.Unmarshal(body, &stats); err != nil {
		t.Fatalf("统计解析失败: %v", err)
	}
	if stats.SuccessfulFlows != 1 || stats.TotalFlows != 1 {
		t.Fatalf("完成计数不符: %s", body)
	}
}
