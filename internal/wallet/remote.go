package wallet

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "TxFlow-Chain/internal/errors"
	"TxFlow-Chain/internal/flow"
)

// RemoteConfig 描述远程签名服务的接入参数。
type RemoteConfig struct {
	// BaseURL 是签名服务的根地址，例如 http://127.0.0.1:8700。
	BaseURL string
	// ChainID 是期望会话绑定的链。
	ChainID uint64
	// ConnectTimeout 限制等待用户在远端批准会话的总时长。
	ConnectTimeout time.Duration
	// PollInterval 是会话批准状态的轮询间隔。
	PollInterval time.Duration
	// SessionRefresh 是会话建立后的后台复核间隔。复核发现会话
	// 失效、地址或链变更时本地缓存被清空，需要重新 Connect。
	SessionRefresh time.Duration
	// HTTPTimeout 是单次请求的超时。
	HTTPTimeout time.Duration
}

func (c *RemoteConfig) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 2 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.SessionRefresh <= 0 {
		c.SessionRefresh = 30 * time.Second
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 15 * time.Second
	}
}

// Remote 通过会话协议对接外部签名服务（浏览器插件桥、托管签名器）。
// 地址与链 ID 在会话建立时缓存，会话变更或断开时失效。
type Remote struct {
	cfg    RemoteConfig
	client *http.Client

	mu        sync.Mutex
	sessionID string
	address   common.Address
	chainID   uint64
	watchStop chan struct{}
}

// NewRemote 创建远程钱包客户端。
func NewRemote(cfg RemoteConfig) (*Remote, error) {
	cfg.applyDefaults()
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "远程签名服务地址不能为空")
	}
	return &Remote{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
	}, nil
}

type sessionPayload struct {
	SessionID string `json:"session_id"`
	Address   string `json:"address"`
	ChainID   uint64 `json:"chain_id"`
	Approved  bool   `json:"approved"`
}

// Connect 建立会话并轮询等待远端批准。批准前流程阻塞，
// 超时返回 NOT_CONNECTED。
func (w *Remote) Connect(ctx context.Context) error {
	var created sessionPayload
	err := w.call(ctx, http.MethodPost, "/session/connect",
		map[string]any{"chain_id": w.cfg.ChainID}, &created)
	if err != nil {
		return xerrors.Wrap(flow.CodeNotConnected, err, "创建签名会话失败")
	}

	deadline := time.Now().Add(w.cfg.ConnectTimeout)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		var status sessionPayload
		if err := w.call(ctx, http.MethodGet, "/session/"+created.SessionID, nil, &status); err != nil {
			return xerrors.Wrap(flow.CodeNotConnected, err, "查询签名会话失败")
		}
		if status.Approved {
			if !common.IsHexAddress(status.Address) {
				return xerrors.New(flow.CodeNotConnected, "签名服务返回非法地址")
			}
			w.mu.Lock()
			if w.watchStop != nil {
				close(w.watchStop)
			}
			w.sessionID = created.SessionID
			w.address = common.HexToAddress(status.Address)
			w.chainID = status.ChainID
			stop := make(chan struct{})
			w.watchStop = stop
			w.mu.Unlock()
			go w.watchSession(created.SessionID, stop)
			return nil
		}
		if time.Now().After(deadline) {
			return xerrors.New(flow.CodeNotConnected, "等待会话批准超时")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Disconnect 关闭会话、停止后台复核并清空本地缓存。
func (w *Remote) Disconnect(ctx context.Context) error {
	w.mu.Lock()
	sessionID := w.sessionID
	w.sessionID = ""
	w.address = common.Address{}
	w.chainID = 0
	if w.watchStop != nil {
		close(w.watchStop)
		w.watchStop = nil
	}
	w.mu.Unlock()
	if sessionID == "" {
		return nil
	}
	return w.call(ctx, http.MethodDelete, "/session/"+sessionID, nil, nil)
}

// watchSession 周期性复核会话。远端撤销、地址或链变更都会使本地
// 缓存失效，后续签名请求返回 NOT_CONNECTED，由上层决定是否重连。
func (w *Remote) watchSession(sessionID string, stop <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.SessionRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), w.cfg.HTTPTimeout)
			var status sessionPayload
			err := w.call(ctx, http.MethodGet, "/session/"+sessionID, nil, &status)
			cancel()
			if err != nil || !status.Approved {
				w.invalidateSession(sessionID)
				return
			}
			w.mu.Lock()
			if w.sessionID != sessionID {
				w.mu.Unlock()
				return
			}
			if !strings.EqualFold(status.Address, w.address.Hex()) || status.ChainID != w.chainID {
				w.clearSessionLocked()
				w.mu.Unlock()
				return
			}
			w.mu.Unlock()
		}
	}
}

// invalidateSession 清空缓存，仅当当前会话仍是 sessionID 时生效。
func (w *Remote) invalidateSession(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sessionID != sessionID {
		return
	}
	w.clearSessionLocked()
}

func (w *Remote) clearSessionLocked() {
	w.sessionID = ""
	w.address = common.Address{}
	w.chainID = 0
	w.watchStop = nil
}

// Address 返回会话缓存的签名地址。
func (w *Remote) Address(_ context.Context) (common.Address, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sessionID == "" {
		return common.Address{}, xerrors.New(flow.CodeNotConnected, "会话未建立")
	}
	return w.address, nil
}

// ChainID 返回会话缓存的链 ID。
func (w *Remote) ChainID(_ context.Context) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sessionID == "" {
		return 0, xerrors.New(flow.CodeNotConnected, "会话未建立")
	}
	return w.chainID, nil
}

// IsConnected 报告会话是否有效。
func (w *Remote) IsConnected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessionID != ""
}

type signResponse struct {
	Raw  string `json:"raw"`
	Hash string `json:"hash"`
}

// SignTransaction 把待签交易交给远端签名。输入不会被修改。
func (w *Remote) SignTransaction(ctx context.Context, prepared *flow.PreparedTransaction) (*flow.SignedTransaction, error) {
	sessionID, address, chainID, err := w.session()
	if err != nil {
		return nil, err
	}
	if prepared == nil {
		return nil, xerrors.New(flow.CodeNoPreparedTx, "没有待签交易")
	}
	if prepared.ChainID != chainID {
		return nil, xerrors.New(flow.CodeSigningFailed, "交易目标链与会话不一致")
	}

	var resp signResponse
	if err := w.call(ctx, http.MethodPost, "/session/"+sessionID+"/sign", prepared, &resp); err != nil {
		return nil, xerrors.Wrap(flow.CodeSigningFailed, err, "远端签名失败")
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(resp.Raw, "0x"))
	if err != nil {
		return nil, xerrors.Wrap(flow.CodeSigningFailed, err, "远端返回的签名数据无效")
	}
	return &flow.SignedTransaction{
		Raw:   raw,
		Hash:  common.HexToHash(resp.Hash),
		From:  address,
		Nonce: prepared.Nonce,
	}, nil
}

type sendResponse struct {
	TxHash string `json:"tx_hash"`
}

// SendTransaction 让远端代为广播。适用于签名服务自带节点的部署。
func (w *Remote) SendTransaction(ctx context.Context, signed *flow.SignedTransaction) (common.Hash, error) {
	sessionID, _, _, err := w.session()
	if err != nil {
		return common.Hash{}, err
	}
	if signed == nil {
		return common.Hash{}, xerrors.New(flow.CodeNoSignedTx, "没有签名交易")
	}
	var resp sendResponse
	payload := map[string]any{"raw": "0x" + hex.EncodeToString(signed.Raw)}
	if err := w.call(ctx, http.MethodPost, "/session/"+sessionID+"/send", payload, &resp); err != nil {
		return common.Hash{}, xerrors.Wrap(flow.CodeBroadcastFailed, err, "远端广播失败")
	}
	return common.HexToHash(resp.TxHash), nil
}

func (w *Remote) session() (string, common.Address, uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sessionID == "" {
		return "", common.Address{}, 0, xerrors.New(flow.CodeNotConnected, "会话未建立")
	}
	return w.sessionID, w.address, w.chainID, nil
}

// call 发送一次 JSON 请求。非 2xx 响应映射为错误，响应体截断进消息。
func (w *Remote) call(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(w.cfg.BaseURL, "/")+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("签名服务返回 %d: %s", resp.StatusCode, string(snippet))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var _ flow.Wallet = (*Remote)(nil)
