package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "TxFlow-Chain/internal/errors"
	"TxFlow-Chain/internal/flow"
)

// SQLFlowStore 使用 MySQL 持久化流程聚合。
// 请求、预备交易、签名、回执等复合字段序列化为 JSON 列，
// 状态与用户 ID 提升为独立列以支持索引查询。
type SQLFlowStore struct {
	db *sql.DB
}

// NewSQLFlowStore 创建连接池并执行待应用的迁移。
func NewSQLFlowStore(ctx context.Context, cfg Config) (*SQLFlowStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化流程存储失败")
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行迁移失败")
	}
	return &SQLFlowStore{db: db}, nil
}

func encodeJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func decodeJSON(raw sql.NullString, target any) error {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), target)
}

func encodeJSONPtr[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	return encodeJSON(v)
}

func (s *SQLFlowStore) encodeColumns(f *flow.Flow) (request string, prepared, signed, receipt, lastError, history sql.NullString, err error) {
	requestBytes, err := json.Marshal(f.Request)
	if err != nil {
		return "", sql.NullString{}, sql.NullString{}, sql.NullString{}, sql.NullString{}, sql.NullString{}, err
	}
	request = string(requestBytes)
	if prepared, err = encodeJSONPtr(f.Prepared); err != nil {
		return
	}
	if signed, err = encodeJSONPtr(f.Signed); err != nil {
		return
	}
	if receipt, err = encodeJSONPtr(f.Receipt); err != nil {
		return
	}
	if lastError, err = encodeJSONPtr(f.LastError); err != nil {
		return
	}
	if len(f.History) > 0 {
		history, err = encodeJSON(f.History)
	}
	return
}

// Save 插入新的流程记录。
func (s *SQLFlowStore) Save(ctx context.Context, f *flow.Flow) error {
	if f == nil || strings.TrimSpace(f.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "flow 及其 ID 不能为空")
	}

	now := time.Now().Unix()
	if f.CreatedAt == 0 {
		f.CreatedAt = now
	}
	f.UpdatedAt = now

	request, prepared, signed, receipt, lastError, history, err := s.encodeColumns(f)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码流程记录失败")
	}

	const stmt = `INSERT INTO transaction_flows
        (id, user_id, status, attempts, request, prepared, signed, receipt, last_error, history, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		f.ID,
		f.Request.Metadata.UserID,
		f.Status,
		f.Attempts,
		request,
		prepared,
		signed,
		receipt,
		lastError,
		history,
		f.CreatedAt,
		f.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return flow.ErrFlowConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入流程失败")
	}
	return nil
}

func (s *SQLFlowStore) scanFlow(scanner interface{ Scan(...any) error }) (*flow.Flow, error) {
	var f flow.Flow
	var request string
	var prepared, signed, receipt, lastError, history sql.NullString
	if err := scanner.Scan(
		&f.ID,
		&f.Status,
		&f.Attempts,
		&request,
		&prepared,
		&signed,
		&receipt,
		&lastError,
		&history,
		&f.CreatedAt,
		&f.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(request), &f.Request); err != nil {
		return nil, err
	}
	if prepared.Valid {
		f.Prepared = &flow.PreparedTransaction{}
		if err := decodeJSON(prepared, f.Prepared); err != nil {
			return nil, err
		}
	}
	if signed.Valid {
		f.Signed = &flow.SignedTransaction{}
		if err := decodeJSON(signed, f.Signed); err != nil {
			return nil, err
		}
	}
	if receipt.Valid {
		f.Receipt = &flow.Receipt{}
		if err := decodeJSON(receipt, f.Receipt); err != nil {
			return nil, err
		}
	}
	if lastError.Valid {
		f.LastError = &flow.FlowError{}
		if err := decodeJSON(lastError, f.LastError); err != nil {
			return nil, err
		}
	}
	if history.Valid {
		if err := decodeJSON(history, &f.History); err != nil {
			return nil, err
		}
	}
	return &f, nil
}

const flowColumns = `id, status, attempts, request, prepared, signed, receipt, last_error, history, created_at, updated_at`

// Get 查询指定流程。
func (s *SQLFlowStore) Get(ctx context.Context, id string) (*flow.Flow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+flowColumns+` FROM transaction_flows WHERE id = ?`, id)
	f, err := s.scanFlow(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, flow.ErrFlowNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询流程失败")
	}
	return f, nil
}

// Update 以全量记录覆盖已有流程。
func (s *SQLFlowStore) Update(ctx context.Context, f *flow.Flow) error {
	if f == nil || strings.TrimSpace(f.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "flow 及其 ID 不能为空")
	}

	f.UpdatedAt = time.Now().Unix()
	request, prepared, signed, receipt, lastError, history, err := s.encodeColumns(f)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码流程记录失败")
	}

	const stmt = `UPDATE transaction_flows SET user_id = ?, status = ?, attempts = ?, request = ?,
        prepared = ?, signed = ?, receipt = ?, last_error = ?, history = ?, updated_at = ? WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		f.Request.Metadata.UserID,
		f.Status,
		f.Attempts,
		request,
		prepared,
		signed,
		receipt,
		lastError,
		history,
		f.UpdatedAt,
		f.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新流程失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return flow.ErrFlowNotFound
	}
	return nil
}

// Delete 删除流程记录。
func (s *SQLFlowStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM transaction_flows WHERE id = ?`, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除流程失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return flow.ErrFlowNotFound
	}
	return nil
}

func (s *SQLFlowStore) list(ctx context.Context, where string, arg any, limit int) ([]*flow.Flow, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + flowColumns + ` FROM transaction_flows WHERE ` + where +
		` ORDER BY updated_at DESC, id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, arg, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询流程列表失败")
	}
	defer rows.Close()

	flows := make([]*flow.Flow, 0, limit)
	for rows.Next() {
		f, scanErr := s.scanFlow(rows)
		if scanErr != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, scanErr, "解析流程记录失败")
		}
		flows = append(flows, f)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历流程失败")
	}
	return flows, nil
}

// ListByStatus 返回指定状态的流程。
func (s *SQLFlowStore) ListByStatus(ctx context.Context, status flow.Status, limit int) ([]*flow.Flow, error) {
	return s.list(ctx, "status = ?", string(status), limit)
}

// ListByUser 返回指定用户的流程。
func (s *SQLFlowStore) ListByUser(ctx context.Context, userID string, limit int) ([]*flow.Flow, error) {
	return s.list(ctx, "user_id = ?", userID, limit)
}

// Close 关闭底层数据库连接。
func (s *SQLFlowStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ flow.Store = (*SQLFlowStore)(nil)
