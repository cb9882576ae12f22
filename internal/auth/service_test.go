package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func testService(t *testing.T) *Service {
	t.Helper()
	store, err := NewMemoryStore([]Seed{
		{
			Username:    "operator",
			Password:    "operator-pass",
			Roles:       []string{"operator"},
			Permissions: []string{PermFlowCreate, PermFlowRead, PermFlowConfirm},
		},
		{
			Username: "ghost",
			Password: "ghost-pass",
			Disabled: true,
		},
	})
	if err != nil {
		t.Fatalf("创建用户存储失败: %v", err)
	}
	svc, err := NewService(context.Background(), Config{
		Mode: ModeJWT,
		JWT:  JWTOptions{Secret: "unit-secret", Issuer: "txflowd"},
	}, store)
	if err != nil {
		t.Fatalf("创建认证服务失败: %v", err)
	}
	return svc
}

func TestAuthenticateIssuesVerifiableToken(t *testing.T) {
	svc := testService(t)

	pair, err := svc.Authenticate(context.Background(), TokenRequest{
		Username: "operator",
		Password: "operator-pass",
	})
	if err != nil {
		t.Fatalf("签发令牌失败: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" || pair.TokenType != "Bearer" {
		t.Fatalf("令牌对不完整: %+v", pair)
	}

	subject, err := svc.AuthenticateRequest(context.Background(), "Bearer "+pair.AccessToken)
	if err != nil {
		t.Fatalf("验证令牌失败: %v", err)
	}
	if subject.Username != "operator" {
		t.Fatalf("主体不符: %s", subject.Username)
	}
	if !subject.HasPermission(PermFlowCreate) || subject.HasPermission(PermFlowCancel) {
		t.Fatalf("权限集不符: %v", subject.Permissions)
	}
}

func TestAuthenticateRejectsBadCredentials(t *testing.T) {
	svc := testService(t)

	if _, err := svc.Authenticate(context.Background(), TokenRequest{
		Username: "operator", Password: "wrong",
	}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("错误口令应返回 ErrInvalidCredentials: %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), TokenRequest{
		Username: "nobody", Password: "x",
	}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("未知账户应返回 ErrInvalidCredentials: %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), TokenRequest{
		Username: "ghost", Password: "ghost-pass",
	}); !errors.Is(err, ErrSubjectRevoked) {
		t.Fatalf("禁用账户应返回 ErrSubjectRevoked: %v", err)
	}
}

func TestAuthenticateRejectsUnsupportedGrant(t *testing.T) {
	svc := testService(t)

	if _, err := svc.Authenticate(context.Background(), TokenRequest{
		GrantType: "client_credentials",
	}); !errors.Is(err, ErrUnsupportedGrant) {
		t.Fatalf("不支持的授权类型应返回 ErrUnsupportedGrant: %v", err)
	}
}

func TestRefreshTokenNotValidForAccess(t *testing.T) {
	svc := testService(t)

	pair, err := svc.Authenticate(context.Background(), TokenRequest{
		Username: "operator", Password: "operator-pass",
	})
	if err != nil {
		t.Fatalf("签发令牌失败: %v", err)
	}
	if _, err := svc.AuthenticateRequest(context.Background(), "Bearer "+pair.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("刷新令牌不应通过访问校验: %v", err)
	}
}

func TestTamperedTokenRejected(t *testing.T) {
	svc := testService(t)

	pair, err := svc.Authenticate(context.Background(), TokenRequest{
		Username: "operator", Password: "operator-pass",
	})
	if err != nil {
		t.Fatalf("签发令牌失败: %v", err)
	}
	parts := strings.Split(pair.AccessToken, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]
	if _, err := svc.AuthenticateRequest(context.Background(), "Bearer "+tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("篡改后的令牌应被拒绝: %v", err)
	}

	if _, err := svc.AuthenticateRequest(context.Background(), ""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("缺失令牌应返回 ErrMissingToken: %v", err)
	}
}

func TestSubjectAuthorize(t *testing.T) {
	subject := &Subject{
		Username:    "operator",
		Permissions: []string{PermFlowCreate, PermFlowRead},
	}
	if err := subject.Authorize(PermFlowCreate, PermFlowRead); err != nil {
		t.Fatalf("应通过授权: %v", err)
	}
	if err := subject.Authorize(PermFlowCancel); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("缺少权限应返回 ErrPermissionDenied: %v", err)
	}
	subject.Disabled = true
	if err := subject.Authorize(PermFlowCreate); !errors.Is(err, ErrSubjectRevoked) {
		t.Fatalf("禁用主体应返回 ErrSubjectRevoked: %v", err)
	}
}

func TestMemoryStoreExpandsRolePermissions(t *testing.T) {
	store, err := NewMemoryStore([]Seed{{Username: "watcher", Password: "pw", Roles: []string{"viewer"}}})
	if err != nil {
		t.Fatalf("构造内存用户目录失败: %v", err)
	}
	user, err := store.FindUserByUsername(context.Background(), "watcher")
	if err != nil {
		t.Fatalf("查找用户失败: %v", err)
	}
	subject, err := store.LoadSubject(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("加载主体失败: %v", err)
	}
	if !subject.HasPermission(PermFlowRead) || !subject.HasPermission(PermStatsRead) {
		t.Fatalf("viewer 角色应展开出读取权限: %v", subject.Permissions)
	}
	if subject.HasPermission(PermFlowCreate) {
		t.Fatal("viewer 角色不应获得创建权限")
	}
}
