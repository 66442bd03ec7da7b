package auth

import (
	"fmt"

	"github.com/casbin/casbin"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// 日志服务只有一个对象，所有规则都写在 * 上
const ObjectWildcard = "*"

// 各个 RPC 需要的权限
//
//	produce: Produce, ProduceStream
//	consume: Consume, ConsumeStream, LowestOffset, HighestOffset
//	admin:   Truncate, Reset
const (
	ProduceAction = "produce"
	ConsumeAction = "consume"
	AdminAction   = "admin"
)

var actions = map[string]struct{}{
	ProduceAction: {},
	ConsumeAction: {},
	AdminAction:   {},
}

// 基于 casbin 的访问控制，subject 是客户端证书的 CommonName
type Authorizer struct {
	enforcer *casbin.Enforcer
}

// model 是访问控制模型文件，policy 是策略文件
// 任意一个文件不存在或者无法解析时返回错误，而不是 panic
func NewAuthorizer(model, policy string) (*Authorizer, error) {
	enforcer, err := casbin.NewEnforcerSafe(model, policy)
	if err != nil {
		return nil, fmt.Errorf("load acl model %s and policy %s: %w", model, policy, err)
	}
	return &Authorizer{enforcer: enforcer}, nil
}

// subject 没有对 object 执行 action 的权限时返回 PermissionDenied
// 未知的 action 总是被拒绝
func (a *Authorizer) Authorize(subject, object, action string) error {
	if _, ok := actions[action]; !ok {
		return status.Errorf(codes.PermissionDenied, "unknown action %q", action)
	}
	ok, err := a.enforcer.EnforceSafe(subject, object, action)
	if err != nil {
		return status.Errorf(codes.Internal, "enforce acl: %v", err)
	}
	if !ok {
		return status.Errorf(codes.PermissionDenied, "%s is not permitted to %s %s", subject, action, object)
	}
	return nil
}
