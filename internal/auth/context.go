package auth

import "context"

type subjectKey struct{}

// WithSubject 将经过身份验证的主体信息存储到上下文中。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	subject.normalise()
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext 从上下文中提取主体信息，认证关闭时返回 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	subject, _ := ctx.Value(subjectKey{}).(*Subject)
	return subject
}

// Actor 返回用于审计的主体名称。
func Actor(ctx context.Context) string {
	if s := SubjectFromContext(ctx); s != nil && s.Username != "" {
		return s.Username
	}
	return "anonymous"
}
