package cube

import "context"

// Scope — окружение поддерева потребителей, предоставляющее клиента по
// умолчанию тем движкам, которым клиент не передан явно.
// Нулевой указатель допустим и означает отсутствие клиента.
type Scope struct {
	client Client
}

// NewScope создает окружение с клиентом по умолчанию.
func NewScope(client Client) *Scope {
	return &Scope{client: client}
}

// Client возвращает клиента окружения или nil.
func (s *Scope) Client() Client {
	if s == nil {
		return nil
	}
	return s.client
}

type scopeKey struct{}

// ContextWithScope возвращает контекст, несущий окружение.
func ContextWithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFromContext извлекает окружение из контекста.
func ScopeFromContext(ctx context.Context) *Scope {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(scopeKey{}).(*Scope)
	return s
}

// resolveClient выбирает клиента: явный, затем окружение движка, затем
// окружение из контекста.
func resolveClient(ctx context.Context, explicit Client, scope *Scope) Client {
	if explicit != nil {
		return explicit
	}
	if c := scope.Client(); c != nil {
		return c
	}
	return ScopeFromContext(ctx).Client()
}
