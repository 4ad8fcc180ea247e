package identity

import (
	"context"
	"net/http"

	"github.com/Le1NZ/car-detailing-project-sub001/platform/httpjson"
)

// Header - заголовок с уже проверенным идентификатором пользователя (ставит gateway)
const Header = "X-User-ID"

type ctxKeyUserID struct{}

// WithUserID сохраняет user_id в контексте
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKeyUserID{}, userID)
}

// UserIDFromContext возвращает user_id из контекста, если он был установлен
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKeyUserID{}).(string)
	return id, ok && id != ""
}

// Require - HTTP middleware: читает X-User-ID, при отсутствии возвращает 401
func Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(Header)
		if userID == "" {
			httpjson.Message(w, http.StatusUnauthorized, "user identity is required")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

// Forward копирует user_id из контекста в исходящий запрос
func Forward(ctx context.Context, req *http.Request) {
	if id, ok := UserIDFromContext(ctx); ok {
		req.Header.Set(Header, id)
	}
}
