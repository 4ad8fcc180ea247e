package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

// Check - проверка зависимости (ping базы, брокера), nil означает "готово"
type Check func(ctx context.Context) error

// Handler возвращает HTTP handler для health check endpoint.
// Без проверок всегда отвечает 200 {"status":"ok"}.
// Если хотя бы одна проверка вернула ошибку - 503 {"status":"not ready","checks":{...}}.
func Handler(timeout time.Duration, checks map[string]Check) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if len(names) == 0 {
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		results := make(map[string]string, len(names))
		ready := true
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				results[name] = err.Error()
				ready = false
				continue
			}
			results[name] = "ok"
		}

		status, code := "ok", http.StatusOK
		if !ready {
			status, code = "not ready", http.StatusServiceUnavailable
		}
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{"status": status, "checks": results})
	}
}
