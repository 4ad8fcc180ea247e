package httpjson

import (
	"encoding/json"
	"net/http"

	"github.com/Le1NZ/car-detailing-project-sub001/platform/apperr"
)

// ErrorResponse - тело ответа с ошибкой
type ErrorResponse struct {
	Message string `json:"message"`
}

// Write пишет JSON ответ с указанным статусом
func Write(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error пишет ошибку, статус определяется по apperr.Kind
func Error(w http.ResponseWriter, err error) {
	Write(w, apperr.HTTPStatus(err), ErrorResponse{Message: apperr.Message(err)})
}

// Message пишет ошибку с явным статусом и текстом
func Message(w http.ResponseWriter, status int, msg string) {
	Write(w, status, ErrorResponse{Message: msg})
}

// Decode декодирует JSON тело запроса, неизвестные поля игнорируются
func Decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return apperr.Wrap(apperr.KindValidation, "httpjson.Decode", err, "invalid JSON body")
	}
	return nil
}
