package apperr

import (
	"errors"
	"net/http"
)

// Kind классифицирует ошибку для принятия решения о ретраях и HTTP статусе
type Kind uint8

const (
	// KindInternal - неожиданная ошибка (дефолт для нетегированных ошибок)
	KindInternal Kind = iota
	// KindValidation - некорректный ввод, отклоняется до бизнес-логики
	KindValidation
	// KindNotFound - заказ/платёж/машина не найдены
	KindNotFound
	// KindConflict - дубликат отзыва, повторная оплата, недопустимый переход статуса
	KindConflict
	// KindUnavailable - зависимость недоступна (car-service, order-service)
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// Error - ошибка с тегом Kind
// Msg показывается клиенту, Err - причина для логов и errors.Is
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	if e.Msg == "" {
		return e.Err.Error()
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New создаёт ошибку указанного вида без причины
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap оборачивает причину err в ошибку указанного вида
func Wrap(kind Kind, op string, err error, msg string) error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// KindOf возвращает Kind первой *Error в цепочке, иначе KindInternal
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is проверяет вид ошибки
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message возвращает сообщение для клиента
// Для internal ошибок детали не раскрываются
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		if e.Msg != "" {
			return e.Msg
		}
		return e.Error()
	}
	return "internal server error"
}

// HTTPStatus маппит вид ошибки в HTTP статус
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
