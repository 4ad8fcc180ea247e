package service

import "github.com/Le1NZ/car-detailing-project-sub001/services/order/internal/repository"

// nextStatus - единственный разрешённый следующий статус для каждого статуса
// car_issued терминальный и в таблице отсутствует
var nextStatus = map[repository.Status]repository.Status{
	repository.StatusCreated:       repository.StatusInProgress,
	repository.StatusInProgress:    repository.StatusWorkCompleted,
	repository.StatusWorkCompleted: repository.StatusCarIssued,
}

// ParseStatus проверяет, что строка - известный статус заказа
func ParseStatus(s string) (repository.Status, bool) {
	switch st := repository.Status(s); st {
	case repository.StatusCreated, repository.StatusInProgress, repository.StatusWorkCompleted, repository.StatusCarIssued:
		return st, true
	default:
		return "", false
	}
}

// CanTransition сообщает, разрешён ли переход from -> to
func CanTransition(from, to repository.Status) bool {
	next, ok := nextStatus[from]
	return ok && next == to
}
