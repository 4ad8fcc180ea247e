package rabbitmq

// ParseError представляет ошибку разбора события (poison message)
type ParseError struct {
	Field   string
	Message string
}

func (e *ParseError) Error() string {
	return e.Message
}

// ProcessingError представляет ошибку обработки события
type ProcessingError struct {
	Message string
	OrderID string
	Err     error
}

func (e *ProcessingError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}
