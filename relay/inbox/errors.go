package inbox

import "errors"

var (
	ErrAlreadyProcessed     = errors.New("event already processed by this consumer")
	ErrStoreRequired        = errors.New("inbox store is required")
	ErrDBRequired           = errors.New("database handle is required")
	ErrConsumerNameRequired = errors.New("consumer name is required")
	ErrEventIDRequired      = errors.New("event id is required")
	ErrHandlerRequired      = errors.New("handler is required")
	ErrTransactionRequired  = errors.New("transaction is required")
)
