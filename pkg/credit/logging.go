package credit

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation       string
	AccountID       AccountID
	Kind            TransactionKind
	Amount          Decimal2
	RelatedEntityID string
	IdempotencyKey  *IdempotencyKey
	Status          string
	Error           error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithPriceCatalog replaces the default pricing catalog.
func WithPriceCatalog(catalog *PriceCatalog) ServiceOption {
	return func(service *Service) {
		service.catalog = catalog
	}
}

// WithRetryAttempts bounds the internal retry loop for concurrency conflicts.
func WithRetryAttempts(attempts int) ServiceOption {
	return func(service *Service) {
		if attempts > 0 {
			service.retryAttempts = attempts
		}
	}
}
