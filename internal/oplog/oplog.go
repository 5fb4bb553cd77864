// Package oplog adapts zap to the credit ledger's operation log hook.
package oplog

import (
	"context"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credit"
)

// ZapOperationLogger emits one structured line per ledger operation.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// New wraps a zap logger. A nil logger disables output.
func New(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger}
}

func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry credit.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("account_id", entry.AccountID.String()),
		zap.String("kind", entry.Kind.String()),
		zap.String("amount", entry.Amount.String()),
		zap.String("status", entry.Status),
	}
	if entry.RelatedEntityID != "" {
		fields = append(fields, zap.String("related_entity_id", entry.RelatedEntityID))
	}
	if entry.IdempotencyKey != nil {
		fields = append(fields, zap.String("idempotency_key", entry.IdempotencyKey.String()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("ledger operation failed", fields...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}
