// Package ledger реализует журнал операций с токенами пользователей.
//
// Баланс изменяется только через Apply: положительная сумма — пополнение,
// отрицательная — списание. Каждое успешное изменение сопровождается
// ровно одной записью журнала, баланс никогда не становится отрицательным.
package ledger

import (
	"context"
	"errors"
	"fmt"
)

// ErrZeroAmount возвращается при попытке применить нулевую сумму.
var ErrZeroAmount = errors.New("amount must be non-zero")

// Store описывает атомарную операцию изменения баланса в хранилище.
type Store interface {
	ApplyTokens(ctx context.Context, userID, amount int64, reason string, referenceID int64) (int64, error)
}

// Ledger применяет изменения баланса токенов через хранилище.
type Ledger struct {
	store Store
}

// New создаёт журнал над указанным хранилищем.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Apply изменяет баланс пользователя на amount и возвращает новый баланс.
// referenceID указывает на запись (редактирование или заказ), вызвавшую операцию.
func (l *Ledger) Apply(ctx context.Context, userID, amount int64, reason string, referenceID int64) (int64, error) {
	if amount == 0 {
		return 0, ErrZeroAmount
	}

	balance, err := l.store.ApplyTokens(ctx, userID, amount, reason, referenceID)
	if err != nil {
		return 0, fmt.Errorf("apply tokens: %w", err)
	}

	return balance, nil
}
