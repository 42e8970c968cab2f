// Package model содержит доменные сущности сервиса printapic.
package model

import "time"

// User представляет пользователя сервиса с балансом токенов.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	Tokens       int64
	CreatedAt    time.Time
}

// Photo представляет фотографию пользователя. Производные фотографии
// создаёт оркестратор по результату обработки.
type Photo struct {
	ID        int64
	UserID    int64
	Caption   string
	SizeBytes int64
	CreatedAt time.Time
}

// EditStatus описывает статус обработки запроса на редактирование.
type EditStatus string

const (
	EditStatusPending    EditStatus = "pending"
	EditStatusProcessing EditStatus = "processing"
	EditStatusDone       EditStatus = "done"
	EditStatusFailed     EditStatus = "failed"
)

// Terminal сообщает, является ли статус конечным.
func (s EditStatus) Terminal() bool {
	return s == EditStatusDone || s == EditStatusFailed
}

// Edit описывает один запрос на преобразование фотографии внешним провайдером.
type Edit struct {
	ID            int64
	UserID        int64
	PhotoID       int64
	Status        EditStatus
	Instruction   string
	TokensCost    int64
	ResultPhotoID *int64
	Completed     *time.Time
	CreatedAt     time.Time
}

// TokenTransaction описывает одно изменение баланса токенов.
// Записи журнала после создания не изменяются.
type TokenTransaction struct {
	ID          int64
	UserID      int64
	Amount      int64
	Reason      string
	ReferenceID int64
	CreatedAt   time.Time
}

// OrderItem описывает одну позицию заказа печати.
type OrderItem struct {
	PhotoID  int64  `json:"photo_id"`
	EditID   int64  `json:"edit_id"`
	Size     string `json:"size"`
	Quantity int    `json:"quantity"`
}

// Order описывает заказ печати, оплаченный токенами.
type Order struct {
	ID          int64
	UserID      int64
	TokensTotal int64
	Items       []OrderItem
	CreatedAt   time.Time
}
