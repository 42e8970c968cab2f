// Package service реализует бизнес-логику сервиса printapic.
//
// Центральная часть — оркестратор редактирования фотографий: приём запроса,
// создание записи в статусе pending, фоновая обработка через внешнего
// провайдера и списание токенов при успехе.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/printapic-backend/internal/ledger"
	"github.com/mmeshcher/printapic-backend/internal/model"
	"github.com/mmeshcher/printapic-backend/internal/provider"
	"github.com/mmeshcher/printapic-backend/internal/repository"
)

// ErrUnsupportedOperation возвращается для операции или инструкции вне поддерживаемого набора.
var (
	ErrUnsupportedOperation = errors.New("unsupported operation")
	// ErrInvalidCredentials возвращается при неверной паре логин/пароль.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidOrder возвращается для пустого или некорректного состава заказа.
	ErrInvalidOrder = errors.New("invalid order")
	// ErrEditNotReady возвращается, если позиция заказа ссылается на незавершённое редактирование.
	ErrEditNotReady = errors.New("edit is not completed")
)

// stickerCost — стоимость операции sticker в токенах, фиксируется при создании записи.
const stickerCost = 1

// printPrices — таблица цен печати за единицу в токенах.
var printPrices = map[string]int64{
	"small":  5,
	"medium": 8,
	"large":  12,
}

const (
	maxOrderItemQuantity = 100

	editQueueSize        = 256
	sweepInterval        = 30 * time.Second
	stalePendingAfter    = time.Minute
	stuckProcessingAfter = 10 * time.Minute
	staleEditsLimit      = 100
	editReasonDebit      = "Sticker processing"
	editReasonRefund     = "Sticker processing refund"
	orderReasonDebit     = "Print order"
	derivedPhotoFormat   = "sticker from photo %d"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetUserByID(ctx context.Context, userID int64) (*model.User, error)
	CreatePhoto(ctx context.Context, userID int64, image []byte, caption string) (*model.Photo, error)
	GetOwnedPhoto(ctx context.Context, photoID, userID int64) (*model.Photo, error)
	GetPhotoImage(ctx context.Context, photoID, userID int64) ([]byte, error)
	CreateEdit(ctx context.Context, userID, photoID int64, instruction string, cost int64) (*model.Edit, error)
	GetEditForUser(ctx context.Context, editID, userID int64) (*model.Edit, error)
	GetEdit(ctx context.Context, editID int64) (*model.Edit, error)
	TransitionEdit(ctx context.Context, editID int64, from, to model.EditStatus, result *repository.EditResult) error
	GetStalePendingEdits(ctx context.Context, olderThan time.Duration, limit int) ([]int64, error)
	GetStaleProcessingEdits(ctx context.Context, olderThan time.Duration, limit int) ([]int64, error)
	ApplyTokens(ctx context.Context, userID, amount int64, reason string, referenceID int64) (int64, error)
	GetTransactionsByUser(ctx context.Context, userID int64) ([]model.TokenTransaction, error)
	CreateOrder(ctx context.Context, userID int64, items []model.OrderItem, total int64, reason string) (*model.Order, error)
	GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
}

// EditProvider описывает контракт клиента внешнего сервиса редактирования.
type EditProvider interface {
	SubmitEdit(ctx context.Context, image []byte, instructionKey string) ([]byte, error)
}

// Service содержит бизнес-логику сервиса printapic.
type Service struct {
	repo     Repository
	provider EditProvider
	ledger   *ledger.Ledger
	logger   *zap.Logger

	workers int
	jobs    chan int64
}

// NewService создаёт сервис с указанным репозиторием и клиентом провайдера.
func NewService(repo Repository, editProvider EditProvider, logger *zap.Logger, workers int) *Service {
	if workers <= 0 {
		workers = 1
	}
	return &Service{
		repo:     repo,
		provider: editProvider,
		ledger:   ledger.New(repo),
		logger:   logger,
		workers:  workers,
		jobs:     make(chan int64, editQueueSize),
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateUser(ctx, login, hashed)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			return 0, repository.ErrUserExists
		}
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return 0, ErrInvalidCredentials
	}

	return u.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// UploadPhoto сохраняет загруженную фотографию пользователя.
func (s *Service) UploadPhoto(ctx context.Context, userID int64, image []byte, caption string) (*model.Photo, error) {
	return s.repo.CreatePhoto(ctx, userID, image, caption)
}

// GetPhotoImage возвращает содержимое фотографии пользователя.
func (s *Service) GetPhotoImage(ctx context.Context, photoID, userID int64) ([]byte, error) {
	return s.repo.GetPhotoImage(ctx, photoID, userID)
}

// SubmitEdit принимает запрос на редактирование фотографии.
//
// Валидация выполняется синхронно, после неё создаётся запись в статусе
// pending и задача ставится в очередь воркеров. Ответ возвращается сразу,
// не дожидаясь обработки; прогресс наблюдается через GetEditStatus.
func (s *Service) SubmitEdit(ctx context.Context, userID, photoID int64, operation, instructionKey string) (*model.Edit, error) {
	if _, err := s.repo.GetOwnedPhoto(ctx, photoID, userID); err != nil {
		return nil, err
	}

	if operation != "sticker" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedOperation, operation)
	}

	if !provider.KnownInstruction(instructionKey) {
		return nil, fmt.Errorf("%w: instruction %q", ErrUnsupportedOperation, instructionKey)
	}

	edit, err := s.repo.CreateEdit(ctx, userID, photoID, instructionKey, stickerCost)
	if err != nil {
		return nil, err
	}

	// Очередь ограничена: при переполнении запись остаётся в pending,
	// её подберёт фоновый обход зависших записей.
	select {
	case s.jobs <- edit.ID:
	default:
		s.logger.Warn("edit queue full, deferring to sweep", zap.Int64("editID", edit.ID))
	}

	return edit, nil
}

// EditStatusInfo описывает состояние редактирования для клиента.
type EditStatusInfo struct {
	ID            int64
	Status        model.EditStatus
	TokensCost    int64
	Completed     *time.Time
	ResultPhotoID *int64
	Message       string
}

// GetEditStatus возвращает состояние редактирования, проверяя принадлежность пользователю.
func (s *Service) GetEditStatus(ctx context.Context, editID, userID int64) (*EditStatusInfo, error) {
	edit, err := s.repo.GetEditForUser(ctx, editID, userID)
	if err != nil {
		return nil, err
	}

	return &EditStatusInfo{
		ID:            edit.ID,
		Status:        edit.Status,
		TokensCost:    edit.TokensCost,
		Completed:     edit.Completed,
		ResultPhotoID: edit.ResultPhotoID,
		Message:       statusMessage(edit.Status),
	}, nil
}

func statusMessage(status model.EditStatus) string {
	switch status {
	case model.EditStatusPending:
		return "Sticker processing queued. Check back for results."
	case model.EditStatusProcessing:
		return "Processing in progress."
	case model.EditStatusDone:
		return "Processing complete. Your sticker is ready."
	case model.EditStatusFailed:
		return "Processing failed. You have not been charged."
	default:
		return ""
	}
}

// StartEditWorkers запускает фоновые воркеры обработки редактирований
// и периодический обход записей, зависших в статусе pending.
func (s *Service) StartEditWorkers(ctx context.Context) {
	if s.provider == nil {
		return
	}

	for i := 0; i < s.workers; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case editID := <-s.jobs:
					s.processEdit(ctx, editID)
				}
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepPendingEdits(ctx)
				s.failStuckEdits(ctx)
			}
		}
	}()
}

// sweepPendingEdits возвращает в очередь записи, оставшиеся в pending
// (переполнение очереди либо перезапуск процесса до начала обработки).
func (s *Service) sweepPendingEdits(ctx context.Context) {
	ids, err := s.repo.GetStalePendingEdits(ctx, stalePendingAfter, staleEditsLimit)
	if err != nil {
		s.logger.Error("sweep pending edits", zap.Error(err))
		return
	}

	for _, id := range ids {
		select {
		case s.jobs <- id:
		default:
			return
		}
	}
}

// failStuckEdits переводит в failed записи, зависшие в processing
// (перезапуск процесса посреди обработки). Срок выбран с большим запасом
// к потолку опроса провайдера, чтобы не задеть живую обработку.
func (s *Service) failStuckEdits(ctx context.Context) {
	ids, err := s.repo.GetStaleProcessingEdits(ctx, stuckProcessingAfter, staleEditsLimit)
	if err != nil {
		s.logger.Error("sweep processing edits", zap.Error(err))
		return
	}

	for _, id := range ids {
		err := s.repo.TransitionEdit(ctx, id, model.EditStatusProcessing, model.EditStatusFailed, nil)
		if err != nil {
			if !errors.Is(err, repository.ErrEditConflict) {
				s.logger.Error("stuck edit to failed", zap.Int64("editID", id), zap.Error(err))
			}
			continue
		}
		s.logger.Warn("stuck edit marked failed", zap.Int64("editID", id))
	}
}

// processEdit проводит одну запись через processing к done либо failed.
//
// Переходы условные: запись, уже взятую другим воркером или завершённую,
// повторно обработать нельзя. Списание токенов выполняется до перевода
// в done, поэтому неуспешное списание оставляет запись в failed, а баланс
// нетронутым.
func (s *Service) processEdit(ctx context.Context, editID int64) {
	edit, err := s.repo.GetEdit(ctx, editID)
	if err != nil {
		s.logger.Error("load edit", zap.Int64("editID", editID), zap.Error(err))
		return
	}

	if edit.Status != model.EditStatusPending {
		return
	}

	err = s.repo.TransitionEdit(ctx, editID, model.EditStatusPending, model.EditStatusProcessing, nil)
	if err != nil {
		if !errors.Is(err, repository.ErrEditConflict) {
			s.logger.Error("edit to processing", zap.Int64("editID", editID), zap.Error(err))
		}
		return
	}

	image, err := s.repo.GetPhotoImage(ctx, edit.PhotoID, edit.UserID)
	if err != nil {
		s.failEdit(ctx, editID, "load source photo", err)
		return
	}

	result, err := s.provider.SubmitEdit(ctx, image, edit.Instruction)
	if err != nil {
		s.failEdit(ctx, editID, "provider edit", err)
		return
	}

	resultPhoto, err := s.repo.CreatePhoto(ctx, edit.UserID, result, fmt.Sprintf(derivedPhotoFormat, edit.PhotoID))
	if err != nil {
		s.failEdit(ctx, editID, "save result photo", err)
		return
	}

	if _, err := s.ledger.Apply(ctx, edit.UserID, -edit.TokensCost, editReasonDebit, editID); err != nil {
		s.failEdit(ctx, editID, "debit tokens", err)
		return
	}

	err = s.repo.TransitionEdit(ctx, editID, model.EditStatusProcessing, model.EditStatusDone, &repository.EditResult{
		ResultPhotoID: resultPhoto.ID,
		Completed:     time.Now(),
	})
	if err != nil {
		// Списание уже прошло, а запись в done не перевелась:
		// возвращаем токены и закрываем запись как failed.
		if _, refundErr := s.ledger.Apply(ctx, edit.UserID, edit.TokensCost, editReasonRefund, editID); refundErr != nil {
			s.logger.Error("refund tokens", zap.Int64("editID", editID), zap.Error(refundErr))
		}
		s.failEdit(ctx, editID, "finalize edit", err)
		return
	}

	s.logger.Info("edit completed", zap.Int64("editID", editID), zap.Int64("resultPhotoID", resultPhoto.ID))
}

func (s *Service) failEdit(ctx context.Context, editID int64, stage string, cause error) {
	s.logger.Error("edit failed",
		zap.Int64("editID", editID),
		zap.String("stage", stage),
		zap.Error(cause),
	)

	err := s.repo.TransitionEdit(ctx, editID, model.EditStatusProcessing, model.EditStatusFailed, nil)
	if err != nil {
		s.logger.Error("edit to failed", zap.Int64("editID", editID), zap.Error(err))
	}
}

// GetBalance возвращает текущий баланс токенов пользователя.
func (s *Service) GetBalance(ctx context.Context, userID int64) (int64, error) {
	u, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return 0, err
	}
	return u.Tokens, nil
}

// GetTransactionsByUser возвращает историю операций с токенами пользователя.
func (s *Service) GetTransactionsByUser(ctx context.Context, userID int64) ([]model.TokenTransaction, error) {
	return s.repo.GetTransactionsByUser(ctx, userID)
}

// CreateOrder создаёт заказ печати: проверяет состав, считает стоимость по
// таблице цен и атомарно списывает токены вместе с созданием заказа.
func (s *Service) CreateOrder(ctx context.Context, userID int64, items []model.OrderItem) (*model.Order, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no items", ErrInvalidOrder)
	}

	var total int64
	for _, it := range items {
		price, ok := printPrices[it.Size]
		if !ok {
			return nil, fmt.Errorf("%w: unknown size %q", ErrInvalidOrder, it.Size)
		}
		if it.Quantity < 1 || it.Quantity > maxOrderItemQuantity {
			return nil, fmt.Errorf("%w: quantity %d", ErrInvalidOrder, it.Quantity)
		}

		if _, err := s.repo.GetOwnedPhoto(ctx, it.PhotoID, userID); err != nil {
			return nil, err
		}

		edit, err := s.repo.GetEditForUser(ctx, it.EditID, userID)
		if err != nil {
			return nil, err
		}
		if edit.Status != model.EditStatusDone {
			return nil, fmt.Errorf("%w: edit %d", ErrEditNotReady, it.EditID)
		}
		if edit.PhotoID != it.PhotoID {
			return nil, fmt.Errorf("%w: edit %d does not belong to photo %d", ErrInvalidOrder, it.EditID, it.PhotoID)
		}

		total += price * int64(it.Quantity)
	}

	return s.repo.CreateOrder(ctx, userID, items, total, orderReasonDebit)
}

// GetOrdersByUser возвращает заказы пользователя.
func (s *Service) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.repo.GetOrdersByUser(ctx, userID)
}
