// Package handler содержит HTTP-обработчики API сервиса printapic.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/printapic-backend/internal/middleware"
	"github.com/mmeshcher/printapic-backend/internal/model"
	"github.com/mmeshcher/printapic-backend/internal/repository"
	"github.com/mmeshcher/printapic-backend/internal/service"
	"github.com/mmeshcher/printapic-backend/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (int64, error)
	UploadPhoto(ctx context.Context, userID int64, image []byte, caption string) (*model.Photo, error)
	GetPhotoImage(ctx context.Context, photoID, userID int64) ([]byte, error)
	SubmitEdit(ctx context.Context, userID, photoID int64, operation, instructionKey string) (*model.Edit, error)
	GetEditStatus(ctx context.Context, editID, userID int64) (*service.EditStatusInfo, error)
	GetBalance(ctx context.Context, userID int64) (int64, error)
	GetTransactionsByUser(ctx context.Context, userID int64) ([]model.TokenTransaction, error)
	CreateOrder(ctx context.Context, userID int64, items []model.OrderItem) (*model.Order, error)
	GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
}

// Handler реализует HTTP-обработчики API сервиса printapic.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorResponse{Error: kind, Message: message})
}

// writeServiceError переводит ошибку бизнес-логики в HTTP-ответ.
// Ошибки фоновой обработки сюда не попадают: они видны клиенту только
// как статус failed при опросе.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, repository.ErrNotOwner):
		writeError(w, http.StatusForbidden, "forbidden", "You do not have access to this record.")
	case errors.Is(err, repository.ErrPhotoNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Photo not found.")
	case errors.Is(err, repository.ErrEditNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Edit not found.")
	case errors.Is(err, repository.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "not_found", "User not found.")
	case errors.Is(err, service.ErrUnsupportedOperation):
		writeError(w, http.StatusBadRequest, "unsupported_operation", err.Error())
	case errors.Is(err, service.ErrInvalidOrder):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, service.ErrEditNotReady):
		writeError(w, http.StatusConflict, "edit_not_ready", "Order items must reference completed edits.")
	case errors.Is(err, repository.ErrInsufficientTokens):
		writeError(w, http.StatusPaymentRequired, "insufficient_tokens", "Not enough tokens.")
	default:
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "Unexpected error.")
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body.")
		return
	}

	if req.Login == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "Login and password are required.")
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			writeError(w, http.StatusConflict, "login_taken", "Login is already taken.")
			return
		}
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{Token: h.authMiddleware.IssueToken(userID)})
}

// Login выполняет аутентификацию пользователя и выдаёт bearer-токен.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body.")
		return
	}

	if req.Login == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "Login and password are required.")
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || errors.Is(err, service.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "Invalid login or password.")
			return
		}
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{Token: h.authMiddleware.IssueToken(userID)})
}

type photoResponse struct {
	ID        int64  `json:"id"`
	Caption   string `json:"caption,omitempty"`
	SizeBytes int64  `json:"size_bytes"`
	CreatedAt string `json:"created_at"`
}

// UploadPhoto принимает изображение в теле запроса и сохраняет его.
func (h *Handler) UploadPhoto(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "Authentication required.")
		return
	}

	defer r.Body.Close()

	image, err := io.ReadAll(io.LimitReader(r.Body, validation.MaxImageSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Cannot read request body.")
		return
	}

	if !validation.IsValidImage(image) {
		writeError(w, http.StatusBadRequest, "invalid_request", "Body must be a JPEG or PNG image up to 20 MiB.")
		return
	}

	photo, err := h.service.UploadPhoto(r.Context(), userID, image, r.URL.Query().Get("caption"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, photoResponse{
		ID:        photo.ID,
		Caption:   photo.Caption,
		SizeBytes: photo.SizeBytes,
		CreatedAt: photo.CreatedAt.Format(time.RFC3339),
	})
}

// GetPhotoImage отдаёт содержимое фотографии пользователя.
func (h *Handler) GetPhotoImage(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "Authentication required.")
		return
	}

	photoID, err := strconv.ParseInt(chi.URLParam(r, "photoID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Photo id must be an integer.")
		return
	}

	image, err := h.service.GetPhotoImage(r.Context(), photoID, userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(image))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(image)
}

type submitEditRequest struct {
	PhotoID     int64  `json:"photo_id"`
	Operation   string `json:"operation"`
	Instruction string `json:"instruction"`
}

type submitEditResponse struct {
	EditID int64  `json:"edit_id"`
	Status string `json:"status"`
}

// SubmitEdit принимает запрос на редактирование фотографии.
// Ответ возвращается сразу после валидации, обработка идёт в фоне.
func (h *Handler) SubmitEdit(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "Authentication required.")
		return
	}

	var req submitEditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body.")
		return
	}

	if req.PhotoID == 0 || req.Operation == "" || req.Instruction == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "photo_id, operation and instruction are required.")
		return
	}

	edit, err := h.service.SubmitEdit(r.Context(), userID, req.PhotoID, req.Operation, req.Instruction)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, submitEditResponse{
		EditID: edit.ID,
		Status: string(edit.Status),
	})
}

type editStatusResponse struct {
	ID            int64  `json:"id"`
	Status        string `json:"status"`
	TokensCost    int64  `json:"tokens_cost"`
	Completed     string `json:"completed,omitempty"`
	ResultPhotoID *int64 `json:"result_photo_id,omitempty"`
	Message       string `json:"message"`
}

// GetEditStatus возвращает состояние редактирования для опроса клиентом.
func (h *Handler) GetEditStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "Authentication required.")
		return
	}

	editID, err := strconv.ParseInt(chi.URLParam(r, "editID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Edit id must be an integer.")
		return
	}

	info, err := h.service.GetEditStatus(r.Context(), editID, userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := editStatusResponse{
		ID:            info.ID,
		Status:        string(info.Status),
		TokensCost:    info.TokensCost,
		ResultPhotoID: info.ResultPhotoID,
		Message:       info.Message,
	}
	if info.Completed != nil {
		resp.Completed = info.Completed.Format(time.RFC3339)
	}

	writeJSON(w, http.StatusOK, resp)
}

type balanceResponse struct {
	Tokens int64 `json:"tokens"`
}

// GetBalance возвращает баланс токенов текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "Authentication required.")
		return
	}

	tokens, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, balanceResponse{Tokens: tokens})
}

type transactionResponse struct {
	ID          int64  `json:"id"`
	Amount      int64  `json:"amount"`
	Reason      string `json:"reason"`
	ReferenceID int64  `json:"reference_id"`
	CreatedAt   string `json:"created_at"`
}

// GetTransactions возвращает историю операций с токенами текущего пользователя.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "Authentication required.")
		return
	}

	transactions, err := h.service.GetTransactionsByUser(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	if len(transactions) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]transactionResponse, 0, len(transactions))
	for _, t := range transactions {
		resp = append(resp, transactionResponse{
			ID:          t.ID,
			Amount:      t.Amount,
			Reason:      t.Reason,
			ReferenceID: t.ReferenceID,
			CreatedAt:   t.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

type createOrderRequest struct {
	Items []model.OrderItem `json:"items"`
}

type orderResponse struct {
	ID          int64             `json:"id"`
	TokensTotal int64             `json:"tokens_total"`
	Items       []model.OrderItem `json:"items"`
	CreatedAt   string            `json:"created_at"`
}

// CreateOrder создаёт заказ печати из завершённых редактирований.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "Authentication required.")
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body.")
		return
	}

	order, err := h.service.CreateOrder(r.Context(), userID, req.Items)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, orderResponse{
		ID:          order.ID,
		TokensTotal: order.TokensTotal,
		Items:       order.Items,
		CreatedAt:   order.CreatedAt.Format(time.RFC3339),
	})
}

// GetOrders возвращает заказы текущего пользователя.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "Authentication required.")
		return
	}

	orders, err := h.service.GetOrdersByUser(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, orderResponse{
			ID:          o.ID,
			TokensTotal: o.TokensTotal,
			Items:       o.Items,
			CreatedAt:   o.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}
