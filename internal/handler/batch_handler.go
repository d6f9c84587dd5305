package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/batch-engine/internal/costmodel"
	"github.com/kursadbilgin/batch-engine/internal/domain"
	"github.com/kursadbilgin/batch-engine/internal/observability"
	"github.com/kursadbilgin/batch-engine/internal/queue"
	"github.com/kursadbilgin/batch-engine/internal/service"
	"github.com/shopspring/decimal"
)

const maxSavingsEstimateEntries = domain.MaxBatchEntries

type BatchService interface {
	CreateBatch(ctx context.Context, account string, name string) (*domain.Batch, error)
	AddEntry(ctx context.Context, account string, batchID string, entry domain.BatchEntry) (*domain.Batch, error)
	RemoveEntry(ctx context.Context, account string, batchID string, entryID string) (*domain.Batch, error)
	GetBatch(ctx context.Context, account string, batchID string) (*domain.Batch, error)
	ListBatches(ctx context.Context, account string) ([]domain.Batch, error)
	SubmitBatch(ctx context.Context, account string, batchID string, scheduledTime *time.Time) (*domain.Batch, error)
	ResetBatch(ctx context.Context, account string, batchID string) (*domain.Batch, error)
	DeleteBatch(ctx context.Context, account string, batchID string) error
	RetryFailed(ctx context.Context, account string, batchID string, name string) (*domain.Batch, error)
	ExportBatch(ctx context.Context, account string, batchID string) ([]byte, error)
	ImportBatch(ctx context.Context, account string, payload []byte) (*domain.Batch, error)
	RunBatch(ctx context.Context, account string, batchID string) (*domain.Batch, error)
	EnqueueRun(ctx context.Context, account string, batchID string, trigger queue.Trigger) error
	CancelRun(ctx context.Context, account string, batchID string) error
	CheckFunds(ctx context.Context, account string, batchID string) (*service.FundsReport, error)
	AuditTrail(ctx context.Context, account string, batchID string) ([]domain.AuditRecord, error)
	Persist(ctx context.Context, account string) error
}

type BatchHandler struct {
	service BatchService
	model   costmodel.Model
}

func NewBatchHandler(service BatchService, model costmodel.Model) (*BatchHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("batch service is required")
	}
	if err := model.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cost model: %w", err)
	}
	return &BatchHandler{service: service, model: model}, nil
}

func RegisterBatchRoutes(router fiber.Router, service BatchService, model costmodel.Model) error {
	h, err := NewBatchHandler(service, model)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Get("/savings", h.EstimateSavings)

	account := v1.Group("/accounts/:account")
	account.Post("/persist", h.Persist)

	batches := account.Group("/batches")
	batches.Post("/", h.CreateBatch)
	batches.Get("/", h.ListBatches)
	batches.Post("/import", h.ImportBatch)
	batches.Get("/:batchId", h.GetBatch)
	batches.Delete("/:batchId", h.DeleteBatch)
	batches.Post("/:batchId/entries", h.AddEntry)
	batches.Delete("/:batchId/entries/:entryId", h.RemoveEntry)
	batches.Post("/:batchId/submit", h.SubmitBatch)
	batches.Post("/:batchId/run", h.RunBatch)
	batches.Post("/:batchId/cancel", h.CancelRun)
	batches.Post("/:batchId/reset", h.ResetBatch)
	batches.Post("/:batchId/retry", h.RetryFailed)
	batches.Get("/:batchId/export", h.ExportBatch)
	batches.Get("/:batchId/funds", h.CheckFunds)
	batches.Get("/:batchId/audit", h.AuditTrail)

	return nil
}

type createBatchRequest struct {
	Name string `json:"name"`
}

type addEntryRequest struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	Description  string          `json:"description"`
	Amount       decimal.Decimal `json:"amount"`
	Recipient    string          `json:"recipient"`
	ResourceCost float64         `json:"resourceCost"`
	Priority     string          `json:"priority"`
	Category     string          `json:"category"`
	Currency     string          `json:"currency"`
	Memo         string          `json:"memo"`
}

type submitBatchRequest struct {
	ScheduledTime *time.Time `json:"scheduledTime"`
}

type retryBatchRequest struct {
	Name string `json:"name"`
}

type listBatchesResponse struct {
	Data []domain.Batch `json:"data"`
	Meta listMeta       `json:"meta"`
}

type listMeta struct {
	Total int `json:"total"`
}

type runPersistFailedResponse struct {
	Error string        `json:"error"`
	Batch *domain.Batch `json:"batch"`
}

type savingsResponse struct {
	Entries        int     `json:"entries"`
	IndividualCost float64 `json:"individualCost"`
	BatchedCost    float64 `json:"batchedCost"`
	Savings        float64 `json:"savings"`
}

func (h *BatchHandler) CreateBatch(c *fiber.Ctx) error {
	var req createBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	b, err := h.service.CreateBatch(requestContext(c), c.Params("account"), req.Name)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusCreated).JSON(b)
}

func (h *BatchHandler) ListBatches(c *fiber.Ctx) error {
	batches, err := h.service.ListBatches(requestContext(c), c.Params("account"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(listBatchesResponse{
		Data: batches,
		Meta: listMeta{Total: len(batches)},
	})
}

func (h *BatchHandler) GetBatch(c *fiber.Ctx) error {
	b, err := h.service.GetBatch(requestContext(c), c.Params("account"), batchIDParam(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(b)
}

func (h *BatchHandler) DeleteBatch(c *fiber.Ctx) error {
	if err := h.service.DeleteBatch(requestContext(c), c.Params("account"), batchIDParam(c)); err != nil {
		return toHTTPError(err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *BatchHandler) AddEntry(c *fiber.Ctx) error {
	var req addEntryRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	entry, err := requestToDomainEntry(req)
	if err != nil {
		return toHTTPError(err)
	}

	b, err := h.service.AddEntry(requestContext(c), c.Params("account"), batchIDParam(c), entry)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusCreated).JSON(b)
}

func (h *BatchHandler) RemoveEntry(c *fiber.Ctx) error {
	entryID := strings.TrimSpace(c.Params("entryId"))
	b, err := h.service.RemoveEntry(requestContext(c), c.Params("account"), batchIDParam(c), entryID)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(b)
}

func (h *BatchHandler) SubmitBatch(c *fiber.Ctx) error {
	var req submitBatchRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
	}

	b, err := h.service.SubmitBatch(requestContext(c), c.Params("account"), batchIDParam(c), req.ScheduledTime)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(b)
}

// RunBatch runs synchronously unless ?async=true, in which case the run is queued.
func (h *BatchHandler) RunBatch(c *fiber.Ctx) error {
	account := c.Params("account")
	batchID := batchIDParam(c)
	ctx := requestContext(c)

	if c.QueryBool("async", false) {
		if err := h.service.EnqueueRun(ctx, account, batchID, queue.TriggerAPI); err != nil {
			return toHTTPError(err)
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"batchId": batchID,
			"status":  "queued",
		})
	}

	b, err := h.service.RunBatch(ctx, account, batchID)
	if err != nil {
		// the run finished; only its final save failed
		if b != nil && errors.Is(err, domain.ErrPersistence) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(runPersistFailedResponse{
				Error: err.Error(),
				Batch: b,
			})
		}
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(b)
}

func (h *BatchHandler) CancelRun(c *fiber.Ctx) error {
	batchID := batchIDParam(c)
	if err := h.service.CancelRun(requestContext(c), c.Params("account"), batchID); err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"batchId": batchID,
		"status":  "cancelling",
	})
}

func (h *BatchHandler) ResetBatch(c *fiber.Ctx) error {
	b, err := h.service.ResetBatch(requestContext(c), c.Params("account"), batchIDParam(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(b)
}

func (h *BatchHandler) RetryFailed(c *fiber.Ctx) error {
	var req retryBatchRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
	}

	b, err := h.service.RetryFailed(requestContext(c), c.Params("account"), batchIDParam(c), req.Name)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusCreated).JSON(b)
}

func (h *BatchHandler) ExportBatch(c *fiber.Ctx) error {
	batchID := batchIDParam(c)
	payload, err := h.service.ExportBatch(requestContext(c), c.Params("account"), batchID)
	if err != nil {
		return toHTTPError(err)
	}

	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="batch-%s.json"`, batchID))
	return c.Status(fiber.StatusOK).Send(payload)
}

func (h *BatchHandler) ImportBatch(c *fiber.Ctx) error {
	b, err := h.service.ImportBatch(requestContext(c), c.Params("account"), c.Body())
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusCreated).JSON(b)
}

func (h *BatchHandler) CheckFunds(c *fiber.Ctx) error {
	report, err := h.service.CheckFunds(requestContext(c), c.Params("account"), batchIDParam(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(report)
}

func (h *BatchHandler) AuditTrail(c *fiber.Ctx) error {
	records, err := h.service.AuditTrail(requestContext(c), c.Params("account"), batchIDParam(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"data": records})
}

func (h *BatchHandler) Persist(c *fiber.Ctx) error {
	if err := h.service.Persist(requestContext(c), c.Params("account")); err != nil {
		return toHTTPError(err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *BatchHandler) EstimateSavings(c *fiber.Ctx) error {
	n := c.QueryInt("entries", 0)
	if n < 0 || n > maxSavingsEstimateEntries {
		return toHTTPError(fmt.Errorf("%w: entries must be between 0 and %d", domain.ErrValidation, maxSavingsEstimateEntries))
	}

	return c.Status(fiber.StatusOK).JSON(savingsResponse{
		Entries:        n,
		IndividualCost: h.model.IndividualCost(n),
		BatchedCost:    h.model.BatchedCost(n),
		Savings:        h.model.SavingsForCount(n),
	})
}

func requestToDomainEntry(req addEntryRequest) (domain.BatchEntry, error) {
	kind, err := domain.ParseOperationKindFromString(req.Kind)
	if err != nil {
		return domain.BatchEntry{}, err
	}
	priority, err := domain.ParsePriorityFromString(req.Priority)
	if err != nil {
		return domain.BatchEntry{}, err
	}

	entry := domain.BatchEntry{
		ID:           strings.TrimSpace(req.ID),
		Kind:         kind,
		Description:  req.Description,
		Amount:       req.Amount,
		Recipient:    req.Recipient,
		ResourceCost: req.ResourceCost,
		Priority:     priority,
		Category:     req.Category,
		Memo:         req.Memo,
	}
	if strings.TrimSpace(req.Currency) != "" {
		currency, err := domain.ParseCurrencyFromString(req.Currency)
		if err != nil {
			return domain.BatchEntry{}, err
		}
		entry.Currency = currency
	}
	return entry, nil
}

func batchIDParam(c *fiber.Ctx) string {
	return strings.TrimSpace(c.Params("batchId"))
}

// requestContext carries the request id into service logs and queued run messages.
func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if id := requestCorrelationID(c); id != "" {
		ctx = observability.WithCorrelationID(ctx, id)
	}
	if account := strings.TrimSpace(c.Params("account")); account != "" {
		ctx = observability.WithAccount(ctx, account)
	}
	return ctx
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrInvalidState):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrPersistence):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	default:
		return err
	}
}
