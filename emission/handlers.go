package emission

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bsm/redislock"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/notaflow/fiscal_backend/config"
	"github.com/notaflow/fiscal_backend/models"
	"github.com/notaflow/fiscal_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Handlers exposes the emission flow over HTTP. rootCtx bounds background
// monitor sessions to the server lifetime, not to the request that started
// them.
type Handlers struct {
	rootCtx   context.Context
	Monitor   *Monitor
	Registry  *Registry
	Broker    *Broker
	Submitter SubmissionService
	Logger    *logrus.Logger

	tracer   trace.Tracer
	entities *EntityCache

	// authorize reports whether a reference belongs to the tenant. Every
	// reference-addressed route goes through it before touching the
	// registry, so one tenant can never observe or cancel another's
	// session.
	authorize func(ctx context.Context, businessId string, reference string) (bool, error)
}

func NewHandlers(rootCtx context.Context, monitor *Monitor, registry *Registry, broker *Broker, submitter SubmissionService, logger *logrus.Logger) *Handlers {
	return &Handlers{
		rootCtx:   rootCtx,
		Monitor:   monitor,
		Registry:  registry,
		Broker:    broker,
		Submitter: submitter,
		Logger:    logger,
		tracer:    otel.Tracer("fiscal_backend/emission"),
		entities:  NewEntityCache(5 * time.Minute),
		authorize: models.ReferenceBelongsToBusiness,
	}
}

func (h *Handlers) cachedBusiness(ctx context.Context, businessId string) (*models.Business, error) {
	key := "business:" + businessId
	if v, ok := h.entities.Get(key); ok {
		if b, ok := v.(*models.Business); ok {
			return b, nil
		}
	}
	business, err := models.GetBusinessById(ctx, businessId)
	if err != nil {
		return nil, err
	}
	h.entities.Set(key, business)
	return business, nil
}

func (h *Handlers) cachedCustomer(ctx context.Context, businessId string, customerId int) (*models.Customer, error) {
	key := "customer:" + businessId + ":" + strconv.Itoa(customerId)
	if v, ok := h.entities.Get(key); ok {
		if c, ok := v.(*models.Customer); ok {
			return c, nil
		}
	}
	customer, err := models.GetCustomerById(ctx, customerId)
	if err != nil {
		return nil, err
	}
	h.entities.Set(key, customer)
	return customer, nil
}

func (h *Handlers) Register(r gin.IRoutes) {
	r.POST("/emissions", h.SubmitEmission)
	r.POST("/emissions/:reference/monitor", h.StartMonitoring)
	r.DELETE("/emissions/:reference/monitor", h.CancelMonitoring)
	r.GET("/emissions/:reference/events", h.StreamEvents)
	r.GET("/emissions/:reference", h.GetEmission)
	r.GET("/emissions/export", h.ExportEmissions)
}

func resolveBusinessId(c *gin.Context) (string, bool) {
	businessId, ok := utils.GetBusinessIdFromContext(c.Request.Context())
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-Business-Id header is required"})
		return "", false
	}
	return businessId, true
}

type submitEmissionInput struct {
	InvoiceId    int   `json:"invoice_id" binding:"required"`
	StartMonitor *bool `json:"start_monitor"`
}

// SubmitEmission hands a draft invoice to the authority integration under a
// fresh correlation reference and, by default, starts monitoring it.
func (h *Handlers) SubmitEmission(c *gin.Context) {
	businessId, ok := resolveBusinessId(c)
	if !ok {
		return
	}

	var input submitEmissionInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, span := h.tracer.Start(c.Request.Context(), "SubmitEmission")
	defer span.End()

	invoice, err := models.GetServiceInvoiceById(ctx, input.InvoiceId)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, utils.ErrorRecordNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	switch invoice.CurrentStatus {
	case models.ServiceInvoiceStatusSubmitted, models.ServiceInvoiceStatusAuthorized:
		c.JSON(http.StatusConflict, gin.H{"error": "invoice was already submitted"})
		return
	case models.ServiceInvoiceStatusVoid:
		c.JSON(http.StatusConflict, gin.H{"error": "invoice is void"})
		return
	}

	business, err := h.cachedBusiness(ctx, businessId)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	customer, err := h.cachedCustomer(ctx, businessId, invoice.CustomerId)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	reference := uuid.NewString()
	payload := SubmissionPayload{
		RpsNumero:          invoice.RpsNumber,
		RpsSerie:           invoice.RpsSeries,
		DataEmissao:        invoice.IssueDate,
		CodigoServico:      invoice.ServiceCode,
		Discriminacao:      invoice.Description,
		ValorServicos:      invoice.ServiceAmount,
		ValorDeducoes:      invoice.DeductionsAmount,
		Aliquota:           invoice.IssRate,
		IssRetido:          invoice.IssWithheld != nil && *invoice.IssWithheld,
		PrestadorCnpj:      business.TaxId,
		PrestadorInscricao: business.MunicipalRegistration,
		TomadorRazaoSocial: customer.Name,
		TomadorCnpj:        customer.TaxId,
		TomadorEmail:       customer.Email,
	}

	if err := h.Submitter.Submit(ctx, reference, payload); err != nil {
		config.LogError(h.Logger, "emission", "SubmitEmission", "Submit", reference, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "submission to the authority failed"})
		return
	}
	if err := models.MarkServiceInvoiceSubmitted(ctx, invoice.ID, reference); err != nil {
		config.LogError(h.Logger, "emission", "SubmitEmission", "MarkServiceInvoiceSubmitted", reference, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	monitoring := input.StartMonitor == nil || *input.StartMonitor
	if monitoring {
		if _, err := h.startSession(businessId, reference); err != nil {
			// The submission itself succeeded; report the reference anyway.
			monitoring = false
			config.LogError(h.Logger, "emission", "SubmitEmission", "startSession", reference, err)
		}
	}

	correlationId, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
	c.JSON(http.StatusAccepted, gin.H{
		"reference":      reference,
		"invoice_id":     invoice.ID,
		"monitoring":     monitoring,
		"correlation_id": correlationId,
	})
}

// StartMonitoring begins (or resumes, after a restart) watching an already
// submitted reference.
func (h *Handlers) StartMonitoring(c *gin.Context) {
	businessId, ok := resolveBusinessId(c)
	if !ok {
		return
	}
	reference := c.Param("reference")

	owned, err := h.authorize(c.Request.Context(), businessId, reference)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !owned {
		c.JSON(http.StatusNotFound, gin.H{"error": "emission reference not found"})
		return
	}

	session, err := h.startSession(businessId, reference)
	if err != nil {
		if errors.Is(err, ErrAlreadyMonitored) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, session.Snapshot())
}

// startSession acquires the per-reference guard, registers the session and
// launches it. The redis lock is best effort: when redis is unavailable the
// in-process registry is still authoritative for this instance.
func (h *Handlers) startSession(businessId string, reference string) (*MonitorSession, error) {
	var lock *redislock.Lock
	if locker := config.GetRedisLock(); locker != nil {
		ttl := h.Monitor.Cfg.GraceDelay +
			time.Duration(h.Monitor.Cfg.MaxAttempts)*h.Monitor.Cfg.PollInterval +
			30*time.Second
		obtained, err := locker.Obtain(h.rootCtx, "emission:monitor:"+reference, ttl, nil)
		if err == nil {
			lock = obtained
		} else if errors.Is(err, redislock.ErrNotObtained) {
			return nil, ErrAlreadyMonitored
		}
	}

	// Register before launching: a losing racer must never run the monitor
	// goroutine, not even for the grace period.
	session := h.Monitor.NewSession(businessId, reference)
	if err := h.Registry.Add(session); err != nil {
		if lock != nil {
			lock.Release(context.Background())
		}
		return nil, err
	}
	h.Monitor.Launch(h.rootCtx, session)

	go func() {
		<-session.Done()
		h.Registry.Remove(reference)
		if lock != nil {
			lock.Release(context.Background())
		}
	}()
	return session, nil
}

// CancelMonitoring requests cooperative cancellation of an active session.
func (h *Handlers) CancelMonitoring(c *gin.Context) {
	businessId, ok := resolveBusinessId(c)
	if !ok {
		return
	}
	reference := c.Param("reference")

	session, ok := h.Registry.Get(reference)
	if !ok || session.BusinessId != businessId {
		c.JSON(http.StatusNotFound, gin.H{"error": "reference is not being monitored"})
		return
	}
	session.Cancel()
	c.JSON(http.StatusAccepted, gin.H{"reference": reference, "state": string(StateCancelled)})
}

// StreamEvents replays the current snapshot and then streams live updates for
// one reference over SSE until the session turns terminal or the client goes
// away.
func (h *Handlers) StreamEvents(c *gin.Context) {
	businessId, ok := resolveBusinessId(c)
	if !ok {
		return
	}
	reference := c.Param("reference")

	session, live := h.Registry.Get(reference)
	if live && session.BusinessId != businessId {
		c.JSON(http.StatusNotFound, gin.H{"error": "reference is not being monitored"})
		return
	}
	if !live {
		owned, err := h.authorize(c.Request.Context(), businessId, reference)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !owned {
			c.JSON(http.StatusNotFound, gin.H{"error": "reference is not being monitored"})
			return
		}
	}

	updates, cancel := h.Broker.Subscribe(reference)
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")

	if live {
		c.SSEvent("status", session.Snapshot())
		c.Writer.Flush()
	}

	c.Stream(func(w io.Writer) bool {
		select {
		case update, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent("status", update)
			return !update.Final
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// GetEmission returns the persisted record for a reference; while a session is
// still running it falls back to the live snapshot.
func (h *Handlers) GetEmission(c *gin.Context) {
	businessId, ok := resolveBusinessId(c)
	if !ok {
		return
	}
	reference := c.Param("reference")

	record, err := h.Monitor.Store.GetByReference(c.Request.Context(), businessId, reference)
	if err == nil {
		c.JSON(http.StatusOK, record)
		return
	}
	if !errors.Is(err, utils.ErrorRecordNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if session, live := h.Registry.Get(reference); live && session.BusinessId == businessId {
		c.JSON(http.StatusOK, gin.H{"live": session.Snapshot()})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "emission record not found"})
}

// ExportEmissions streams the tenant's emission records as an xlsx workbook.
func (h *Handlers) ExportEmissions(c *gin.Context) {
	businessId, ok := resolveBusinessId(c)
	if !ok {
		return
	}

	limit := 0
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", "attachment; filename=emissions.xlsx")
	if err := WriteEmissionsWorkbook(c.Request.Context(), c.Writer, businessId, limit); err != nil {
		config.LogError(h.Logger, "emission", "ExportEmissions", "WriteEmissionsWorkbook", businessId, err)
		c.Status(http.StatusInternalServerError)
	}
}
