package handler

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"invoiceingest/internal/ingest"
	"invoiceingest/internal/service"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// EventHandler runs S3 object-created notifications. *ingest.Intake implements it.
type EventHandler interface {
	Handle(ctx context.Context, n ingest.S3Notification) (*ingest.Summary, error)
	Enqueue(ctx context.Context, n ingest.S3Notification) (*ingest.Summary, error)
}

// RegisterRoutes attaches HTTP routes to the provided Fiber app.
func RegisterRoutes(app *fiber.App, db Pinger, svc service.InvoiceService, events EventHandler) {
	app.Get("/health", HealthCheck(db))
	app.Get("/healthz", LivenessProbe())

	app.Get("/invoices", ListInvoices(svc))
	app.Post("/invoices", CreateInvoice(svc))
	app.Post("/invoices/upload", UploadInvoice(svc))
	app.Post("/invoices/import", ImportInvoices(svc))
	app.Get("/invoices/:id", GetInvoice(svc))
	app.Delete("/invoices/:id", DeleteInvoice(svc))

	app.Post("/events/s3", S3Events(events))
	app.Post("/admin/flush", AdminFlush(svc))
}

// HealthCheck checks DB connectivity only.
//
// @Summary  Readiness probe
// @Tags     health
// @Produce  json
// @Success  200 {object} map[string]string
// @Failure  503 {object} errorPayload
// @Router   /health [get]
func HealthCheck(db Pinger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return writeError(c, fiber.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "dependency unavailable")
		}
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "healthy"})
	}
}

// LivenessProbe always answers 200 while the process serves requests.
func LivenessProbe() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	}
}

// ListInvoices returns active invoices with limit & offset.
//
// @Summary  List invoices
// @Tags     invoices
// @Produce  json
// @Param    limit  query int false "page size (max 100)"
// @Param    offset query int false "rows to skip"
// @Success  200 {object} service.InvoiceListResult
// @Failure  400 {object} errorPayload
// @Router   /invoices [get]
func ListInvoices(svc service.InvoiceService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		limit, err := strconv.Atoi(c.Query("limit", "10"))
		if err != nil {
			return writeError(c, fiber.StatusBadRequest, "INVALID_LIMIT", "invalid limit")
		}
		offset, err := strconv.Atoi(c.Query("offset", "0"))
		if err != nil {
			return writeError(c, fiber.StatusBadRequest, "INVALID_OFFSET", "invalid offset")
		}

		res, err := svc.List(c.UserContext(), limit, offset)
		if err != nil {
			return writeServiceError(c, err)
		}
		return c.JSON(res)
	}
}

// GetInvoice returns one invoice by ID.
//
// @Summary  Get invoice
// @Tags     invoices
// @Produce  json
// @Param    id path string true "invoice id"
// @Success  200 {object} model.InvoiceRecord
// @Failure  404 {object} errorPayload
// @Router   /invoices/{id} [get]
func GetInvoice(svc service.InvoiceService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Params("id")
		if _, err := uuid.Parse(id); err != nil {
			return writeError(c, fiber.StatusBadRequest, "INVALID_ID", "invalid id format")
		}
		rec, err := svc.Get(c.UserContext(), id)
		if err != nil {
			return writeServiceError(c, err)
		}
		return c.JSON(rec)
	}
}

// DeleteInvoice soft-deletes an invoice. The reason comes from ?reason=.
//
// @Summary  Soft-delete invoice
// @Tags     invoices
// @Param    id     path  string true "invoice id"
// @Param    reason query string true "why the invoice is removed"
// @Success  204
// @Failure  404 {object} errorPayload
// @Router   /invoices/{id} [delete]
func DeleteInvoice(svc service.InvoiceService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Params("id")
		if _, err := uuid.Parse(id); err != nil {
			return writeError(c, fiber.StatusBadRequest, "INVALID_ID", "invalid id format")
		}
		if err := svc.Delete(c.UserContext(), id, c.Query("reason")); err != nil {
			return writeServiceError(c, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

// CreateInvoice records a manual entry.
//
// @Summary  Create manual invoice
// @Tags     invoices
// @Accept   json
// @Produce  json
// @Param    invoice body service.ManualInvoiceInput true "invoice"
// @Success  201 {object} model.InvoiceRecord
// @Failure  400 {object} errorPayload
// @Failure  409 {object} errorPayload
// @Router   /invoices [post]
func CreateInvoice(svc service.InvoiceService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var in service.ManualInvoiceInput
		if err := c.BodyParser(&in); err != nil {
			return writeError(c, fiber.StatusBadRequest, "INVALID_BODY", "invalid request body")
		}
		rec, err := svc.Create(c.UserContext(), in)
		if err != nil {
			return writeServiceError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(rec)
	}
}

// UploadInvoice stores a scan and queues it for extraction (multipart/form-data,
// field name: file).
//
// @Summary  Upload invoice scan
// @Tags     invoices
// @Accept   mpfd
// @Produce  json
// @Param    file             formData file   true  "pdf, jpg or png"
// @Param    transaction_type formData string false "INCOME or EXPENSE"
// @Success  202 {object} service.UploadResult
// @Failure  400 {object} errorPayload
// @Router   /invoices/upload [post]
func UploadInvoice(svc service.InvoiceService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		fh, err := c.FormFile("file")
		if err != nil {
			return writeError(c, fiber.StatusBadRequest, "FILE_REQUIRED", "file is required")
		}

		f, err := fh.Open()
		if err != nil {
			return writeError(c, fiber.StatusBadRequest, "FILE_OPEN_ERROR", "cannot open uploaded file")
		}
		defer f.Close()

		ct := fh.Header.Get("Content-Type")
		if ct == "" {
			ct = "application/octet-stream"
		}

		res, err := svc.Upload(c.UserContext(), f, fh.Filename, ct, fh.Size, c.FormValue("transaction_type"))
		if err != nil {
			return writeServiceError(c, err)
		}
		return c.Status(fiber.StatusAccepted).JSON(res)
	}
}

// ImportInvoices reads an xlsx workbook (field name: file).
//
// @Summary  Import invoices from xlsx
// @Tags     invoices
// @Accept   mpfd
// @Produce  json
// @Param    file             formData file   true  "xlsx with Date, Vendor, Amount, Category"
// @Param    transaction_type formData string false "INCOME or EXPENSE"
// @Success  200 {object} service.ImportReport
// @Failure  400 {object} errorPayload
// @Router   /invoices/import [post]
func ImportInvoices(svc service.InvoiceService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		fh, err := c.FormFile("file")
		if err != nil {
			return writeError(c, fiber.StatusBadRequest, "FILE_REQUIRED", "file is required")
		}
		if !strings.EqualFold(filepath.Ext(fh.Filename), ".xlsx") {
			return writeError(c, fiber.StatusBadRequest, "INVALID_FORMAT", "only .xlsx workbooks are accepted")
		}

		f, err := fh.Open()
		if err != nil {
			return writeError(c, fiber.StatusBadRequest, "FILE_OPEN_ERROR", "cannot open uploaded file")
		}
		defer f.Close()

		report, err := svc.Import(c.UserContext(), f, fh.Filename, c.FormValue("transaction_type"))
		if err != nil {
			return writeServiceError(c, err)
		}
		return c.JSON(report)
	}
}

// S3Events accepts an object-created notification. Records are processed
// inline unless ?async=true, in which case they are queued and 202 is returned.
//
// @Summary  S3 object-created notification
// @Tags     events
// @Accept   json
// @Produce  json
// @Param    async query bool false "queue instead of processing inline"
// @Success  200 {object} ingest.Summary
// @Success  202 {object} ingest.Summary
// @Failure  400 {object} errorPayload
// @Router   /events/s3 [post]
func S3Events(events EventHandler) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var n ingest.S3Notification
		if err := json.Unmarshal(c.Body(), &n); err != nil {
			return writeError(c, fiber.StatusBadRequest, "INVALID_BODY", "invalid notification body")
		}

		async := c.QueryBool("async", false)
		var (
			sum *ingest.Summary
			err error
		)
		if async {
			sum, err = events.Enqueue(c.UserContext(), n)
		} else {
			sum, err = events.Handle(c.UserContext(), n)
		}
		switch {
		case errors.Is(err, ingest.ErrNoRecords):
			return writeError(c, fiber.StatusBadRequest, "NO_RECORDS", "no records found in event")
		case errors.Is(err, ingest.ErrQueueClosed):
			return writeError(c, fiber.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "ingestion queue unavailable")
		case err != nil:
			return writeError(c, fiber.StatusInternalServerError, "INTERNAL_ERROR", "processing failed, review required")
		}
		if async {
			return c.Status(fiber.StatusAccepted).JSON(sum)
		}
		return c.JSON(sum)
	}
}

// AdminFlush forces the batch writer to commit what it holds.
//
// @Summary  Flush batch writer
// @Tags     admin
// @Produce  json
// @Success  200 {object} batch.FlushReport
// @Router   /admin/flush [post]
func AdminFlush(svc service.InvoiceService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(svc.Flush(c.UserContext()))
	}
}
