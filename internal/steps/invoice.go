package steps

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/shaiso/sagaflow/internal/domain"
)

// Имена шагов демонстрационного workflow "invoice".
const (
	StepFetchOrders   = "fetch-orders"
	StepCreateInvoice = "create-invoice"
	StepPDFProcess    = "pdf-process"
	StepSendEmail     = "send-email"

	// InvoiceWorkflowName — имя демонстрационного workflow.
	InvoiceWorkflowName = "invoice"
)

// Ключи payload для имитации сбоев.
const (
	// KeyFailStep — имя шага, Execute которого всегда падает.
	KeyFailStep = "failStep"

	// KeyFailCompensation — имя шага, Compensate которого всегда падает.
	KeyFailCompensation = "failCompensation"
)

// InvoiceSteps возвращает шаги workflow "invoice" в порядке выполнения.
func InvoiceSteps() []string {
	return []string{StepFetchOrders, StepCreateInvoice, StepPDFProcess, StepSendEmail}
}

// InvoiceConfig — настройки демонстрационных шагов.
type InvoiceConfig struct {
	// Latency — имитация времени работы внешней системы.
	Latency time.Duration

	// Now — источник времени (default: time.Now).
	Now func() time.Time

	// Logger
	Logger *slog.Logger
}

// NewInvoiceSteps создаёт четыре шага workflow "invoice".
func NewInvoiceSteps(cfg InvoiceConfig) []Step {
	b := newInvoiceBase(cfg)
	return []Step{
		&FetchOrdersStep{invoiceBase: b},
		&CreateInvoiceStep{invoiceBase: b},
		&PDFProcessStep{invoiceBase: b},
		&SendEmailStep{invoiceBase: b},
	}
}

// invoiceBase — общее для демонстрационных шагов.
type invoiceBase struct {
	latency time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

func newInvoiceBase(cfg InvoiceConfig) invoiceBase {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return invoiceBase{latency: cfg.Latency, now: now, logger: logger}
}

// begin имитирует задержку и проверяет запрошенный сбой.
func (b invoiceBase) begin(ctx context.Context, stepType string, payload domain.Payload) error {
	if err := sleep(ctx, b.latency); err != nil {
		return err
	}
	if GetString(payload, KeyFailStep) == stepType {
		return fmt.Errorf("%w: %s", ErrSimulatedFailure, stepType)
	}
	return nil
}

// undo имитирует компенсирующее действие.
func (b invoiceBase) undo(ctx context.Context, stepType string, payload domain.Payload, what string) error {
	if err := sleep(ctx, b.latency); err != nil {
		return err
	}
	if GetString(payload, KeyFailCompensation) == stepType {
		return fmt.Errorf("%w: compensate %s", ErrSimulatedFailure, stepType)
	}
	b.logger.Info("step compensated", "type", stepType, "undo", what)
	return nil
}

func (b invoiceBase) timestamp() string {
	return b.now().UTC().Format(time.RFC3339)
}

// FetchOrdersStep загружает заказы клиента.
//
// Вход: {orderId}. Выход: вход + {orders: [...]}.
type FetchOrdersStep struct{ invoiceBase }

// Type возвращает имя шага.
func (s *FetchOrdersStep) Type() string { return StepFetchOrders }

// Execute возвращает заказы клиента.
func (s *FetchOrdersStep) Execute(ctx context.Context, payload domain.Payload) (domain.Payload, error) {
	if err := s.begin(ctx, StepFetchOrders, payload); err != nil {
		return nil, err
	}

	customerID := orderID(payload)
	out := payload.Clone()
	if out == nil {
		out = domain.Payload{}
	}
	out["orders"] = []any{
		map[string]any{"id": 1, "customerId": customerID, "amount": 100.5, "items": 3},
		map[string]any{"id": 2, "customerId": customerID, "amount": 250.75, "items": 5},
	}
	return out, nil
}

// Compensate снимает резерв с заказов.
func (s *FetchOrdersStep) Compensate(ctx context.Context, payload domain.Payload) error {
	return s.undo(ctx, StepFetchOrders, payload, "release order reservation "+orderID(payload))
}

// CreateInvoiceStep выставляет счёт на сумму заказов.
//
// Выход: вход + {invoice: {invoiceId, customerId, total, createdAt}}.
type CreateInvoiceStep struct{ invoiceBase }

// Type возвращает имя шага.
func (s *CreateInvoiceStep) Type() string { return StepCreateInvoice }

// Execute создаёт счёт.
func (s *CreateInvoiceStep) Execute(ctx context.Context, payload domain.Payload) (domain.Payload, error) {
	if err := s.begin(ctx, StepCreateInvoice, payload); err != nil {
		return nil, err
	}

	var total float64
	if orders, ok := payload["orders"].([]any); ok {
		for _, o := range orders {
			if m, ok := o.(map[string]any); ok {
				total += GetFloat(m, "amount")
			}
		}
	}

	out := payload.Clone()
	if out == nil {
		out = domain.Payload{}
	}
	out["invoice"] = map[string]any{
		"invoiceId":  fmt.Sprintf("INV-%d", s.now().UnixMilli()),
		"customerId": orderID(payload),
		"total":      total,
		"createdAt":  s.timestamp(),
	}
	return out, nil
}

// Compensate аннулирует счёт.
func (s *CreateInvoiceStep) Compensate(ctx context.Context, payload domain.Payload) error {
	invoice := GetMap(payload, "invoice")
	if invoice == nil {
		return fmt.Errorf("%w: invoice missing", ErrInvalidPayload)
	}
	return s.undo(ctx, StepCreateInvoice, payload, fmt.Sprintf("void invoice %v", invoice["invoiceId"]))
}

// PDFProcessStep формирует PDF счёта.
//
// Выход: вход + {pdf: {pdfUrl, size, generatedAt}}.
type PDFProcessStep struct{ invoiceBase }

// Type возвращает имя шага.
func (s *PDFProcessStep) Type() string { return StepPDFProcess }

// Execute формирует PDF.
func (s *PDFProcessStep) Execute(ctx context.Context, payload domain.Payload) (domain.Payload, error) {
	if err := s.begin(ctx, StepPDFProcess, payload); err != nil {
		return nil, err
	}

	invoiceID := "unknown"
	if invoice := GetMap(payload, "invoice"); invoice != nil {
		if id, ok := invoice["invoiceId"].(string); ok {
			invoiceID = id
		}
	}

	out := payload.Clone()
	if out == nil {
		out = domain.Payload{}
	}
	out["pdf"] = map[string]any{
		"pdfUrl":      "https://storage.example.com/invoices/" + invoiceID + ".pdf",
		"size":        rand.IntN(500) + 100,
		"generatedAt": s.timestamp(),
	}
	return out, nil
}

// Compensate удаляет сформированный PDF.
func (s *PDFProcessStep) Compensate(ctx context.Context, payload domain.Payload) error {
	pdf := GetMap(payload, "pdf")
	if pdf == nil {
		return fmt.Errorf("%w: pdf missing", ErrInvalidPayload)
	}
	return s.undo(ctx, StepPDFProcess, payload, fmt.Sprintf("delete %v", pdf["pdfUrl"]))
}

// SendEmailStep отправляет счёт клиенту.
//
// Выход: вход + {email: {messageId, recipient, subject, sentAt, status}}.
type SendEmailStep struct{ invoiceBase }

// Type возвращает имя шага.
func (s *SendEmailStep) Type() string { return StepSendEmail }

// Execute отправляет письмо.
func (s *SendEmailStep) Execute(ctx context.Context, payload domain.Payload) (domain.Payload, error) {
	if err := s.begin(ctx, StepSendEmail, payload); err != nil {
		return nil, err
	}

	invoiceID := "N/A"
	if invoice := GetMap(payload, "invoice"); invoice != nil {
		if id, ok := invoice["invoiceId"].(string); ok {
			invoiceID = id
		}
	}

	out := payload.Clone()
	if out == nil {
		out = domain.Payload{}
	}
	out["email"] = map[string]any{
		"messageId": fmt.Sprintf("msg-%d", s.now().UnixMilli()),
		"recipient": "customer-" + orderID(payload) + "@example.com",
		"subject":   "Invoice " + invoiceID,
		"sentAt":    s.timestamp(),
		"status":    "sent",
	}
	return out, nil
}

// Compensate отправляет клиенту письмо об отзыве счёта.
func (s *SendEmailStep) Compensate(ctx context.Context, payload domain.Payload) error {
	return s.undo(ctx, StepSendEmail, payload, "send retraction to customer-"+orderID(payload)+"@example.com")
}

func orderID(p domain.Payload) string {
	if id := GetString(p, "orderId"); id != "" {
		return id
	}
	return "unknown"
}
