package steps

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/sagaflow/internal/domain"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRegistry() *Registry {
	return NewRegistry(NewInvoiceSteps(InvoiceConfig{
		Now: func() time.Time { return fixedNow },
	})...)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, 0, r.Count())

	r.Register(&Func{Name: "noop"})
	assert.Equal(t, 1, r.Count())
	assert.True(t, r.Has("noop"))

	step, err := r.Get("noop")
	require.NoError(t, err)
	assert.Equal(t, "noop", step.Type())

	_, err = r.Get("unknown")
	assert.ErrorIs(t, err, ErrUnknownStepType)
}

func TestRegistry_Types(t *testing.T) {
	r := newTestRegistry()
	assert.Equal(t, []string{"create-invoice", "fetch-orders", "pdf-process", "send-email"}, r.Types())
}

func TestRegistry_Validate(t *testing.T) {
	r := newTestRegistry()

	assert.NoError(t, r.Validate(InvoiceSteps()))

	err := r.Validate([]string{"fetch-orders", "charge-card", "ship", "ship"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownStepType)
	assert.Contains(t, err.Error(), "charge-card")
	assert.Contains(t, err.Error(), "ship")
}

func TestRegistry_CompensateWithoutCompensable(t *testing.T) {
	r := NewRegistry(executeOnly{})

	assert.NoError(t, r.Compensate(context.Background(), "execute-only", nil))
	assert.ErrorIs(t, r.Compensate(context.Background(), "missing", nil), ErrUnknownStepType)
}

type executeOnly struct{}

func (executeOnly) Type() string { return "execute-only" }
func (executeOnly) Execute(_ context.Context, p domain.Payload) (domain.Payload, error) {
	return p, nil
}

func TestPermanent(t *testing.T) {
	base := errors.New("card declined")
	err := Permanent(base)

	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.Nil(t, Permanent(nil))
	assert.True(t, IsPermanent(errors.Join(errors.New("ctx"), err)))
}

func TestInvoiceChain(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	payload := domain.Payload{"orderId": "123"}
	for _, stepType := range InvoiceSteps() {
		out, err := r.Execute(ctx, stepType, payload)
		require.NoError(t, err, stepType)
		payload = out
	}

	orders, ok := payload["orders"].([]any)
	require.True(t, ok)
	assert.Len(t, orders, 2)

	invoice := GetMap(payload, "invoice")
	require.NotNil(t, invoice)
	assert.InDelta(t, 351.25, invoice["total"], 0.0001)
	assert.Equal(t, "123", invoice["customerId"])
	assert.Equal(t, "INV-1772366400000", invoice["invoiceId"])

	pdf := GetMap(payload, "pdf")
	require.NotNil(t, pdf)
	assert.Equal(t, "https://storage.example.com/invoices/INV-1772366400000.pdf", pdf["pdfUrl"])

	email := GetMap(payload, "email")
	require.NotNil(t, email)
	assert.Equal(t, "customer-123@example.com", email["recipient"])
	assert.Equal(t, "Invoice INV-1772366400000", email["subject"])
	assert.Equal(t, "sent", email["status"])
	assert.Equal(t, "123", payload["orderId"])
}

func TestInvoiceStep_DoesNotMutateInput(t *testing.T) {
	r := newTestRegistry()
	in := domain.Payload{"orderId": "7"}

	_, err := r.Execute(context.Background(), StepFetchOrders, in)
	require.NoError(t, err)

	_, has := in["orders"]
	assert.False(t, has)
}

func TestInvoiceStep_SimulatedFailures(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	_, err := r.Execute(ctx, StepPDFProcess, domain.Payload{KeyFailStep: StepPDFProcess})
	assert.ErrorIs(t, err, ErrSimulatedFailure)

	err = r.Compensate(ctx, StepSendEmail, domain.Payload{KeyFailCompensation: StepSendEmail})
	assert.ErrorIs(t, err, ErrSimulatedFailure)

	err = r.Compensate(ctx, StepSendEmail, domain.Payload{"orderId": "1"})
	assert.NoError(t, err)
}

func TestInvoiceStep_CompensateRequiresResult(t *testing.T) {
	r := newTestRegistry()

	err := r.Compensate(context.Background(), StepCreateInvoice, domain.Payload{"orderId": "1"})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestInvoiceStep_Cancelled(t *testing.T) {
	r := NewRegistry(NewInvoiceSteps(InvoiceConfig{Latency: time.Hour})...)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Execute(ctx, StepFetchOrders, domain.Payload{})
	assert.ErrorIs(t, err, ErrStepCancelled)
}
