package server

import (
	"errors"
	"net/http"

	checkoutdomain "github.com/careledger/careledger/internal/checkout/domain"
	invoicedomain "github.com/careledger/careledger/internal/invoice/domain"
	patientdomain "github.com/careledger/careledger/internal/patient/domain"
	paymentdomain "github.com/careledger/careledger/internal/payment/domain"
	webhookdomain "github.com/careledger/careledger/internal/webhook/domain"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Code    string            `json:"code,omitempty"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`

	// Outstanding is set for overpayment rejections so clients can show the
	// amount still owed.
	Outstanding *string `json:"outstanding,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	var overErr *paymentdomain.OverpaymentError
	if errors.As(err, &overErr) {
		outstanding := overErr.Outstanding.StringFixed(2)
		return http.StatusConflict, errorPayload{
			Type:        "conflict",
			Code:        "OVERPAYMENT",
			Message:     "payment exceeds the outstanding balance",
			Outstanding: &outstanding,
		}
	}

	if code, ok := validationCode(err); ok {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Code:    code,
			Message: "validation error",
		}
	}

	if code, message, ok := conflictCode(err); ok {
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Code:    code,
			Message: message,
		}
	}

	switch {
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Code:    notFoundCode(err),
			Message: "not found",
		}
	case errors.Is(err, checkoutdomain.ErrProviderUnavailable):
		return http.StatusBadGateway, errorPayload{
			Type:    "provider_unavailable",
			Code:    "PROVIDER_UNAVAILABLE",
			Message: "payment provider unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func validationCode(err error) (string, bool) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "INVALID_REQUEST", true
	case errors.Is(err, invoicedomain.ErrItemsRequired):
		return "ITEMS_REQUIRED", true
	case errors.Is(err, invoicedomain.ErrItemInvalid):
		return "ITEM_INVALID", true
	case errors.Is(err, invoicedomain.ErrInvalidCurrency):
		return "INVALID_CURRENCY", true
	case errors.Is(err, invoicedomain.ErrInvalidInvoiceID):
		return "INVALID_INVOICE_ID", true
	case errors.Is(err, paymentdomain.ErrAmountInvalid):
		return "AMOUNT_INVALID", true
	case errors.Is(err, paymentdomain.ErrMethodInvalid):
		return "METHOD_INVALID", true
	case errors.Is(err, webhookdomain.ErrInvalidSignature):
		return "INVALID_SIGNATURE", true
	case errors.Is(err, webhookdomain.ErrInvalidPayload):
		return "INVALID_PAYLOAD", true
	default:
		return "", false
	}
}

func conflictCode(err error) (string, string, bool) {
	switch {
	case errors.Is(err, invoicedomain.ErrInvoiceLocked):
		return "INVOICE_LOCKED", "invoice can no longer be edited", true
	case errors.Is(err, invoicedomain.ErrCannotSendVoid):
		return "CANNOT_SEND_VOID", "void invoices cannot be sent", true
	case errors.Is(err, invoicedomain.ErrCannotVoidPaid):
		return "CANNOT_VOID_PAID", "paid invoices cannot be voided", true
	case errors.Is(err, invoicedomain.ErrDuplicateAppointmentInvoice):
		return "DUPLICATE_APPOINTMENT_INVOICE", "appointment already has an invoice", true
	case errors.Is(err, invoicedomain.ErrPatientMissingEmail):
		return "PATIENT_MISSING_EMAIL", "patient has no email address on file", true
	case errors.Is(err, paymentdomain.ErrInvoiceAlreadyPaid):
		return "INVOICE_ALREADY_PAID", "invoice is already fully paid", true
	case errors.Is(err, paymentdomain.ErrInvoiceVoid):
		return "INVOICE_VOID", "invoice is void", true
	case errors.Is(err, checkoutdomain.ErrNothingToPay):
		return "NOTHING_TO_PAY", "invoice has no outstanding balance", true
	default:
		return "", "", false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, invoicedomain.ErrInvoiceNotFound),
		errors.Is(err, invoicedomain.ErrPatientNotFound),
		errors.Is(err, invoicedomain.ErrAppointmentNotFound),
		errors.Is(err, paymentdomain.ErrPaymentNotFound),
		errors.Is(err, paymentdomain.ErrInvalidPaymentID),
		errors.Is(err, patientdomain.ErrPatientNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func notFoundCode(err error) string {
	switch {
	case errors.Is(err, invoicedomain.ErrInvoiceNotFound):
		return "INVOICE_NOT_FOUND"
	case errors.Is(err, invoicedomain.ErrPatientNotFound),
		errors.Is(err, patientdomain.ErrPatientNotFound):
		return "PATIENT_NOT_FOUND"
	case errors.Is(err, invoicedomain.ErrAppointmentNotFound):
		return "APPOINTMENT_NOT_FOUND"
	case errors.Is(err, paymentdomain.ErrPaymentNotFound),
		errors.Is(err, paymentdomain.ErrInvalidPaymentID):
		return "PAYMENT_NOT_FOUND"
	default:
		return "NOT_FOUND"
	}
}
