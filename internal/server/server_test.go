package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	checkoutprovider "github.com/careledger/careledger/internal/checkout/provider"
	checkoutservice "github.com/careledger/careledger/internal/checkout/service"
	"github.com/careledger/careledger/internal/config"
	"github.com/careledger/careledger/internal/email"
	invoiceservice "github.com/careledger/careledger/internal/invoice/service"
	patientservice "github.com/careledger/careledger/internal/patient/service"
	paymentservice "github.com/careledger/careledger/internal/payment/service"
	"github.com/careledger/careledger/internal/pdf"
	webhookservice "github.com/careledger/careledger/internal/webhook/service"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testSecret = "whsec_server_test"

const testSchema = `
CREATE TABLE patients (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	email TEXT,
	phone TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE appointments (
	id INTEGER PRIMARY KEY,
	patient_id INTEGER NOT NULL,
	practitioner_id INTEGER,
	starts_at DATETIME,
	label TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE invoices (
	id INTEGER PRIMARY KEY,
	invoice_number TEXT NOT NULL UNIQUE,
	issue_date DATETIME NOT NULL,
	currency TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'DRAFT',
	subtotal NUMERIC NOT NULL,
	tax_total NUMERIC NOT NULL,
	total NUMERIC NOT NULL,
	paid_at DATETIME,
	sent_at DATETIME,
	pdf_url TEXT,
	patient_id INTEGER NOT NULL,
	practitioner_id INTEGER NOT NULL DEFAULT 0,
	appointment_id INTEGER UNIQUE,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE invoice_items (
	id INTEGER PRIMARY KEY,
	invoice_id INTEGER NOT NULL,
	label TEXT NOT NULL,
	quantity INTEGER NOT NULL,
	unit_price NUMERIC NOT NULL,
	tax_rate NUMERIC NOT NULL,
	position INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE invoice_sequences (
	month_key TEXT PRIMARY KEY,
	last_value INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE payments (
	id INTEGER PRIMARY KEY,
	invoice_id INTEGER NOT NULL,
	amount NUMERIC NOT NULL,
	method TEXT NOT NULL,
	paid_at DATETIME NOT NULL,
	reference TEXT,
	recorded_by INTEGER,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE webhook_events (
	id INTEGER PRIMARY KEY,
	event_id TEXT NOT NULL UNIQUE,
	provider TEXT NOT NULL,
	kind TEXT NOT NULL,
	invoice_id INTEGER,
	status TEXT NOT NULL,
	note TEXT,
	received_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

type stubCheckoutClient struct {
	lastInput checkoutprovider.CreateSessionInput
}

func (c *stubCheckoutClient) CreateSession(ctx context.Context, input checkoutprovider.CreateSessionInput) (checkoutprovider.CreateSessionOutput, error) {
	c.lastInput = input
	return checkoutprovider.CreateSessionOutput{
		SessionID: "cs_test_1",
		URL:       "https://pay.example/cs_test_1",
	}, nil
}

func newTestServer(t *testing.T) (*Server, *gorm.DB) {
	t.Helper()

	gin.SetMode(gin.TestMode)

	conn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, conn.Exec(testSchema).Error)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := config.Config{
		AppName:               "careledger-test",
		PublicBaseURL:         "http://localhost:8080",
		ProviderWebhookSecret: testSecret,
		CheckoutSuccessURL:    "http://localhost:8080/checkout/success",
		CheckoutCancelURL:     "http://localhost:8080/checkout/cancel",
	}

	log := zap.NewNop()
	invoiceSvc := invoiceservice.NewService(invoiceservice.Params{
		DB: conn, Log: log, GenID: node, Cfg: cfg,
		Renderer: pdf.NoOpRenderer{}, Mailer: email.NoOpProvider{},
	})
	paymentSvc := paymentservice.NewService(paymentservice.Params{DB: conn, Log: log, GenID: node})
	webhookSvc := webhookservice.NewService(webhookservice.Params{DB: conn, Log: log, GenID: node, Cfg: cfg})
	checkoutSvc := checkoutservice.NewService(checkoutservice.Params{
		DB: conn, Log: log, Cfg: cfg, Provider: &stubCheckoutClient{},
	})
	patientSvc := patientservice.NewService(patientservice.Params{DB: conn, Log: log})

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())

	srv := NewServer(ServerParams{
		Gin:         engine,
		Cfg:         cfg,
		Log:         log,
		InvoiceSvc:  invoiceSvc,
		PaymentSvc:  paymentSvc,
		WebhookSvc:  webhookSvc,
		CheckoutSvc: checkoutSvc,
		PatientSvc:  patientSvc,
	})
	return srv, conn
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var envelope struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NotNil(t, envelope.Data)
	return envelope.Data
}

func requireAmount(t *testing.T, want string, got any) {
	t.Helper()

	raw, ok := got.(string)
	require.True(t, ok, "amount should marshal as a string, got %T", got)
	parsed, err := decimal.NewFromString(raw)
	require.NoError(t, err)
	require.True(t, parsed.Equal(decimal.RequireFromString(want)), "want %s, got %s", want, raw)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()

	var envelope errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope.Error
}

func seedPatient(t *testing.T, conn *gorm.DB, id int64, name string, emailAddr string) {
	t.Helper()

	var emailValue any
	if emailAddr != "" {
		emailValue = emailAddr
	}
	require.NoError(t, conn.Exec(
		`INSERT INTO patients (id, name, email) VALUES (?, ?, ?)`,
		id, name, emailValue,
	).Error)
}

func invoiceBody(patientID int64) map[string]any {
	return map[string]any{
		"patientId": strconv.FormatInt(patientID, 10),
		"currency":  "EUR",
		"items": []map[string]any{
			{"label": "Consultation", "quantity": 1, "unitPrice": "60.00", "taxRate": "0.19"},
		},
	}
}

func TestInvoiceLifecycleOverHTTP(t *testing.T) {
	srv, conn := newTestServer(t)
	seedPatient(t, conn, 1001, "Ada Lovelace", "ada@example.com")

	rec := doJSON(t, srv, http.MethodPost, "/invoices", invoiceBody(1001))
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeData(t, rec)
	invoiceID := created["id"].(string)
	require.Equal(t, "DRAFT", created["status"])
	requireAmount(t, "71.40", created["total"])

	rec = doJSON(t, srv, http.MethodPost, "/invoices/"+invoiceID+"/send", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "SENT", decodeData(t, rec)["status"])

	rec = doJSON(t, srv, http.MethodPost, "/payments", map[string]any{
		"invoiceId": invoiceID,
		"amount":    "71.40",
		"method":    "CARD",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "PAID", decodeData(t, rec)["invoiceStatus"])

	rec = doJSON(t, srv, http.MethodGet, "/invoices/"+invoiceID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeData(t, rec)
	require.Equal(t, "PAID", detail["status"])
	require.Len(t, detail["payments"], 1)
}

func TestCreateInvoiceValidationOverHTTP(t *testing.T) {
	srv, conn := newTestServer(t)
	seedPatient(t, conn, 1002, "Grace Hopper", "")

	body := invoiceBody(1002)
	body["items"] = []map[string]any{}
	rec := doJSON(t, srv, http.MethodPost, "/invoices", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "ITEMS_REQUIRED", decodeError(t, rec).Code)

	rec = doJSON(t, srv, http.MethodPost, "/invoices", invoiceBody(9999))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "PATIENT_NOT_FOUND", decodeError(t, rec).Code)
}

func TestEditLockedInvoiceOverHTTP(t *testing.T) {
	srv, conn := newTestServer(t)
	seedPatient(t, conn, 1003, "Alan Turing", "alan@example.com")

	rec := doJSON(t, srv, http.MethodPost, "/invoices", invoiceBody(1003))
	require.Equal(t, http.StatusCreated, rec.Code)
	invoiceID := decodeData(t, rec)["id"].(string)

	rec = doJSON(t, srv, http.MethodPost, "/invoices/"+invoiceID+"/void", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPatch, "/invoices/"+invoiceID, map[string]any{
		"currency": "USD",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "INVOICE_LOCKED", decodeError(t, rec).Code)
}

func TestOverpaymentConflictOverHTTP(t *testing.T) {
	srv, conn := newTestServer(t)
	seedPatient(t, conn, 1004, "Mary Seacole", "mary@example.com")

	rec := doJSON(t, srv, http.MethodPost, "/invoices", invoiceBody(1004))
	require.Equal(t, http.StatusCreated, rec.Code)
	invoiceID := decodeData(t, rec)["id"].(string)

	rec = doJSON(t, srv, http.MethodPost, "/payments", map[string]any{
		"invoiceId": invoiceID,
		"amount":    "100.00",
		"method":    "CASH",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	payload := decodeError(t, rec)
	require.Equal(t, "OVERPAYMENT", payload.Code)
	require.NotNil(t, payload.Outstanding)
	require.Equal(t, "71.40", *payload.Outstanding)
}

func TestWebhookOverHTTP(t *testing.T) {
	srv, conn := newTestServer(t)
	seedPatient(t, conn, 1005, "Rosalind Franklin", "ros@example.com")

	rec := doJSON(t, srv, http.MethodPost, "/invoices", invoiceBody(1005))
	require.Equal(t, http.StatusCreated, rec.Code)
	invoiceID := decodeData(t, rec)["id"].(string)

	payload := []byte(fmt.Sprintf(`{
		"id": "evt_http_1",
		"type": "payment.succeeded",
		"created": %d,
		"data": {"object": {"id": "pay_http_1", "amount": 7140, "currency": "eur", "metadata": {"invoice_id": %q}}}
	}`, time.Now().Unix(), invoiceID))
	header := webhookservice.SignPayload(testSecret, strconv.FormatInt(time.Now().Unix(), 10), payload)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(payload))
	req.Header.Set("Signature", header)
	rec = httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"received":true}`, rec.Body.String())

	var status string
	require.NoError(t, conn.Raw(`SELECT status FROM invoices WHERE id = ?`, invoiceID).Scan(&status).Error)
	require.Equal(t, "PAID", status)

	// Bad signature never reaches the ledger.
	req = httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(payload))
	req.Header.Set("Signature", "t=1,v1=deadbeef")
	rec = httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckoutOverHTTP(t *testing.T) {
	srv, conn := newTestServer(t)
	seedPatient(t, conn, 1006, "Elizabeth Blackwell", "liz@example.com")

	rec := doJSON(t, srv, http.MethodPost, "/invoices", invoiceBody(1006))
	require.Equal(t, http.StatusCreated, rec.Code)
	invoiceID := decodeData(t, rec)["id"].(string)

	rec = doJSON(t, srv, http.MethodPost, "/checkout", map[string]any{"invoiceId": invoiceID})
	require.Equal(t, http.StatusOK, rec.Code)
	session := decodeData(t, rec)
	require.Equal(t, "cs_test_1", session["sessionId"])
	require.Equal(t, "https://pay.example/cs_test_1", session["url"])

	// A settled invoice is reported as already paid.
	rec = doJSON(t, srv, http.MethodPost, "/payments", map[string]any{
		"invoiceId": invoiceID, "amount": "71.40", "method": "TRANSFER",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/checkout", map[string]any{"invoiceId": invoiceID})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "INVOICE_ALREADY_PAID", decodeError(t, rec).Code)
}

func TestPatientsOverHTTP(t *testing.T) {
	srv, conn := newTestServer(t)
	seedPatient(t, conn, 1007, "Ada Lovelace", "ada@example.com")
	seedPatient(t, conn, 1008, "Grace Hopper", "grace@example.com")

	rec := doJSON(t, srv, http.MethodGet, "/patients?q=grace", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Data []map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)

	rec = doJSON(t, srv, http.MethodGet, "/patients/1007", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeData(t, rec)
	require.Equal(t, "Ada Lovelace", detail["name"])

	rec = doJSON(t, srv, http.MethodGet, "/patients/424242", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
