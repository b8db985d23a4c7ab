package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/careledger/careledger/internal/config"
	"github.com/careledger/careledger/internal/email"
	invoicedomain "github.com/careledger/careledger/internal/invoice/domain"
	"github.com/careledger/careledger/internal/pdf"
	"github.com/careledger/careledger/pkg/db"
	"github.com/careledger/careledger/pkg/db/option"
	"github.com/careledger/careledger/pkg/db/pagination"
	"github.com/careledger/careledger/pkg/repository"
	"github.com/careledger/careledger/pkg/staffctx"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Cfg      config.Config
	Renderer pdf.Renderer
	Mailer   email.Provider
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	cfg      config.Config
	renderer pdf.Renderer
	mailer   email.Provider

	invoicerepo repository.Repository[invoicedomain.Invoice]
}

func NewService(p Params) invoicedomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("invoice.service"),
		genID:    p.GenID,
		cfg:      p.Cfg,
		renderer: p.Renderer,
		mailer:   p.Mailer,

		invoicerepo: repository.ProvideStore[invoicedomain.Invoice](p.DB),
	}
}

func (s *Service) Create(ctx context.Context, req invoicedomain.CreateInvoiceRequest) (invoicedomain.Invoice, error) {
	patientID, err := snowflake.ParseString(strings.TrimSpace(req.PatientID))
	if err != nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrPatientNotFound
	}

	var appointmentID *snowflake.ID
	if req.AppointmentID != nil && strings.TrimSpace(*req.AppointmentID) != "" {
		parsed, err := snowflake.ParseString(strings.TrimSpace(*req.AppointmentID))
		if err != nil {
			return invoicedomain.Invoice{}, invoicedomain.ErrAppointmentNotFound
		}
		appointmentID = &parsed
	}

	currency, err := normalizeCurrency(req.Currency)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if err := validateItems(req.Items); err != nil {
		return invoicedomain.Invoice{}, err
	}
	subtotal, taxTotal, total := computeTotals(req.Items)

	issueDate := time.Now().UTC()
	if req.IssueDate != nil && !req.IssueDate.IsZero() {
		issueDate = req.IssueDate.UTC()
	}

	var created invoicedomain.Invoice
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ensurePatient(ctx, tx, patientID); err != nil {
			return err
		}

		if appointmentID != nil {
			appointment, err := s.loadAppointmentTx(ctx, tx, *appointmentID)
			if err != nil {
				return err
			}
			if appointment == nil {
				return invoicedomain.ErrAppointmentNotFound
			}
			linked, err := s.findInvoiceByAppointment(ctx, tx, *appointmentID)
			if err != nil {
				return err
			}
			if linked != 0 {
				return invoicedomain.ErrDuplicateAppointmentInvoice
			}
		}

		number, err := nextInvoiceNumber(ctx, tx, issueDate)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		invoiceID := s.genID.Generate()
		items := make([]invoicedomain.LineItem, 0, len(req.Items))
		for i, item := range req.Items {
			items = append(items, invoicedomain.LineItem{
				ID:        s.genID.Generate(),
				InvoiceID: invoiceID,
				Label:     strings.TrimSpace(item.Label),
				Quantity:  item.Quantity,
				UnitPrice: item.UnitPrice,
				TaxRate:   item.TaxRate,
				Position:  i,
				CreatedAt: now,
			})
		}

		created = invoicedomain.Invoice{
			ID:             invoiceID,
			InvoiceNumber:  number,
			IssueDate:      issueDate,
			Currency:       currency,
			Status:         invoicedomain.InvoiceStatusDraft,
			Subtotal:       subtotal,
			TaxTotal:       taxTotal,
			Total:          total,
			PatientID:      patientID,
			PractitionerID: staffctx.PractitionerFrom(ctx),
			AppointmentID:  appointmentID,
			CreatedAt:      now,
			UpdatedAt:      now,
			Items:          items,
		}
		return tx.WithContext(ctx).Create(&created).Error
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return invoicedomain.Invoice{}, invoicedomain.ErrDuplicateAppointmentInvoice
		}
		return invoicedomain.Invoice{}, err
	}

	s.log.Info("invoice created",
		zap.String("invoice_id", created.ID.String()),
		zap.String("invoice_number", created.InvoiceNumber),
		zap.String("total", created.Total.StringFixed(2)),
	)
	return created, nil
}

func (s *Service) Edit(ctx context.Context, id string, req invoicedomain.EditInvoiceRequest) (invoicedomain.Invoice, error) {
	invoiceID, err := parseID(id)
	if err != nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidInvoiceID
	}

	var edited invoicedomain.Invoice
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.loadInvoiceForUpdate(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if invoice == nil {
			return invoicedomain.ErrInvoiceNotFound
		}
		if invoice.Status == invoicedomain.InvoiceStatusPaid || invoice.Status == invoicedomain.InvoiceStatusVoid {
			return invoicedomain.ErrInvoiceLocked
		}

		if req.Currency != nil {
			currency, err := normalizeCurrency(*req.Currency)
			if err != nil {
				return err
			}
			invoice.Currency = currency
		}
		if req.IssueDate != nil && !req.IssueDate.IsZero() {
			invoice.IssueDate = req.IssueDate.UTC()
		}

		now := time.Now().UTC()
		if req.Items != nil {
			if err := validateItems(req.Items); err != nil {
				return err
			}
			subtotal, taxTotal, total := computeTotals(req.Items)

			if err := tx.WithContext(ctx).Exec(
				`DELETE FROM invoice_items WHERE invoice_id = ?`,
				invoiceID,
			).Error; err != nil {
				return err
			}

			items := make([]invoicedomain.LineItem, 0, len(req.Items))
			for i, item := range req.Items {
				items = append(items, invoicedomain.LineItem{
					ID:        s.genID.Generate(),
					InvoiceID: invoiceID,
					Label:     strings.TrimSpace(item.Label),
					Quantity:  item.Quantity,
					UnitPrice: item.UnitPrice,
					TaxRate:   item.TaxRate,
					Position:  i,
					CreatedAt: now,
				})
			}
			if err := tx.WithContext(ctx).Create(&items).Error; err != nil {
				return err
			}
			invoice.Subtotal = subtotal
			invoice.TaxTotal = taxTotal
			invoice.Total = total
			invoice.Items = items
		}

		invoice.UpdatedAt = now
		if err := tx.WithContext(ctx).Exec(
			`UPDATE invoices
			 SET currency = ?, issue_date = ?, subtotal = ?, tax_total = ?, total = ?, updated_at = ?
			 WHERE id = ?`,
			invoice.Currency,
			invoice.IssueDate,
			invoice.Subtotal,
			invoice.TaxTotal,
			invoice.Total,
			invoice.UpdatedAt,
			invoiceID,
		).Error; err != nil {
			return err
		}

		edited = *invoice
		return nil
	})
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	if edited.Items == nil {
		if err := s.loadItems(ctx, &edited); err != nil {
			return invoicedomain.Invoice{}, err
		}
	}
	return edited, nil
}

func (s *Service) Send(ctx context.Context, id string) (invoicedomain.Invoice, error) {
	invoiceID, err := parseID(id)
	if err != nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidInvoiceID
	}

	var sent invoicedomain.Invoice
	var recipient patientRow
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.loadInvoiceForUpdate(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if invoice == nil {
			return invoicedomain.ErrInvoiceNotFound
		}
		if invoice.Status == invoicedomain.InvoiceStatusVoid {
			return invoicedomain.ErrCannotSendVoid
		}

		patient, err := s.loadPatient(ctx, tx, invoice.PatientID)
		if err != nil {
			return err
		}
		if patient == nil {
			return invoicedomain.ErrPatientNotFound
		}
		if patient.Email == nil || strings.TrimSpace(*patient.Email) == "" {
			return invoicedomain.ErrPatientMissingEmail
		}
		recipient = *patient

		now := time.Now().UTC()
		pdfURL := fmt.Sprintf("%s/invoices/%s/pdf", strings.TrimRight(s.cfg.PublicBaseURL, "/"), invoiceID.String())
		if invoice.Status == invoicedomain.InvoiceStatusDraft {
			invoice.Status = invoicedomain.InvoiceStatusSent
		}
		invoice.SentAt = &now
		invoice.PDFURL = &pdfURL
		invoice.UpdatedAt = now

		if err := tx.WithContext(ctx).Exec(
			`UPDATE invoices
			 SET status = ?, sent_at = ?, pdf_url = ?, updated_at = ?
			 WHERE id = ?`,
			invoice.Status,
			invoice.SentAt,
			invoice.PDFURL,
			invoice.UpdatedAt,
			invoiceID,
		).Error; err != nil {
			return err
		}

		sent = *invoice
		return nil
	})
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	if err := s.loadItems(ctx, &sent); err != nil {
		return invoicedomain.Invoice{}, err
	}

	// Delivery happens strictly after the commit; a render or SMTP failure
	// must not roll back the state change.
	s.deliver(ctx, sent, recipient)

	return sent, nil
}

func (s *Service) Void(ctx context.Context, id string) (invoicedomain.Invoice, error) {
	invoiceID, err := parseID(id)
	if err != nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidInvoiceID
	}

	var voided invoicedomain.Invoice
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.loadInvoiceForUpdate(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if invoice == nil {
			return invoicedomain.ErrInvoiceNotFound
		}
		if invoice.Status == invoicedomain.InvoiceStatusPaid {
			return invoicedomain.ErrCannotVoidPaid
		}
		if invoice.Status == invoicedomain.InvoiceStatusVoid {
			voided = *invoice
			return nil
		}

		now := time.Now().UTC()
		invoice.Status = invoicedomain.InvoiceStatusVoid
		invoice.UpdatedAt = now
		if err := tx.WithContext(ctx).Exec(
			`UPDATE invoices
			 SET status = ?, updated_at = ?
			 WHERE id = ?`,
			invoicedomain.InvoiceStatusVoid,
			now,
			invoiceID,
		).Error; err != nil {
			return err
		}
		voided = *invoice
		return nil
	})
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	s.log.Info("invoice voided", zap.String("invoice_id", voided.ID.String()))
	return voided, nil
}

func (s *Service) List(ctx context.Context, req invoicedomain.ListInvoiceRequest) (invoicedomain.ListInvoiceResponse, error) {
	filter := &invoicedomain.Invoice{}
	if req.Status != nil {
		filter.Status = *req.Status
	}
	if req.PatientID != nil {
		patientID, err := snowflake.ParseString(strings.TrimSpace(*req.PatientID))
		if err != nil {
			return invoicedomain.ListInvoiceResponse{}, invoicedomain.ErrPatientNotFound
		}
		filter.PatientID = patientID
	}

	var conditions []option.QueryOption
	if q := strings.TrimSpace(req.Query); q != "" {
		conditions = append(conditions, option.ApplyOperator(option.Condition{
			Field:    "invoice_number",
			Operator: option.LIKE,
			Value:    "%" + q + "%",
		}))
	}

	page := req.Page.Normalize()
	options := append([]option.QueryOption{}, conditions...)
	options = append(options,
		option.WithSortBy(option.QuerySortBy{
			Allow: map[string]bool{
				"created_at":     true,
				"issue_date":     true,
				"invoice_number": true,
				"total":          true,
			},
			Field:   req.OrderBy,
			Desc:    req.Desc,
			Default: "created_at",
		}),
		option.WithPage(page.Page, page.PageSize),
	)

	items, err := s.invoicerepo.Find(ctx, filter, options...)
	if err != nil {
		return invoicedomain.ListInvoiceResponse{}, err
	}
	total, err := s.invoicerepo.Count(ctx, filter, conditions...)
	if err != nil {
		return invoicedomain.ListInvoiceResponse{}, err
	}

	invoices := make([]invoicedomain.Invoice, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		invoices = append(invoices, *item)
	}

	return invoicedomain.ListInvoiceResponse{
		Invoices: invoices,
		Meta:     pagination.BuildMeta(page, total),
	}, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (invoicedomain.InvoiceDetail, error) {
	invoiceID, err := parseID(id)
	if err != nil {
		return invoicedomain.InvoiceDetail{}, invoicedomain.ErrInvalidInvoiceID
	}

	item, err := s.invoicerepo.FindOne(ctx, &invoicedomain.Invoice{ID: invoiceID})
	if err != nil {
		return invoicedomain.InvoiceDetail{}, err
	}
	if item == nil {
		return invoicedomain.InvoiceDetail{}, invoicedomain.ErrInvoiceNotFound
	}
	if err := s.loadItems(ctx, item); err != nil {
		return invoicedomain.InvoiceDetail{}, err
	}

	detail := invoicedomain.InvoiceDetail{Invoice: *item}

	if err := s.db.WithContext(ctx).Raw(
		`SELECT id, amount, method, paid_at, reference
		 FROM payments
		 WHERE invoice_id = ?
		 ORDER BY paid_at, id`,
		invoiceID,
	).Scan(&detail.Payments).Error; err != nil {
		return invoicedomain.InvoiceDetail{}, err
	}

	if item.AppointmentID != nil {
		appointment, err := s.loadAppointmentTx(ctx, s.db, *item.AppointmentID)
		if err != nil {
			return invoicedomain.InvoiceDetail{}, err
		}
		detail.Appointment = appointment
	}

	return detail, nil
}

func (s *Service) RenderPDF(ctx context.Context, id string) ([]byte, error) {
	invoiceID, err := parseID(id)
	if err != nil {
		return nil, invoicedomain.ErrInvalidInvoiceID
	}

	item, err := s.invoicerepo.FindOne(ctx, &invoicedomain.Invoice{ID: invoiceID})
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	if err := s.loadItems(ctx, item); err != nil {
		return nil, err
	}

	patient, err := s.loadPatient(ctx, s.db, item.PatientID)
	if err != nil {
		return nil, err
	}
	patientName := ""
	if patient != nil {
		patientName = patient.Name
	}

	return s.renderer.RenderInvoice(ctx, buildDocument(*item, patientName, s.cfg.AppName))
}

func (s *Service) deliver(ctx context.Context, invoice invoicedomain.Invoice, patient patientRow) {
	pdfURL := ""
	if invoice.PDFURL != nil {
		pdfURL = *invoice.PDFURL
	}
	body := fmt.Sprintf(
		"<p>Dear %s,</p><p>Your invoice %s over %s %s is available at <a href=%q>%s</a>.</p>",
		patient.Name,
		invoice.InvoiceNumber,
		invoice.Total.StringFixed(2),
		invoice.Currency,
		pdfURL,
		pdfURL,
	)
	if err := s.mailer.Send(ctx, []string{*patient.Email}, "Invoice "+invoice.InvoiceNumber, body); err != nil {
		s.log.Warn("invoice email delivery failed",
			zap.String("invoice_id", invoice.ID.String()),
			zap.Error(err),
		)
	}
}

func buildDocument(invoice invoicedomain.Invoice, patientName, clinicName string) pdf.Document {
	items := make([]pdf.DocumentItem, 0, len(invoice.Items))
	for _, item := range invoice.Items {
		qty := item.Quantity
		lineTotal := item.UnitPrice.
			Mul(item.TaxRate.Add(one)).
			Mul(decimal.NewFromInt(qty))
		items = append(items, pdf.DocumentItem{
			Label:     item.Label,
			Qty:       qty,
			UnitPrice: item.UnitPrice.StringFixed(2),
			TaxRate:   item.TaxRate.Mul(decimal.NewFromInt(100)).StringFixed(0) + "%",
			Amount:    lineTotal.Round(2).StringFixed(2),
		})
	}
	return pdf.Document{
		ClinicName:    clinicName,
		InvoiceNumber: invoice.InvoiceNumber,
		IssueDate:     invoice.IssueDate.Format("2006-01-02"),
		Status:        string(invoice.Status),
		PatientName:   patientName,
		Items:         items,
		Subtotal:      invoice.Subtotal.StringFixed(2),
		TaxTotal:      invoice.TaxTotal.StringFixed(2),
		Total:         invoice.Total.StringFixed(2),
		AmountDue:     invoice.Total.StringFixed(2),
		Currency:      invoice.Currency,
	}
}

type patientRow struct {
	ID    snowflake.ID
	Name  string
	Email *string
}

func (s *Service) ensurePatient(ctx context.Context, tx *gorm.DB, patientID snowflake.ID) error {
	patient, err := s.loadPatient(ctx, tx, patientID)
	if err != nil {
		return err
	}
	if patient == nil {
		return invoicedomain.ErrPatientNotFound
	}
	return nil
}

func (s *Service) loadPatient(ctx context.Context, tx *gorm.DB, patientID snowflake.ID) (*patientRow, error) {
	var patient patientRow
	err := tx.WithContext(ctx).Raw(
		`SELECT id, name, email
		 FROM patients
		 WHERE id = ?`,
		patientID,
	).Scan(&patient).Error
	if err != nil {
		return nil, err
	}
	if patient.ID == 0 {
		return nil, nil
	}
	return &patient, nil
}

func (s *Service) loadAppointmentTx(ctx context.Context, tx *gorm.DB, appointmentID snowflake.ID) (*invoicedomain.AppointmentSummary, error) {
	var appointment invoicedomain.AppointmentSummary
	err := tx.WithContext(ctx).Raw(
		`SELECT id, starts_at, reason
		 FROM appointments
		 WHERE id = ?`,
		appointmentID,
	).Scan(&appointment).Error
	if err != nil {
		return nil, err
	}
	if appointment.ID == 0 {
		return nil, nil
	}
	return &appointment, nil
}

func (s *Service) findInvoiceByAppointment(ctx context.Context, tx *gorm.DB, appointmentID snowflake.ID) (snowflake.ID, error) {
	var invoiceID snowflake.ID
	err := tx.WithContext(ctx).Raw(
		`SELECT id
		 FROM invoices
		 WHERE appointment_id = ?
		 LIMIT 1`,
		appointmentID,
	).Scan(&invoiceID).Error
	if err != nil {
		return 0, err
	}
	return invoiceID, nil
}

func (s *Service) loadInvoiceForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := tx.WithContext(ctx).Raw(
		fmt.Sprintf(
			`SELECT id, invoice_number, issue_date, currency, status,
			        subtotal, tax_total, total, paid_at, sent_at, pdf_url,
			        patient_id, practitioner_id, appointment_id, created_at, updated_at
			 FROM invoices
			 WHERE id = ?
			 %s`,
			db.RowLock(tx),
		),
		id,
	).Scan(&invoice).Error
	if err != nil {
		return nil, err
	}
	if invoice.ID == 0 {
		return nil, nil
	}
	return &invoice, nil
}

func (s *Service) loadItems(ctx context.Context, invoice *invoicedomain.Invoice) error {
	var items []invoicedomain.LineItem
	if err := s.db.WithContext(ctx).
		Where("invoice_id = ?", invoice.ID).
		Order("position").
		Find(&items).Error; err != nil {
		return err
	}
	invoice.Items = items
	return nil
}

func normalizeCurrency(raw string) (string, error) {
	currency := strings.ToUpper(strings.TrimSpace(raw))
	if len(currency) != 3 {
		return "", invoicedomain.ErrInvalidCurrency
	}
	return currency, nil
}

func parseID(raw string) (snowflake.ID, error) {
	return snowflake.ParseString(strings.TrimSpace(raw))
}
