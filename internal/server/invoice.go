package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/careledger/careledger/internal/invoice/domain"
	"github.com/careledger/careledger/pkg/db/pagination"
	"github.com/gin-gonic/gin"
)

type createInvoiceRequest struct {
	PatientID     string                        `json:"patientId"`
	AppointmentID *string                       `json:"appointmentId"`
	Items         []invoicedomain.LineItemInput `json:"items"`
	Currency      string                        `json:"currency"`
	Date          string                        `json:"date"`
}

type editInvoiceRequest struct {
	Items    []invoicedomain.LineItemInput `json:"items"`
	Date     *string                       `json:"date"`
	Currency *string                       `json:"currency"`
}

func (s *Server) CreateInvoice(c *gin.Context) {
	var req createInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	issueDate, err := parseOptionalDate(req.Date)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	created, err := s.invoiceSvc.Create(c.Request.Context(), invoicedomain.CreateInvoiceRequest{
		PatientID:     req.PatientID,
		AppointmentID: req.AppointmentID,
		Items:         req.Items,
		Currency:      req.Currency,
		IssueDate:     issueDate,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": created})
}

func (s *Server) ListInvoices(c *gin.Context) {
	req, err := bindListInvoiceRequest(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.invoiceSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Invoices, "meta": resp.Meta})
}

func (s *Server) GetInvoiceByID(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	item, err := s.invoiceSvc.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) EditInvoice(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req editInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	var issueDate *time.Time
	if req.Date != nil {
		issueDate, err = parseOptionalDate(*req.Date)
		if err != nil {
			AbortWithError(c, err)
			return
		}
	}

	updated, err := s.invoiceSvc.Edit(c.Request.Context(), id, invoicedomain.EditInvoiceRequest{
		Items:     req.Items,
		IssueDate: issueDate,
		Currency:  req.Currency,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": updated})
}

func (s *Server) SendInvoice(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sent, err := s.invoiceSvc.Send(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": sent})
}

func (s *Server) VoidInvoice(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	voided, err := s.invoiceSvc.Void(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": voided})
}

func (s *Server) GetInvoicePDF(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	document, err := s.invoiceSvc.RenderPDF(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", `inline; filename="invoice-`+id+`.pdf"`)
	c.Data(http.StatusOK, "application/pdf", document)
}

func pathID(c *gin.Context) (string, error) {
	id := strings.TrimSpace(c.Param("id"))
	if _, err := snowflake.ParseString(id); err != nil {
		return "", newValidationError("id", "invalid_id", "invalid id")
	}
	return id, nil
}

func bindListInvoiceRequest(c *gin.Context) (invoicedomain.ListInvoiceRequest, error) {
	req := invoicedomain.ListInvoiceRequest{
		Query:   strings.TrimSpace(c.Query("q")),
		OrderBy: strings.TrimSpace(c.Query("orderBy")),
		Desc:    strings.EqualFold(strings.TrimSpace(c.Query("order")), "desc"),
		Page:    bindPage(c),
	}

	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		status := invoicedomain.InvoiceStatus(strings.ToUpper(raw))
		if !status.Valid() {
			return req, newValidationError("status", "invalid_status", "invalid status")
		}
		req.Status = &status
	}

	if raw := strings.TrimSpace(c.Query("patientId")); raw != "" {
		if _, err := snowflake.ParseString(raw); err != nil {
			return req, newValidationError("patientId", "invalid_id", "invalid id")
		}
		req.PatientID = &raw
	}

	return req, nil
}

func bindPage(c *gin.Context) pagination.Params {
	var page pagination.Params
	_ = c.ShouldBindQuery(&page)
	return page.Normalize()
}

func parseOptionalDate(value string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	if parsed, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return &parsed, nil
	}
	if parsed, err := time.Parse("2006-01-02", trimmed); err == nil {
		return &parsed, nil
	}
	return nil, newValidationError("date", "invalid_date", "invalid date")
}
