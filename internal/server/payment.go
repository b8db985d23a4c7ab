package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/careledger/careledger/internal/payment/domain"
	"github.com/gin-gonic/gin"
)

func (s *Server) CreatePayment(c *gin.Context) {
	var req paymentdomain.CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.paymentSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.metrics.RecordPayment(string(result.Payment.Method))
	c.JSON(http.StatusCreated, gin.H{"data": result})
}

func (s *Server) ListPayments(c *gin.Context) {
	req := paymentdomain.ListPaymentRequest{
		OrderBy: strings.TrimSpace(c.Query("orderBy")),
		Desc:    strings.EqualFold(strings.TrimSpace(c.Query("order")), "desc"),
		Page:    bindPage(c),
	}

	if raw := strings.TrimSpace(c.Query("invoiceId")); raw != "" {
		if _, err := snowflake.ParseString(raw); err != nil {
			AbortWithError(c, newValidationError("invoiceId", "invalid_id", "invalid id"))
			return
		}
		req.InvoiceID = &raw
	}

	if raw := strings.TrimSpace(c.Query("method")); raw != "" {
		method := paymentdomain.PaymentMethod(strings.ToUpper(raw))
		if !method.Valid() {
			AbortWithError(c, newValidationError("method", "invalid_method", "invalid method"))
			return
		}
		req.Method = &method
	}

	resp, err := s.paymentSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Payments, "meta": resp.Meta})
}

func (s *Server) GetPaymentByID(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	payment, err := s.paymentSvc.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payment})
}
