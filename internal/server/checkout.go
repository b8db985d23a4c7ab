package server

import (
	"net/http"

	checkoutdomain "github.com/careledger/careledger/internal/checkout/domain"
	"github.com/gin-gonic/gin"
)

func (s *Server) CreateCheckoutSession(c *gin.Context) {
	var req checkoutdomain.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	session, err := s.checkoutSvc.CreateSession(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.metrics.RecordCheckoutSession()
	c.JSON(http.StatusOK, gin.H{"data": session})
}
