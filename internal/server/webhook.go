package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

const signatureHeader = "Signature"

// HandleWebhook ingests provider payment events. The provider only stops
// retrying on a 2xx, so every understood outcome (applied, replayed, skipped)
// acknowledges with 200; only unexpected storage failures surface as 500.
func (s *Server) HandleWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.webhookSvc.Ingest(c.Request.Context(), payload, c.GetHeader(signatureHeader))
	if err != nil {
		s.metrics.RecordWebhookEvent("error")
		AbortWithError(c, err)
		return
	}

	switch {
	case result.Duplicate:
		s.metrics.RecordWebhookEvent("replayed")
	case result.Applied:
		s.metrics.RecordWebhookEvent("applied")
	default:
		s.metrics.RecordWebhookEvent("skipped")
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
