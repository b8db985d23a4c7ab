package server

import (
	"net/http"
	"strings"

	patientdomain "github.com/careledger/careledger/internal/patient/domain"
	"github.com/gin-gonic/gin"
)

func (s *Server) ListPatients(c *gin.Context) {
	resp, err := s.patientSvc.List(c.Request.Context(), patientdomain.ListPatientRequest{
		Query: strings.TrimSpace(c.Query("q")),
		Page:  bindPage(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Patients, "meta": resp.Meta})
}

func (s *Server) GetPatientByID(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	detail, err := s.patientSvc.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": detail})
}
