package server

import (
	"net/http"
	"strings"

	usagedomain "github.com/counselkit/metering/internal/usage/domain"
	"github.com/counselkit/metering/pkg/db/pagination"
	"github.com/gin-gonic/gin"
)

func (s *Server) ListUsageEvents(c *gin.Context) {
	userID, ok := s.callerUserID(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.usageRecorder.List(c.Request.Context(), usagedomain.ListUsageRequest{
		UserID:    userID,
		ToolName:  strings.TrimSpace(c.Query("tool_name")),
		PageToken: page.PageToken,
		PageSize:  int32(page.PageSize),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
