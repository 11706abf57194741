package server

import (
	"strings"

	obscontext "github.com/counselkit/metering/internal/observability/context"
	"github.com/gin-gonic/gin"
)

const (
	contextUserIDKey  = "user_id"
	contextTokenIDKey = "token_id"
)

// AuthRequired authenticates requests using a bearer token only.
// Caller identity is derived solely from the api_tokens table.
func (s *Server) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		if header == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		parts := strings.Fields(header)
		if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		principal, err := s.resolver.Resolve(c.Request.Context(), parts[1])
		if err != nil {
			AbortWithError(c, err)
			return
		}

		ctx := obscontext.WithUserID(c.Request.Context(), principal.UserID)
		c.Set(contextUserIDKey, principal.UserID)
		c.Set(contextTokenIDKey, principal.TokenID.String())

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) callerUserID(c *gin.Context) (string, bool) {
	userID := strings.TrimSpace(c.GetString(contextUserIDKey))
	return userID, userID != ""
}
