package middleware

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"iaboard-pipeline/internal/pkg/logger"
)

const (
	RequestIDHeader = "X-Request-ID"
	RequestIDKey    = "request_id"
	maxLoggedBody   = 1000
)

func LoggingMiddleware(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header(RequestIDHeader, requestID)
		c.Set(RequestIDKey, requestID)

		startTime := time.Now()

		if c.Request.Body != nil && (c.Request.Method == http.MethodPost || c.Request.Method == http.MethodPatch) {
			requestBody, _ := io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewBuffer(requestBody))

			bodyStr := string(requestBody)
			if len(bodyStr) > maxLoggedBody {
				bodyStr = bodyStr[:maxLoggedBody] + "... (truncated)"
			}
			log.WithRequestID(requestID).WithField("body", bodyStr).Debug("Request Body")
		}

		c.Next()

		log.LogRequest(requestID, c.Request.Method, c.Request.URL.Path, c.Request.UserAgent(), c.ClientIP(), time.Since(startTime), c.Writer.Status())

		if len(c.Errors) > 0 {
			log.WithRequestID(requestID).WithField("errors", c.Errors.String()).Error("Request errors")
		}
	}
}
