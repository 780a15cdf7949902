// Package http carries the structured-logging gin middleware shared by the
// monitoring plane, adapted from the original LoggerMiddleware used across
// the HTTP-facing services in this module family.
package http

import (
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// LoggerMiddleware logs one structured line per request via logrus, in
// place of gin's default Apache-style access log.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.RequestURI()
		method := c.Request.Method

		c.Next()

		log.WithFields(log.Fields{
			"req_method": method,
			"req_uri":    path,
			"status":     c.Writer.Status(),
			"latency":    time.Since(start).String(),
			"client_ip":  c.ClientIP(),
		}).Info("handled request")
	}
}
