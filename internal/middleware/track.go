// Package middleware defines the request tracking, panic recovery and
// identity middlewares.
package middleware

import (
	"fmt"
	"time"

	"ragops-api/internal/ctx"
	"ragops-api/internal/metrics"
	"ragops-api/internal/shared"

	"github.com/aidarkhanov/nanoid"
	"github.com/labstack/echo/v4"
	emw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

func NewTrackMiddleware(log *zap.SugaredLogger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqID, _ := nanoid.Generate("0123456789abcdefghijklmnopqrstuvwxyz", 28)
			logger := log.With("request_id", "req_"+reqID)

			lv := &ctx.ContextLogValues{
				RequestID: "req_" + reqID,
				StartTime: time.Now(),
				Path:      c.Path(),
			}
			cc := &ctx.Context{Context: c, Log: logger, Reqid: reqID, LogValues: lv}
			err := next(cc)

			lv.RequestDuration = time.Since(lv.StartTime)
			lv.StatusCode = cc.Response().Status
			logEndOfRequest(logger, lv)
			metrics.ResponseCodes.WithLabelValues(c.Path(), fmt.Sprintf("%d", cc.Response().Status)).Inc()
			return err
		}
	}
}

func logEndOfRequest(logger *zap.SugaredLogger, lv *ctx.ContextLogValues) {
	switch {
	case lv.LogLevel == "ERROR" || lv.StatusCode >= 500:
		logger.Errorw("end_of_request", "values", lv)
	case lv.StatusCode >= 400:
		logger.Warnw("end_of_request", "values", lv)
	default:
		logger.Infow("end_of_request", "values", lv)
	}
}

func NewRecoverMiddleware(log *zap.SugaredLogger) echo.MiddlewareFunc {
	return emw.RecoverWithConfig(emw.RecoverConfig{
		StackSize: 1 << 10, // 1 KB
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			defer func() {
				_ = log.Sync()
			}()
			log.Errorw("Api Panic", "error", err.Error())
			return c.String(500, shared.ErrInternalServerError.Err.Error())
		},
	})
}
