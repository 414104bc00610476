package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zelan-stream/zelan/pkg/config"
	"github.com/zelan-stream/zelan/pkg/fleet"
	"github.com/zelan-stream/zelan/pkg/supervisor"
)

// writeError maps service errors onto HTTP responses. The "error" field
// carries the machine-readable code; peers use it to reconstruct the
// original sentinel on their side of a fleet RPC.
func writeError(c *gin.Context, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		slog.Error("Unexpected handler error", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

func classify(err error) (int, string) {
	var validErr *config.ValidationError
	if errors.As(err, &validErr) {
		return http.StatusBadRequest, "invalid_config"
	}

	switch {
	case errors.Is(err, supervisor.ErrNotFound):
		return http.StatusNotFound, supervisor.ErrNotFound.Error()
	case errors.Is(err, supervisor.ErrAlreadyExists):
		return http.StatusConflict, supervisor.ErrAlreadyExists.Error()
	case errors.Is(err, supervisor.ErrBusy):
		return http.StatusConflict, supervisor.ErrBusy.Error()
	case errors.Is(err, supervisor.ErrPortInUse):
		return http.StatusConflict, supervisor.ErrPortInUse.Error()
	case errors.Is(err, supervisor.ErrInvalidState):
		return http.StatusConflict, supervisor.ErrInvalidState.Error()
	case errors.Is(err, fleet.ErrNodeNotFound):
		return http.StatusNotFound, fleet.ErrNodeNotFound.Error()
	case errors.Is(err, fleet.ErrNodeUnreachable):
		return http.StatusBadGateway, fleet.ErrNodeUnreachable.Error()
	case errors.Is(err, fleet.ErrTimeout):
		return http.StatusGatewayTimeout, fleet.ErrTimeout.Error()
	default:
		return http.StatusInternalServerError, "internal"
	}
}
