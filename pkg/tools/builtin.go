package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/brigadehq/brigade/pkg/models"
)

// GetCurrentTime returns the wall-clock tool every fiche gets by default.
func GetCurrentTime(now func() time.Time) Tool {
	if now == nil {
		now = time.Now
	}
	return &Func{
		ToolName:        "get_current_time",
		ToolDescription: "Returns the current UTC time in RFC3339 format.",
		ArgSchema:       json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`),
		Fn: func(ctx context.Context, ec *ExecContext, args models.JSONMap) Envelope {
			return Success(models.JSONMap{"now": now().UTC().Format(time.RFC3339)})
		},
	}
}
