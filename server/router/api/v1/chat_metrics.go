package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type chatMetricsResponse struct {
	MessageTotal     int64            `json:"messageTotal"`
	RejectedCheap    int64            `json:"rejectedCheap"`
	FailedAfterSpend int64            `json:"failedAfterSpend"`
	CacheHits        int64            `json:"cacheHits"`
	StreamChunks     int64            `json:"streamChunks"`
	StreamCancels    int64            `json:"streamCancels"`
	StageCounts      map[string]int64 `json:"stageCounts"`
}

// GetChatMetrics returns a point-in-time snapshot of pipeline counters.
func (s *APIV1Service) GetChatMetrics(c echo.Context) error {
	snapshot := s.Pipeline.Metrics().Snapshot()
	return c.JSON(http.StatusOK, &chatMetricsResponse{
		MessageTotal:     snapshot.MessageTotal,
		RejectedCheap:    snapshot.RejectedCheap,
		FailedAfterSpend: snapshot.FailedAfterSpend,
		CacheHits:        snapshot.CacheHits,
		StreamChunks:     snapshot.StreamChunks,
		StreamCancels:    snapshot.StreamCancels,
		StageCounts:      snapshot.StageCounts,
	})
}
