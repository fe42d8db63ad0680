package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// maxChangesPerPoll bounds how many session events one poll emits.
const maxChangesPerPoll = 100

// handleSSE streams a "session" event for every session whose row changes
// after the client connects.
func handleSSE(db *gorm.DB, pollInterval time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		ctx := c.Request.Context()
		db := db.WithContext(ctx)

		// Only changes made after the client connected are streamed.
		cursor, err := LatestSessionUpdate(db)
		if err != nil {
			log.Printf("dashboard: sse: latest update: %v", err)
			return
		}

		writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
		c.Writer.Flush()

		ticker := time.NewTicker(pollInterval)
		heartbeat := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case <-ticker.C:
				changes, err := SessionChangesSince(db, cursor, maxChangesPerPoll)
				if err != nil {
					if ctx.Err() == nil {
						log.Printf("dashboard: sse: poll: %v", err)
					}
					continue
				}
				for _, ch := range changes {
					writeSSE(c.Writer, "session", ch)
					cursor = ch.UpdatedAt
				}
				if len(changes) > 0 {
					c.Writer.Flush()
				}
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
