package handlers

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sort"

	"signet/internal/platform/models"
	"signet/internal/platform/queue"
)

type QueueStats interface {
	Counts(ctx context.Context) (map[string]map[string]int, error)
}

type DeadLetterStats interface {
	Counts(ctx context.Context) (map[string]int, error)
}

// MetricsHandler exports job and dead letter gauges in the Prometheus text format.
type MetricsHandler struct {
	queues      QueueStats
	deadLetters DeadLetterStats
}

func NewMetricsHandler(queues QueueStats, deadLetters DeadLetterStats) *MetricsHandler {
	return &MetricsHandler{queues: queues, deadLetters: deadLetters}
}

var (
	jobStatuses = []string{queue.StatusWaiting, queue.StatusDelayed, queue.StatusActive, queue.StatusCompleted, queue.StatusFailed}
	dlqStatuses = []string{models.DeadLetterStatusFailed, models.DeadLetterStatusRetrying, models.DeadLetterStatusResolved, models.DeadLetterStatusDiscarded}
)

func (h *MetricsHandler) Export(w http.ResponseWriter, r *http.Request) {
	jobCounts, err := h.queues.Counts(r.Context())
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	dlqCounts, err := h.deadLetters.Counts(r.Context())
	if err != nil {
		writeInternal(w, r, err)
		return
	}

	queueNames := make([]string, 0, len(queue.DefaultQueueSettings))
	for name := range queue.DefaultQueueSettings {
		queueNames = append(queueNames, name)
	}
	for name := range jobCounts {
		if _, ok := queue.DefaultQueueSettings[name]; !ok {
			queueNames = append(queueNames, name)
		}
	}
	sort.Strings(queueNames)

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# HELP signet_up Is the server up\n")
	fmt.Fprintf(&buf, "# TYPE signet_up gauge\n")
	fmt.Fprintf(&buf, "signet_up 1\n")

	fmt.Fprintf(&buf, "# HELP signet_queue_jobs Jobs per queue and status\n")
	fmt.Fprintf(&buf, "# TYPE signet_queue_jobs gauge\n")
	for _, name := range queueNames {
		for _, status := range jobStatuses {
			fmt.Fprintf(&buf, "signet_queue_jobs{queue=%q,status=%q} %d\n", name, status, jobCounts[name][status])
		}
	}

	fmt.Fprintf(&buf, "# HELP signet_dead_letters Dead letter entries per status\n")
	fmt.Fprintf(&buf, "# TYPE signet_dead_letters gauge\n")
	for _, status := range dlqStatuses {
		fmt.Fprintf(&buf, "signet_dead_letters{status=%q} %d\n", status, dlqCounts[status])
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Write(buf.Bytes())
}
