// Package metrics derives response-latency statistics for one thread's
// messages: for every client message, the elapsed time until the first staff
// message that follows it in send-time order.
package metrics

import (
	"math"
	"sort"

	"github.com/rvachov/mailgauge/internal/storage"
)

// ResponseMetric is the latency record for one client message.
// StaffReplyID is empty and ResponseSeconds nil when no staff message
// follows the client message.
type ResponseMetric struct {
	ClientMessageID string `json:"clientMessageId"`
	StaffReplyID    string `json:"staffReplyId,omitempty"`
	ResponseSeconds *int64 `json:"responseSeconds"`
}

// Report aggregates per-client metrics for one thread. AverageSeconds is the
// mean over answered client messages, rounded to the nearest second, or nil
// when no client message received a reply.
type Report struct {
	PerClient      []ResponseMetric `json:"perClient"`
	AverageSeconds *int64           `json:"averageSeconds"`
}

// Compute calculates response metrics over an unordered message set.
// Messages are stable-sorted by send time (ties keep input order). Each
// client message matches the first staff message after it; a staff message
// may answer several preceding client messages. Latency is clamped to zero
// to absorb clock skew between mailboxes.
func Compute(emails []storage.Email) Report {
	sorted := make([]storage.Email, len(emails))
	copy(sorted, emails)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SentAt.Before(sorted[j].SentAt)
	})

	var report Report
	var sum int64
	var answered int64

	for i, e := range sorted {
		if e.Direction != storage.DirectionClient {
			continue
		}

		m := ResponseMetric{ClientMessageID: e.ID}
		for j := i + 1; j < len(sorted); j++ {
			if sorted[j].Direction != storage.DirectionStaff {
				continue
			}
			secs := int64(sorted[j].SentAt.Sub(e.SentAt).Seconds())
			if secs < 0 {
				secs = 0
			}
			m.StaffReplyID = sorted[j].ID
			m.ResponseSeconds = &secs
			sum += secs
			answered++
			break
		}
		report.PerClient = append(report.PerClient, m)
	}

	if answered > 0 {
		avg := int64(math.Round(float64(sum) / float64(answered)))
		report.AverageSeconds = &avg
	}
	return report
}
