package metrics

import "time"

// Ask outcomes
const (
	AskAnswered = "answered"
	AskRejected = "rejected"
	AskFailed   = "failed"
)

// AskCompleted records the outcome of an ask request.
func AskCompleted(outcome string) {
	AskRequestsTotal.WithLabelValues(outcome).Inc()
	if outcome == AskRejected {
		QuotaRejectionsTotal.Inc()
	}
}

// AICallSucceeded records a successful completion and its token usage.
func AICallSucceeded(inputTokens, outputTokens int, duration time.Duration) {
	AIAPICalls.WithLabelValues("success").Inc()
	AITokensTotal.WithLabelValues("input").Add(float64(inputTokens))
	AITokensTotal.WithLabelValues("output").Add(float64(outputTokens))
	AIRequestDuration.Observe(duration.Seconds())
}

// AICallFailed records a failed completion.
func AICallFailed() {
	AIAPICalls.WithLabelValues("error").Inc()
}

// PaymentEventHandled records a processed, duplicate, ignored or
// unresolved payment event.
func PaymentEventHandled(eventType, outcome string) {
	PaymentEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// AttachmentExtracted records one attachment read for prompt context.
func AttachmentExtracted(format string, ok bool) {
	status := "success"
	if !ok {
		status = "error"
	}
	AttachmentsExtractedTotal.WithLabelValues(format, status).Inc()
}

// FilesUploaded records n uploaded files.
func FilesUploaded(n int) {
	UploadsTotal.Add(float64(n))
}

// TranscriptExported records one export.
func TranscriptExported(format string) {
	ExportsTotal.WithLabelValues(format).Inc()
}
