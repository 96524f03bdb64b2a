package hooks

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const maxOutputBytes = 4096

// addWebhookDispatchEvent records one webhook delivery attempt as a span
// event, truncating the response body to maxOutputBytes. Adapted from
// the hook-runner's stdout/stderr span-event pattern to this gateway's
// webhook dispatch.
func addWebhookDispatchEvent(span trace.Span, webhookID string, status int, respBody string) {
	if span == nil {
		return
	}
	span.AddEvent("webhook.dispatch", trace.WithAttributes(
		attribute.String("webhook.id", webhookID),
		attribute.Int("webhook.status", status),
		attribute.String("webhook.response", truncateOutput(respBody)),
	))
}

func truncateOutput(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	return s[:maxOutputBytes] + "...(truncated)"
}
