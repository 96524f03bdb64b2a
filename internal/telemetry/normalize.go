package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoyers/harness/internal/types"
)

// The OTLP/JSON shapes below are a minimal hand-rolled subset of the
// collector's export request bodies — only the attributes this gateway
// actually reads. No pack dependency offers a generic dynamic-JSON OTLP
// decoder for this one-way, gateway-side use (the otel Go SDK is an
// exporter, not a parser); see DESIGN.md.

type otlpLogsRequest struct {
	ResourceLogs []struct {
		ScopeLogs []struct {
			LogRecords []otlpLogRecord `json:"logRecords"`
		} `json:"scopeLogs"`
	} `json:"resourceLogs"`
}

type otlpLogRecord struct {
	TimeUnixNano   string          `json:"timeUnixNano"`
	SeverityText   string          `json:"severityText"`
	Body           otlpAnyValue    `json:"body"`
	Attributes     []otlpKeyValue  `json:"attributes"`
}

type otlpMetricsRequest struct {
	ResourceMetrics []struct {
		ScopeMetrics []struct {
			Metrics []otlpMetric `json:"metrics"`
		} `json:"scopeMetrics"`
	} `json:"resourceMetrics"`
}

type otlpMetric struct {
	Name string `json:"name"`
	Gauge *struct {
		DataPoints []otlpNumberDataPoint `json:"dataPoints"`
	} `json:"gauge"`
	Sum *struct {
		DataPoints []otlpNumberDataPoint `json:"dataPoints"`
	} `json:"sum"`
}

type otlpNumberDataPoint struct {
	TimeUnixNano string         `json:"timeUnixNano"`
	AsDouble     float64        `json:"asDouble"`
	Attributes   []otlpKeyValue `json:"attributes"`
}

type otlpTracesRequest struct {
	ResourceSpans []struct {
		ScopeSpans []struct {
			Spans []otlpSpan `json:"spans"`
		} `json:"scopeSpans"`
	} `json:"resourceSpans"`
}

type otlpSpan struct {
	Name          string         `json:"name"`
	StartTimeUnixNano string     `json:"startTimeUnixNano"`
	Attributes    []otlpKeyValue `json:"attributes"`
}

type otlpKeyValue struct {
	Key   string       `json:"key"`
	Value otlpAnyValue `json:"value"`
}

type otlpAnyValue struct {
	StringValue string `json:"stringValue"`
}

func (kvs attrList) get(key string) (string, bool) {
	for _, kv := range kvs {
		if kv.Key == key {
			return kv.Value.StringValue, true
		}
	}
	return "", false
}

type attrList []otlpKeyValue

// historyLine is one line of the codex session history file (spec.md §4.5/§4.7).
type historyLine struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Timestamp string `json:"timestamp"`
}

// normalize decodes an OTLP/JSON body of the given kind into normalized
// TelemetryEvents. Empty batches decode to an empty, non-error slice
// (spec.md §4.5: "Empty batches return 200").
func (g *Ingestor) normalize(kind string, body []byte) ([]types.TelemetryEvent, error) {
	switch kind {
	case "logs":
		return g.normalizeLogs(body)
	case "metrics":
		return g.normalizeMetrics(body)
	case "traces":
		return g.normalizeTraces(body)
	default:
		return nil, fmt.Errorf("telemetry: unknown kind %q", kind)
	}
}

func (g *Ingestor) normalizeLogs(body []byte) ([]types.TelemetryEvent, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var req otlpLogsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}

	var out []types.TelemetryEvent
	for _, rl := range req.ResourceLogs {
		for _, sl := range rl.ScopeLogs {
			for _, rec := range sl.LogRecords {
				attrs := attrList(rec.Attributes)
				eventName, _ := attrs.get("event.name")
				threadID, _ := attrs.get("thread.id")
				kind, _ := attrs.get("kind")

				var hint types.RuntimeStatus
				switch {
				case kind == "response.completed":
					hint = types.StatusCompleted
				case kind == "response.in_progress":
					if g.mode == ModeLifecycleFast {
						continue
					}
					hint = types.StatusRunning
				case eventName == "codex.user_prompt":
					hint = types.StatusRunning
				case eventName == "needs-input":
					hint = types.StatusNeedsInput
				}

				out = append(out, types.TelemetryEvent{
					Source:           types.SourceOTLPLog,
					ObservedAt:       parseUnixNano(rec.TimeUnixNano),
					EventName:        eventName,
					Severity:         rec.SeverityText,
					Summary:          rec.Body.StringValue,
					ProviderThreadID: threadID,
					StatusHint:       hint,
				})
			}
		}
	}
	return out, nil
}

func (g *Ingestor) normalizeMetrics(body []byte) ([]types.TelemetryEvent, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var req otlpMetricsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}

	var out []types.TelemetryEvent
	for _, rm := range req.ResourceMetrics {
		for _, sm := range rm.ScopeMetrics {
			for _, m := range sm.Metrics {
				if m.Name != "codex.turn.e2e_duration_ms" {
					continue
				}
				points := metricDataPoints(m)
				for _, dp := range points {
					attrs := attrList(dp.Attributes)
					threadID, _ := attrs.get("thread.id")
					out = append(out, types.TelemetryEvent{
						Source:           types.SourceOTLPMetric,
						ObservedAt:       parseUnixNano(dp.TimeUnixNano),
						EventName:        m.Name,
						ProviderThreadID: threadID,
						StatusHint:       types.StatusCompleted,
					})
				}
			}
		}
	}
	return out, nil
}

func metricDataPoints(m otlpMetric) []otlpNumberDataPoint {
	if m.Gauge != nil {
		return m.Gauge.DataPoints
	}
	if m.Sum != nil {
		return m.Sum.DataPoints
	}
	return nil
}

func (g *Ingestor) normalizeTraces(body []byte) ([]types.TelemetryEvent, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var req otlpTracesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}

	var out []types.TelemetryEvent
	for _, rs := range req.ResourceSpans {
		for _, ss := range rs.ScopeSpans {
			for _, span := range ss.Spans {
				if span.Name != "codex.websocket_event" {
					continue
				}
				attrs := attrList(span.Attributes)
				threadID, _ := attrs.get("thread.id")
				out = append(out, types.TelemetryEvent{
					Source:           types.SourceOTLPTrace,
					ObservedAt:       parseUnixNano(span.StartTimeUnixNano),
					EventName:        span.Name,
					ProviderThreadID: threadID,
					StatusHint:       types.StatusRunning,
				})
			}
		}
	}
	return out, nil
}

// NormalizeHistoryLine parses one line-delimited JSON history record
// (spec.md §4.7). Malformed lines are the caller's responsibility to
// skip; this returns an error for them.
func NormalizeHistoryLine(line []byte) (types.TelemetryEvent, error) {
	var rec historyLine
	if err := json.Unmarshal(line, &rec); err != nil {
		return types.TelemetryEvent{}, err
	}

	var hint types.RuntimeStatus
	switch rec.Type {
	case "response.completed":
		hint = types.StatusCompleted
	case "user_prompt":
		hint = types.StatusRunning
	}

	observedAt, _ := time.Parse(time.RFC3339Nano, rec.Timestamp)
	return types.TelemetryEvent{
		Source:           types.SourceHistory,
		ObservedAt:       observedAt,
		EventName:        rec.Type,
		ProviderThreadID: rec.SessionID,
		StatusHint:       hint,
	}, nil
}

func parseUnixNano(s string) time.Time {
	var nanos int64
	if _, err := fmt.Sscanf(s, "%d", &nanos); err != nil || nanos == 0 {
		return time.Now().UTC()
	}
	return time.Unix(0, nanos).UTC()
}
