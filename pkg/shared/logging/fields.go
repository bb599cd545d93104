// Package logging provides a fluent builder for structured log fields,
// shared by every component so that field names (component, operation,
// resource_type, duration_ms, ...) stay consistent across the pipeline.
// Fields is a plain map so it can be handed to either zap (via ToZap) or
// logrus (via ToLogrus) without committing callers to one logger.
package logging

import (
	"time"

	"go.uber.org/zap"
)

// Fields is a set of structured log fields keyed by name. It is a plain
// map, so ToZap emits the fields in no particular order.
type Fields map[string]interface{}

// NewFields returns an empty Fields ready for chaining.
func NewFields() Fields {
	return Fields{}
}

func (f Fields) Component(name string) Fields {
	f["component"] = name
	return f
}

func (f Fields) Operation(op string) Fields {
	f["operation"] = op
	return f
}

func (f Fields) Resource(resourceType, resourceName string) Fields {
	f["resource_type"] = resourceType
	if resourceName != "" {
		f["resource_name"] = resourceName
	}
	return f
}

func (f Fields) Duration(d time.Duration) Fields {
	f["duration_ms"] = d.Milliseconds()
	return f
}

func (f Fields) Error(err error) Fields {
	if err != nil {
		f["error"] = err.Error()
	}
	return f
}

func (f Fields) UserID(id string) Fields {
	if id != "" {
		f["user_id"] = id
	}
	return f
}

func (f Fields) RequestID(id string) Fields {
	f["request_id"] = id
	return f
}

func (f Fields) TraceID(id string) Fields {
	f["trace_id"] = id
	return f
}

func (f Fields) StatusCode(code int) Fields {
	f["status_code"] = code
	return f
}

func (f Fields) Method(method string) Fields {
	f["method"] = method
	return f
}

func (f Fields) URL(url string) Fields {
	f["url"] = url
	return f
}

func (f Fields) Count(n int) Fields {
	f["count"] = n
	return f
}

func (f Fields) Size(bytes int64) Fields {
	f["size_bytes"] = bytes
	return f
}

func (f Fields) Version(v string) Fields {
	f["version"] = v
	return f
}

func (f Fields) Custom(key string, value interface{}) Fields {
	f[key] = value
	return f
}

// ToLogrus returns f as a logrus.Fields-compatible map.
func (f Fields) ToLogrus() map[string]interface{} {
	return map[string]interface{}(f)
}

// ToZap converts f into zap.Fields for structured logging calls.
func (f Fields) ToZap() []zap.Field {
	zf := make([]zap.Field, 0, len(f))
	for k, v := range f {
		zf = append(zf, zap.Any(k, v))
	}
	return zf
}

// DatabaseFields is a convenience constructor for a database operation log line.
func DatabaseFields(operation, table string) Fields {
	return NewFields().Component("database").Operation(operation).Resource("table", table)
}

// HTTPFields is a convenience constructor for an outbound/inbound HTTP call log line.
func HTTPFields(method, url string, statusCode int) Fields {
	return NewFields().Component("http").Method(method).URL(url).StatusCode(statusCode)
}

// ScrapeFields is a convenience constructor for a scraper invocation log line.
func ScrapeFields(operation, source string) Fields {
	return NewFields().Component("scraper").Operation(operation).Resource("source", source)
}

// CycleFields is a convenience constructor for an orchestrator cycle-stage log line.
func CycleFields(stage, cycleID string) Fields {
	return NewFields().Component("orchestrator").Operation(stage).Resource("cycle", cycleID)
}

// EmbeddingFields is a convenience constructor for an embedding-service log line.
func EmbeddingFields(operation string, dimension int) Fields {
	return NewFields().Component("embedding").Operation(operation).Custom("dimension", dimension)
}

// MetricsFields is a convenience constructor for a metrics-recording log line.
func MetricsFields(operation, metricName string, value float64) Fields {
	return NewFields().Component("metrics").Operation(operation).Custom("metric_name", metricName).Custom("value", value)
}

// SecurityFields is a convenience constructor for an auth/authz log line.
func SecurityFields(operation, subject string) Fields {
	return NewFields().Component("security").Operation(operation).Custom("subject", subject)
}

// PerformanceFields is a convenience constructor for a timed-operation log line.
func PerformanceFields(operation string, duration time.Duration, success bool) Fields {
	return NewFields().Component("performance").Operation(operation).Duration(duration).Custom("success", success)
}
