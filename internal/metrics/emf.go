// Package metrics emits CloudWatch Embedded Metric Format (EMF) documents.
// Each document is one JSON line; when the service's stdout is shipped to
// CloudWatch Logs the metrics are extracted without any API calls.
//
// See: https://docs.aws.amazon.com/AmazonCloudWatch/latest/monitoring/CloudWatch_Embedded_Metric_Format_Specification.html
package metrics

import (
	"encoding/json"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Namespace is the CloudWatch namespace for every metric this service emits.
const Namespace = "ClinicalSessionInsights"

// Standard CloudWatch metric units.
const (
	UnitMilliseconds = "Milliseconds"
	UnitCount        = "Count"
	UnitBytes        = "Bytes"
)

type metricDef struct {
	Name string `json:"Name"`
	Unit string `json:"Unit"`
}

type emfDirective struct {
	Timestamp         int64      `json:"Timestamp"`
	CloudWatchMetrics []cwMetric `json:"CloudWatchMetrics"`
}

type cwMetric struct {
	Namespace  string      `json:"Namespace"`
	Dimensions [][]string  `json:"Dimensions"`
	Metrics    []metricDef `json:"Metrics"`
}

var (
	outMu   sync.Mutex
	out     io.Writer = os.Stdout
	service string
	enabled = true
)

// Configure sets the destination, the Service dimension added to every
// document, and whether emission is enabled at all.
func Configure(w io.Writer, serviceName string, on bool) {
	outMu.Lock()
	defer outMu.Unlock()
	out = w
	service = serviceName
	enabled = on
}

// Recorder accumulates dimensions, metrics, and properties for one flush.
// It is not safe for concurrent use; create one per operation.
type Recorder struct {
	namespace  string
	dimensions map[string]string
	metrics    map[string]metricDef
	values     map[string]interface{}
	properties map[string]interface{}
}

// New creates a Recorder in the service namespace.
func New() *Recorder {
	outMu.Lock()
	svc := service
	outMu.Unlock()

	r := &Recorder{
		namespace:  Namespace,
		dimensions: make(map[string]string),
		metrics:    make(map[string]metricDef),
		values:     make(map[string]interface{}),
		properties: make(map[string]interface{}),
	}
	if svc != "" {
		r.dimensions["Service"] = svc
	}
	return r
}

// Dimension adds a dimension key-value pair.
func (r *Recorder) Dimension(key, value string) *Recorder {
	r.dimensions[key] = value
	return r
}

// Metric records a named metric value with a CloudWatch unit.
func (r *Recorder) Metric(name string, value float64, unit string) *Recorder {
	r.metrics[name] = metricDef{Name: name, Unit: unit}
	r.values[name] = value
	return r
}

// Count records a count metric with value 1.
func (r *Recorder) Count(name string) *Recorder {
	return r.Metric(name, 1, UnitCount)
}

// Duration records d as a millisecond metric.
func (r *Recorder) Duration(name string, d time.Duration) *Recorder {
	return r.Metric(name, float64(d.Milliseconds()), UnitMilliseconds)
}

// Property adds a searchable non-metric field.
func (r *Recorder) Property(key string, value interface{}) *Recorder {
	r.properties[key] = value
	return r
}

// Flush writes the EMF document as a single line. Recorders with no metrics
// write nothing.
func (r *Recorder) Flush() {
	if len(r.metrics) == 0 {
		return
	}

	outMu.Lock()
	defer outMu.Unlock()
	if !enabled {
		return
	}

	metricDefs := make([]metricDef, 0, len(r.metrics))
	for _, m := range r.metrics {
		metricDefs = append(metricDefs, m)
	}
	sort.Slice(metricDefs, func(i, j int) bool { return metricDefs[i].Name < metricDefs[j].Name })

	dimKeys := make([]string, 0, len(r.dimensions))
	for k := range r.dimensions {
		dimKeys = append(dimKeys, k)
	}
	sort.Strings(dimKeys)

	doc := make(map[string]interface{}, len(r.dimensions)+len(r.values)+len(r.properties)+1)
	doc["_aws"] = emfDirective{
		Timestamp: time.Now().UnixMilli(),
		CloudWatchMetrics: []cwMetric{{
			Namespace:  r.namespace,
			Dimensions: [][]string{dimKeys},
			Metrics:    metricDefs,
		}},
	}
	for k, v := range r.properties {
		doc[k] = v
	}
	for k, v := range r.dimensions {
		doc[k] = v
	}
	for k, v := range r.values {
		doc[k] = v
	}

	data, err := json.Marshal(doc)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to marshal EMF metrics")
		return
	}
	data = append(data, '\n')
	if _, err := out.Write(data); err != nil {
		log.Warn().Err(err).Msg("Failed to write EMF metrics")
	}
}
