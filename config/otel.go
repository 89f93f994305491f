// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package config

import "time"

// Resource identifies the connector in exported telemetry.
type Resource struct {
	ServiceName    string `koanf:"service_name"`
	ServiceVersion string `koanf:"service_version"`
}

// Batch
type Batch struct {
	ExportInterval time.Duration `koanf:"export_interval" validate:"gte=0"`
	MaxSize        int           `koanf:"max_size" validate:"gte=0"`
}

// OTLPConnType
type OTLPConnType string

const (
	OTLPHTTP OTLPConnType = "http"
	OTLPGRPC OTLPConnType = "grpc"
)

// OTLP
type OTLP struct {
	Type   OTLPConnType `koanf:"type" validate:"omitempty,oneof=http grpc"`
	Target string       `koanf:"target"`
}

// SpanProcessorType
type SpanProcessorType string

const (
	BatchSpanProcessorType SpanProcessorType = "batch"
)

// SpanProcessor
type SpanProcessor struct {
	Type  SpanProcessorType `koanf:"type"`
	Batch Batch             `koanf:"batch"`
}

// SpanSampling
type SpanSampling struct {
	Ratio float64 `koanf:"ratio" validate:"gte=0,lte=1"`
}

// SpanExporterType
type SpanExporterType string

const (
	NoopSpanExporterType SpanExporterType = "none"
	OTLPSpanExporterType SpanExporterType = "otlp"
)

// SpanExporter
type SpanExporter struct {
	Type SpanExporterType `koanf:"type"`
	OTLP OTLP             `koanf:"otlp"`
}

// Trace
type Trace struct {
	Processor SpanProcessor `koanf:"processor"`
	Sampling  SpanSampling  `koanf:"sampling"`
	Exporter  SpanExporter  `koanf:"exporter"`
}

// MetricReaderType
type MetricReaderType string

const (
	PeriodicReaderType MetricReaderType = "periodic"
)

type PeriodicReader struct {
	ExportInterval time.Duration `koanf:"export_interval"`
}

// MetricReader
type MetricReader struct {
	Type     MetricReaderType `koanf:"type"`
	Periodic PeriodicReader   `koanf:"periodic"`
}

// MetricExporterType
type MetricExporterType string

const (
	NoopMetricExporterType MetricExporterType = "none"
	OTLPMetricExporterType MetricExporterType = "otlp"
)

// MetricExporter
type MetricExporter struct {
	Type MetricExporterType `koanf:"type"`
	OTLP OTLP               `koanf:"otlp"`
}

// Metric
type Metric struct {
	Reader   MetricReader   `koanf:"reader"`
	Exporter MetricExporter `koanf:"exporter"`
}

// LogProcessorType
type LogProcessorType string

const (
	SimpleLogProcessorType LogProcessorType = "simple"
	BatchLogProcessorType  LogProcessorType = "batch"
)

// LogProcessor
type LogProcessor struct {
	Type  LogProcessorType `koanf:"type"`
	Batch Batch            `koanf:"batch"`
}

// LogExporterType
type LogExporterType string

const (
	StdoutLogExporterType LogExporterType = "stdout"
	OTLPLogExporterType   LogExporterType = "otlp"
)

// LogExporter
type LogExporter struct {
	Type LogExporterType `koanf:"type"`
	OTLP OTLP            `koanf:"otlp"`
}

// Log
type Log struct {
	Processor LogProcessor `koanf:"processor"`
	Exporter  LogExporter  `koanf:"exporter"`

	// Levels sets the minimum level, by logger name prefix, of records
	// which are exported, e.g. "github.com/z5labs/avconnector/queue/kafka": "info".
	Levels map[string]string `koanf:"levels" validate:"dive,oneof=debug info warn warning error"`
}

// OTel configures the trace, metric and log providers.
type OTel struct {
	Resource Resource `koanf:"resource"`
	Trace    Trace    `koanf:"trace"`
	Metric   Metric   `koanf:"metric"`
	Log      Log      `koanf:"log"`
}

func defaultOTel() OTel {
	return OTel{
		Resource: Resource{
			ServiceName: "avconnector",
		},
		Trace: Trace{
			Processor: SpanProcessor{
				Type: BatchSpanProcessorType,
				Batch: Batch{
					ExportInterval: 5 * time.Second,
					MaxSize:        512,
				},
			},
			Sampling: SpanSampling{
				Ratio: 1,
			},
			Exporter: SpanExporter{
				Type: NoopSpanExporterType,
			},
		},
		Metric: Metric{
			Reader: MetricReader{
				Type: PeriodicReaderType,
				Periodic: PeriodicReader{
					ExportInterval: 15 * time.Second,
				},
			},
			Exporter: MetricExporter{
				Type: NoopMetricExporterType,
			},
		},
		Log: Log{
			Processor: LogProcessor{
				Type: SimpleLogProcessorType,
			},
			Exporter: LogExporter{
				Type: StdoutLogExporterType,
			},
		},
	}
}
