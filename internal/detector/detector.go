// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package detector provides the resource detectors describing a running connector.
package detector

import (
	"context"
	"os"
	"path/filepath"

	"github.com/z5labs/avconnector"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/sdk"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

type telemetrySDK struct{}

func TelemetrySDK() resource.Detector {
	return telemetrySDK{}
}

func (telemetrySDK) Detect(context.Context) (*resource.Resource, error) {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.TelemetrySDKName("opentelemetry"),
		semconv.TelemetrySDKLanguageGo,
		semconv.TelemetrySDKVersion(sdk.Version()),
	), nil
}

func Host() resource.Detector {
	return resource.StringDetector(semconv.SchemaURL, semconv.HostNameKey, os.Hostname)
}

func ServiceName(name string) resource.Detector {
	return resource.StringDetector(semconv.SchemaURL, semconv.ServiceNameKey, func() (string, error) {
		if len(name) > 0 {
			return name, nil
		}
		executable, err := os.Executable()
		if err != nil {
			return "unknown_service:go", nil
		}
		return "unknown_service:" + filepath.Base(executable), nil
	})
}

// ServiceVersion falls back to the version the binary was built with.
func ServiceVersion(version string) resource.Detector {
	return resource.StringDetector(semconv.SchemaURL, semconv.ServiceVersionKey, func() (string, error) {
		if version == "" {
			return avconnector.Version, nil
		}
		return version, nil
	})
}

// ServiceInstanceID distinguishes connector replicas sharing a consumer group.
func ServiceInstanceID() resource.Detector {
	return resource.StringDetector(semconv.SchemaURL, semconv.ServiceInstanceIDKey, func() (string, error) {
		return uuid.NewString(), nil
	})
}
