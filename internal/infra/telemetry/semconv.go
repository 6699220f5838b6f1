// Package telemetry provides OpenTelemetry initialisation and semantic conventions for courier.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for courier telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrRoutingKey labels metrics with the topic or queue a message was addressed to.
	AttrRoutingKey = attribute.Key("routing.key")
	// AttrOperation differentiates engine operations (dispatch, archive, schedule, ...).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrErrorType categorizes failures by error code.
	AttrErrorType = attribute.Key("error.type")
	// AttrRequestType labels scheduler metrics with send, publish or post.
	AttrRequestType = attribute.Key("request.type")
	// AttrBreakerState captures circuit breaker transitions.
	AttrBreakerState = attribute.Key("breaker.state")
)

// RoutingAttributes returns the attributes shared by per-topic metrics.
func RoutingAttributes(environment, routingKey string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrRoutingKey.String(routingKey),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, routingKey, operation, result string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
	if routingKey != "" {
		attrs = append(attrs, AttrRoutingKey.String(routingKey))
	}
	return attrs
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, operation, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrErrorType.String(errorType),
	}
}

// SchedulerAttributes returns attributes for scheduler job metrics.
func SchedulerAttributes(environment, requestType, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrRequestType.String(requestType),
		AttrResult.String(result),
	}
}
