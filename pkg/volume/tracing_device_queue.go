package volume

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type tracingDeviceQueue struct {
	base   DeviceQueue
	tracer trace.Tracer
}

// NewTracingDeviceQueue is a decorator for DeviceQueue that creates an
// OpenTelemetry trace span for every operation, lasting from the
// moment the operation is queued until its completion callback fires.
func NewTracingDeviceQueue(base DeviceQueue, tracerProvider trace.TracerProvider) DeviceQueue {
	return &tracingDeviceQueue{
		base:   base,
		tracer: tracerProvider.Tracer("github.com/buildbarn/bb-volume-manager/pkg/volume"),
	}
}

func (dq *tracingDeviceQueue) Queue(op *Operation, complete func(error)) {
	_, span := dq.tracer.Start(context.Background(), "DeviceQueue.Queue", trace.WithAttributes(
		attribute.String("kind", op.Kind.String()),
		attribute.Int64("device_offset_bytes", op.DeviceOffsetBytes),
		attribute.Int("size_bytes", len(op.Data)),
	))
	dq.base.Queue(op, func(err error) {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
		complete(err)
	})
}
