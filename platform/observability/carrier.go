package observability

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// amqpHeaderCarrier адаптирует amqp.Table к propagation.TextMapCarrier
type amqpHeaderCarrier amqp.Table

// Get возвращает значение заголовка, нестроковые значения игнорируются
func (c amqpHeaderCarrier) Get(key string) string {
	v, ok := c[key].(string)
	if !ok {
		return ""
	}
	return v
}

func (c amqpHeaderCarrier) Set(key, value string) {
	c[key] = value
}

func (c amqpHeaderCarrier) Keys() []string {
	out := make([]string, 0, len(c))
	for k := range c {
		out = append(out, k)
	}
	return out
}

// InjectAMQP записывает trace context из ctx в заголовки сообщения
// Если headers == nil, создаёт новую таблицу
func InjectAMQP(ctx context.Context, headers amqp.Table) amqp.Table {
	if headers == nil {
		headers = amqp.Table{}
	}
	otel.GetTextMapPropagator().Inject(ctx, amqpHeaderCarrier(headers))
	return headers
}

// ExtractAMQP возвращает контекст с trace context из заголовков доставки
func ExtractAMQP(ctx context.Context, headers amqp.Table) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, amqpHeaderCarrier(headers))
}

// StartConsumerSpan извлекает trace context из заголовков и открывает consumer span
func StartConsumerSpan(ctx context.Context, serviceName, name string, headers amqp.Table, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(serviceName).Start(ExtractAMQP(ctx, headers), name,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attrs...),
	)
}
