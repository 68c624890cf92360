// Package messaging 提供告警事件发布实现
package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("messaging")

// Producer 告警事件生产者，写入 Redis Stream
type Producer struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewProducer 创建告警事件生产者
func NewProducer(client *redis.Client, stream string, maxLen int64) *Producer {
	if maxLen <= 0 {
		maxLen = 10000
	}
	if stream == "" {
		stream = "token_alerts"
	}
	return &Producer{
		client: client,
		stream: stream,
		maxLen: maxLen,
	}
}

// PublishTokenAlert 发布 Token 停用告警
func (p *Producer) PublishTokenAlert(ctx context.Context, msg *TokenAlertMessage) (string, error) {
	ctx, span := tracer.Start(ctx, "producer.PublishTokenAlert",
		trace.WithAttributes(
			attribute.String("stream", p.stream),
			attribute.String("alert.token_id", msg.TokenID),
			attribute.String("alert.cause", string(msg.Cause)),
		))
	defer span.End()

	data, err := json.Marshal(msg)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to marshal alert: %w", err)
	}

	result, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()

	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to publish alert: %w", err)
	}

	span.SetAttributes(attribute.String("stream.message_id", result))
	return result, nil
}
