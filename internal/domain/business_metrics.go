package domain

import (
	"context"
	"time"
)

// BusinessMetric описывает бизнесовое событие, которое сохраняется для последующего анализа.
type BusinessMetric struct {
	Event      string
	UserID     *int64
	ChannelID  *int64
	Metadata   map[string]any
	OccurredAt time.Time
}

const (
	// BusinessMetricEventChannelRegistered фиксирует добавление канала.
	BusinessMetricEventChannelRegistered = "channel_registered"
	// BusinessMetricEventChannelRemoved фиксирует удаление канала.
	BusinessMetricEventChannelRemoved = "channel_removed"
	// BusinessMetricEventSourceAttributed фиксирует правку подписи со ссылкой на источник.
	BusinessMetricEventSourceAttributed = "source_attributed"
	// BusinessMetricEventMTProtoEstablished фиксирует успешный вход MTProto.
	BusinessMetricEventMTProtoEstablished = "mtproto_established"
)

// BusinessMetricRepo сохраняет бизнесовые события.
type BusinessMetricRepo interface {
	RecordBusinessMetric(ctx context.Context, metric BusinessMetric) error
}
