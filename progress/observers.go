package progress

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// DefaultTopic is the topic Publisher uses when none is given.
const DefaultTopic = "tradeflow.progress"

// LogObserver writes each event to a structured logger.
type LogObserver struct {
	logger *slog.Logger
}

func NewLogObserver(logger *slog.Logger) *LogObserver {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &LogObserver{logger: logger}
}

func (o *LogObserver) OnEvent(ctx context.Context, event Event) {
	attrs := []slog.Attr{
		slog.String("run_id", event.RunID),
		slog.Int("seq", event.Seq),
	}
	if event.Stage != "" {
		attrs = append(attrs, slog.String("stage", event.Stage))
	}
	switch event.Kind {
	case KindPartialContent:
		o.logger.LogAttrs(ctx, slog.LevelDebug, event.Text, attrs...)
	case KindFailed:
		attrs = append(attrs, slog.String("error", event.Error))
		o.logger.LogAttrs(ctx, slog.LevelError, "run failed", attrs...)
	case KindSuspended:
		o.logger.LogAttrs(ctx, slog.LevelWarn, "run suspended", attrs...)
	default:
		o.logger.LogAttrs(ctx, slog.LevelInfo, string(event.Kind), attrs...)
	}
}

// Publisher forwards events to a Watermill publisher as JSON messages so that
// other processes can follow a run.
type Publisher struct {
	publisher message.Publisher
	topic     string
	logger    *slog.Logger
}

func NewPublisher(publisher message.Publisher, topic string, logger *slog.Logger) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Publisher{publisher: publisher, topic: topic, logger: logger}
}

func (p *Publisher) OnEvent(ctx context.Context, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to encode progress event", slog.String("error", err.Error()))
		return
	}
	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set("run_id", event.RunID)
	msg.Metadata.Set("kind", string(event.Kind))
	msg.SetContext(ctx)
	if err := p.publisher.Publish(p.topic, msg); err != nil {
		p.logger.Error("failed to publish progress event",
			slog.String("run_id", event.RunID),
			slog.String("error", err.Error()))
	}
}
