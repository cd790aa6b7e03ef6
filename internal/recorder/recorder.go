package recorder

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"crypto-market-hub/internal/model"
	"crypto-market-hub/internal/service"
	"crypto-market-hub/internal/telemetry"
)

// Recorder appends every normalized message to a Redis stream so analytics
// consumers can replay the feed with XREADGROUP. It registers on the engine
// as a Processor; like any other subscriber it owns a bounded queue and a
// worker so Redis latency never touches the ingestion path.
type Recorder struct {
	client    *redis.Client
	streamKey string
	maxLen    int64
	queue     chan *model.Message
}

// New connects to Redis and starts the writer worker.
func New(cfg service.RecorderConfig) (*Recorder, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	r := &Recorder{
		client:    client,
		streamKey: cfg.StreamKey,
		maxLen:    cfg.MaxLen,
		queue:     make(chan *model.Message, cfg.QueueSize),
	}
	go r.run()

	service.Logger.Info("Recorder started",
		zap.String("addr", cfg.Addr), zap.String("stream", cfg.StreamKey))
	return r, nil
}

// Process implements engine.Processor. Full queue drops the message with
// accounting rather than stalling the publisher.
func (r *Recorder) Process(msg *model.Message) {
	select {
	case r.queue <- msg:
	default:
		telemetry.DroppedMessagesTotal.WithLabelValues(string(msg.Kind)).Inc()
	}
}

func (r *Recorder) run() {
	for msg := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := r.client.XAdd(ctx, &redis.XAddArgs{
			Stream: r.streamKey,
			MaxLen: r.maxLen,
			Approx: true,
			Values: map[string]any{
				"type":    string(msg.Kind),
				"symbol":  msg.Symbol,
				"payload": msg.Payload,
			},
		}).Err()
		cancel()
		if err != nil {
			telemetry.RecorderErrorsTotal.Inc()
			service.Logger.Warn("Recorder write failed",
				zap.String("stream", r.streamKey), zap.Error(err))
		}
	}
}

// Close releases the Redis connection.
func (r *Recorder) Close() error {
	return r.client.Close()
}
