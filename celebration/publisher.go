package celebration

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Publisher sends events to a Redis channel so every replica's Hub can
// reach the board's open streams.
type Publisher struct {
	rc      *redis.Client
	channel string
	timeout time.Duration
	logger  *log.Logger
}

func NewPublisher(rc *redis.Client, channel string, logger *log.Logger) *Publisher {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Publisher{rc: rc, channel: channel, timeout: 5 * time.Second, logger: logger}
}

func (p *Publisher) Celebrate(ctx context.Context, ev Event) {
	data, err := sonic.Marshal(ev)
	if err != nil {
		p.logger.WithError(err).Error("marshal celebration")
		return
	}
	// the drag request may finish before the publish does
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := p.rc.Publish(ctx, p.channel, data).Err(); err != nil {
		p.logger.WithError(err).WithFields(log.Fields{
			"board": ev.Board,
			"task":  ev.TaskID,
		}).Error("publish celebration")
	}
}
