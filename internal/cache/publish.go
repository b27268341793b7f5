package cache

import (
	"context"
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/voyagen/pvrguide/internal/jobs"
)

// ProgressChannel is the pub/sub channel job progress is published on.
const ProgressChannel = "pvrguide:progress"

// Publisher publishes job snapshots to a Redis pub/sub channel.
// Publish is meant to be registered with jobs.Tracker.Subscribe.
type Publisher struct {
	r       *Redis
	channel string
	timeout time.Duration
}

// NewPublisher returns a Publisher for channel, or ProgressChannel when
// channel is empty.
func NewPublisher(r *Redis, channel string) *Publisher {
	if channel == "" {
		channel = ProgressChannel
	}
	return &Publisher{r: r, channel: channel, timeout: 2 * time.Second}
}

// Publish sends j to subscribers. Failures are logged and dropped.
func (p *Publisher) Publish(j jobs.Job) {
	data, err := json.Marshal(j)
	if err != nil {
		log.WithField("job_id", j.ID).Warnf("progress marshal: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.r.client.Publish(ctx, p.channel, data).Err(); err != nil {
		log.WithFields(log.Fields{"job_id": j.ID, "channel": p.channel}).Debugf("progress publish: %v", err)
	}
}
