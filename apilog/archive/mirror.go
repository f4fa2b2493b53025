package archive

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/spidey52/api-logs/apilog"
)

// Uploader is the write side of *Client.
type Uploader interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
}

// Mirror is an apilog.Sender that forwards to next and, once the collector
// accepted a batch, uploads a copy to the archive. Upload failures are
// logged and never fail the batch, so they cannot cause a resend.
type Mirror struct {
	next    apilog.Sender
	store   Uploader
	logger  zerolog.Logger
	timeout time.Duration
	now     func() time.Time
}

// NewMirror wraps next. timeout bounds each upload; zero means 10s.
func NewMirror(next apilog.Sender, store Uploader, timeout time.Duration, logger zerolog.Logger) *Mirror {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Mirror{
		next:    next,
		store:   store,
		logger:  logger.With().Str("component", "archive").Logger(),
		timeout: timeout,
		now:     time.Now,
	}
}

func (m *Mirror) SendBatch(ctx context.Context, batch apilog.Batch) (*apilog.BatchResult, error) {
	res, err := m.next.SendBatch(ctx, batch)
	if err != nil {
		return res, err
	}
	if key, err := m.archive(ctx, batch); err != nil {
		m.logger.Warn().Err(err).Str("batch_id", batch.ID.String()).Msg("archive upload failed")
	} else {
		m.logger.Debug().Str("key", key).Int("count", len(batch.Request.Logs)).Msg("batch archived")
	}
	return res, nil
}

func (m *Mirror) archive(ctx context.Context, batch apilog.Batch) (string, error) {
	data, err := EncodeBatch(batch.Request.Logs)
	if err != nil {
		return "", err
	}
	key := KeyForBatch(batch.Target.Environment, batch.ID.String(), m.now())

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()
	return key, m.store.PutObject(ctx, key, data, ContentType)
}
