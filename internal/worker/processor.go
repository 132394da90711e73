package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"call-lead-pipeline/internal/config"
	"call-lead-pipeline/internal/logger"
	"call-lead-pipeline/internal/queue"
	"call-lead-pipeline/internal/telemetry"
)

// Transcriber runs the transcription stage for one call.
type Transcriber interface {
	Process(ctx context.Context, callID string) error
}

// Extractor runs the lead-extraction stage for one call.
type Extractor interface {
	Extract(ctx context.Context, callID string) error
}

// Processor drives the worker loop: pull the next dispatched call and push
// it through both stages. The stages hold their own claims, so a dispatch
// for a call another replica already owns, or one whose transcript is not
// ready yet, degrades to a no-op here.
type Processor struct {
	dispatch     *queue.Dispatch
	transcriber  Transcriber
	extractor    Extractor
	pollInterval time.Duration
	log          *logrus.Entry
}

func NewProcessor(cfg config.Config, d *queue.Dispatch, tr Transcriber, ex Extractor, log *logger.Logger) *Processor {
	poll := cfg.WorkerPollInterval
	if poll <= 0 {
		poll = time.Second
	}
	return &Processor{
		dispatch:     d,
		transcriber:  tr,
		extractor:    ex,
		pollInterval: poll,
		log:          log.WithModule("worker"),
	}
}

// Run loops until ctx is cancelled. Only infrastructure faults surface in
// the logs; per-call processing failures are recorded on the call rows by
// the stages themselves.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := p.dispatch.PromoteScheduled(ctx, time.Now(), 100); err != nil && ctx.Err() == nil {
			p.log.WithField("error", err.Error()).Warn("promote scheduled failed")
		}
		if depth, err := p.dispatch.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		callID, err := p.dispatch.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.WithField("error", err.Error()).Warn("dequeue failed")
			p.sleep(ctx)
			continue
		}
		if callID == "" {
			p.sleep(ctx)
			continue
		}
		p.handle(ctx, callID)
	}
}

// handle runs both stages back to back. Extraction directly after
// transcription keeps the common path single-pass; when transcription
// failed or is still pending, the extraction claim's transcript
// precondition turns the second stage into a no-op.
func (p *Processor) handle(ctx context.Context, callID string) {
	log := p.log.WithField("call_id", callID)
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	if err := p.transcriber.Process(ctx, callID); err != nil {
		log.WithField("error", err.Error()).Error("transcription stage fault")
		return
	}
	if err := p.extractor.Extract(ctx, callID); err != nil {
		log.WithField("error", err.Error()).Error("extraction stage fault")
	}
}

func (p *Processor) sleep(ctx context.Context) {
	timer := time.NewTimer(p.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
