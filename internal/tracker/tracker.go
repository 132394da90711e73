package tracker

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Tracker receives diagnostic captures for final, non-recovered failures.
// It is intentionally not invoked on retried attempts to keep alert noise
// down.
type Tracker interface {
	CaptureError(ctx context.Context, err error, tags map[string]string)
}

// Log writes captures to the structured log, tagged for downstream alerting.
type Log struct {
	Entry *logrus.Entry
}

func (t *Log) CaptureError(_ context.Context, err error, tags map[string]string) {
	fields := logrus.Fields{"capture": true}
	for k, v := range tags {
		fields[k] = v
	}
	t.Entry.WithFields(fields).WithField("error", err.Error()).Error("diagnostic capture")
}

// NoOp discards captures; used in tests.
type NoOp struct{}

func (NoOp) CaptureError(context.Context, error, map[string]string) {}
