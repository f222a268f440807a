package process

import (
	"context"
	"strconv"

	"github.com/getsentry/sentry-go"

	"github.com/Elderusr/stage7-upload-service/internal/queue"
	"github.com/Elderusr/stage7-upload-service/pkg/schema"
)

// SentryReporter sends job failures to the Sentry hub configured by sentry.Init.
type SentryReporter struct{}

func (SentryReporter) Report(_ context.Context, err error, d queue.Delivery, failureType schema.FailureType) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("job_id", d.Task.JobID)
		scope.SetTag("attempt", strconv.Itoa(d.Attempt))
		scope.SetTag("failure_type", string(failureType))
		sentry.CaptureException(err)
	})
}
