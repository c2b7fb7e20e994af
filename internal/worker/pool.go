// Package worker implements the Worker Pool: a fixed set of goroutines that
// drain the Task Queue, lease a rate-limit slot and a browser session,
// drive one task through navigate/classify/act/extract, and report the
// result back to the queue. Stop signals every worker goroutine to exit
// via a shared context and waits on a sync.WaitGroup, bounded by a
// time.After grace period so a stuck browser session can't hang shutdown.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/duskveil/duskveil/internal/ratelimit"
	"github.com/duskveil/duskveil/internal/security"
	"github.com/duskveil/duskveil/internal/sessionpool"
	"github.com/duskveil/duskveil/internal/types"
)

// RateLimiter is the subset of ratelimit.Group a worker needs.
type RateLimiter interface {
	Acquire(ctx context.Context, url string) (*ratelimit.Slot, error)
	Release(url string, slot *ratelimit.Slot)
	TriggerBackoff(url string)
}

// SessionLeaser is the subset of sessionpool.Pool a worker needs.
type SessionLeaser interface {
	Lease(ctx context.Context, opts types.SessionOptions) (*sessionpool.Session, error)
	Release(sess *sessionpool.Session)
	Rotate(ctx context.Context, sess *sessionpool.Session, opts types.SessionOptions) (*sessionpool.Session, error)
}

// QueueBackend is the subset of queue.Backend a worker needs.
type QueueBackend interface {
	Lease(ctx context.Context) (types.Task, error)
	Ack(ctx context.Context, taskID string, result types.TaskResult) error
	Nack(ctx context.Context, taskID string, reason string, retry bool) error
}

// DetectionAggregator is the subset of detection.Aggregator a worker needs.
type DetectionAggregator interface {
	Collect(url, proxyHostPort string, detections []types.Detection) (blocking bool)
}

// Classifier runs the Detection Aggregator's classifier table over a
// loaded page's body and cookies.
type Classifier func(url, body string, cookies map[string]string) []types.Detection

// Recorder is the subset of the Metrics & Health component a worker needs.
type Recorder interface {
	LogRequest(rec types.RequestRecord)
	LogDetection(d types.Detection)
}

// ProgressReporter fans out OnProgress milestones; satisfied by
// queue.MemoryBackend/RedisBackend's Progress method.
type ProgressReporter interface {
	Progress(task types.Task, percent int)
}

// Deps bundles every collaborator the Worker Pool drives per task.
type Deps struct {
	Queue       QueueBackend
	Limiter     RateLimiter
	Sessions    SessionLeaser
	Aggregator  DetectionAggregator
	Classify    Classifier
	Metrics     Recorder
	Progress    ProgressReporter
	ProxyEnabled bool
	GracePeriod  time.Duration
}

// Pool is the Worker Pool. Start once, Stop once; not restartable.
type Pool struct {
	deps Deps

	leaseCtx    context.Context
	cancelLease context.CancelFunc
	workCtx     context.Context
	cancelWork  context.CancelFunc

	wg sync.WaitGroup
}

// New builds a Pool bound to deps. A zero GracePeriod defaults to 30s.
func New(deps Deps) *Pool {
	if deps.GracePeriod <= 0 {
		deps.GracePeriod = 30 * time.Second
	}
	return &Pool{deps: deps}
}

// Start launches n worker goroutines, each looping Lease -> Acquire ->
// SessionPool.Lease -> execute -> Ack/Nack per §4.6.
func (p *Pool) Start(n int) {
	p.leaseCtx, p.cancelLease = context.WithCancel(context.Background())
	p.workCtx, p.cancelWork = context.WithCancel(context.Background())

	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.runWorker(i)
	}
	log.Info().Int("workers", n).Msg("worker pool started")
}

// Stop unwinds in the order §4.6 requires: stop accepting new leases,
// give in-flight tasks GracePeriod to finish, then cancel in-flight
// navigations and wait for workers to actually return.
func (p *Pool) Stop() {
	if p.cancelLease == nil {
		return
	}
	p.cancelLease()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.deps.GracePeriod):
		log.Warn().Dur("grace_period", p.deps.GracePeriod).Msg("grace period elapsed, cancelling in-flight navigations")
		p.cancelWork()
		<-done
	}
	log.Info().Msg("worker pool stopped")
}

func (p *Pool) runWorker(id int) {
	defer p.wg.Done()
	for {
		task, err := p.deps.Queue.Lease(p.leaseCtx)
		if err != nil {
			if errors.Is(err, types.ErrQueueClosed) || errors.Is(err, types.ErrContextCanceled) || p.leaseCtx.Err() != nil {
				return
			}
			log.Warn().Err(err).Int("worker", id).Msg("queue lease failed, retrying")
			select {
			case <-p.leaseCtx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		p.runTask(task)
	}
}

func (p *Pool) taskContext(task types.Task) (context.Context, context.CancelFunc) {
	if task.Deadline != nil {
		return context.WithDeadline(p.workCtx, *task.Deadline)
	}
	return context.WithCancel(p.workCtx)
}

func (p *Pool) runTask(task types.Task) {
	ctx, cancel := p.taskContext(task)
	defer cancel()

	p.progress(task, 10)
	started := time.Now()

	slot, err := p.deps.Limiter.Acquire(ctx, task.URL)
	if err != nil {
		p.nackOrFail(ctx, task, nil, err)
		p.progress(task, 100)
		return
	}

	sess, err := p.deps.Sessions.Lease(ctx, types.SessionOptions{UseProxy: p.deps.ProxyEnabled})
	if err != nil {
		p.deps.Limiter.Release(task.URL, slot)
		p.nackOrFail(ctx, task, nil, err)
		p.progress(task, 100)
		return
	}

	result, execErr := p.execute(ctx, task, sess)
	p.progress(task, 90)

	switch {
	case execErr == nil:
		p.deps.Sessions.Release(sess)
		p.deps.Limiter.Release(task.URL, slot)
		p.record(task.URL, started, true, false, false)
		if err := p.deps.Queue.Ack(ctx, task.ID, result); err != nil {
			log.Error().Err(err).Str("task_id", task.ID).Msg("ack failed")
		}

	case errors.Is(execErr, types.ErrBlocked):
		p.deps.Limiter.TriggerBackoff(task.URL)
		if rotated, rerr := p.deps.Sessions.Rotate(ctx, sess, types.SessionOptions{UseProxy: p.deps.ProxyEnabled}); rerr != nil {
			log.Warn().Err(rerr).Str("task_id", task.ID).Msg("session rotate after block failed")
		} else {
			p.deps.Sessions.Release(rotated)
		}
		p.deps.Limiter.Release(task.URL, slot)
		blockedByCaptcha := hasCaptcha(result.Detections)
		p.record(task.URL, started, false, true, blockedByCaptcha)
		if err := p.deps.Queue.Nack(ctx, task.ID, "blocked", true); err != nil {
			log.Error().Err(err).Str("task_id", task.ID).Msg("nack failed")
		}

	default:
		p.deps.Sessions.Release(sess)
		p.deps.Limiter.Release(task.URL, slot)
		p.record(task.URL, started, false, false, false)
		p.nackOrFail(ctx, task, sess, execErr)
	}

	p.progress(task, 100)
}

// execute drives one task through navigate/classify/act/extract, per
// §4.6's try block. It returns types.ErrBlocked exactly when the
// Detection Aggregator reports a blocking signal, and wraps every other
// failure in the matching error-taxonomy sentinel.
func (p *Pool) execute(ctx context.Context, task types.Task, sess *sessionpool.Session) (types.TaskResult, error) {
	onProgress := func(pct int) { p.progress(task, pct) }
	return Attempt(ctx, sess, task, p.deps.Classify, p.deps.Aggregator, p.deps.Metrics, onProgress)
}

// Attempt drives one navigate/classify/act/extract pass against an
// already-leased session, independent of any queue or worker pool. It is
// the Worker Pool's execution path factored out so other runtime modes
// (security-test, stress-test) can exercise the exact same navigate ->
// classify -> block-check -> act -> extract sequence without going
// through a task queue.
func Attempt(ctx context.Context, sess *sessionpool.Session, task types.Task, classify Classifier, aggregator DetectionAggregator, metrics Recorder, onProgress func(pct int)) (types.TaskResult, error) {
	result := types.TaskResult{TaskID: task.ID}
	progress := func(pct int) {
		if onProgress != nil {
			onProgress(pct)
		}
	}

	if err := sess.Navigate(ctx, task.URL); err != nil {
		return result, fmt.Errorf("%w: %v", types.ErrNavigationFailed, err)
	}
	progress(50)

	body, err := sess.Content(ctx)
	if err != nil {
		return result, fmt.Errorf("%w: %v", types.ErrNavigationFailed, err)
	}
	cookies, err := sess.Cookies(ctx)
	if err != nil {
		cookies = nil
	}

	var detections []types.Detection
	if classify != nil {
		detections = classify(task.URL, body, cookies)
	}
	for _, d := range detections {
		if d.Timestamp.IsZero() {
			d.Timestamp = time.Now()
		}
		if d.URL == "" {
			d.URL = task.URL
		}
		if metrics != nil {
			metrics.LogDetection(d)
		}
	}
	sess.AddDetections(detections)
	result.Detections = detections

	proxyHostPort := ""
	if sess.Proxy != nil {
		proxyHostPort = sess.Proxy.HostPort()
	}
	if aggregator != nil && aggregator.Collect(task.URL, proxyHostPort, detections) {
		return result, types.ErrBlocked
	}

	for _, action := range task.Actions {
		if err := executeAction(ctx, sess, action.Kind, action.Args); err != nil {
			return result, fmt.Errorf("%w: action %s: %v", types.ErrTransientNetwork, action.Kind, err)
		}
	}

	data, err := extract(ctx, sess, task.Extractors)
	if err != nil {
		return result, fmt.Errorf("%w: %v", types.ErrExtractionFailed, err)
	}
	result.Data = data

	return result, nil
}

func extract(ctx context.Context, sess Evaluator, extractors []types.Extractor) (map[string]any, error) {
	if len(extractors) == 0 {
		return nil, nil
	}
	data := make(map[string]any, len(extractors))
	for _, ex := range extractors {
		val, err := sess.Evaluate(ctx, extractScript(ex.Selector, ex.Attr, ex.Script))
		if err != nil {
			return data, fmt.Errorf("extractor %s: %w", ex.Name, err)
		}
		data[ex.Name] = val
	}
	return data, nil
}

// classifyErrorKind maps a failure to the stable taxonomy types.ErrorKind
// defines, so nackOrFail's retry decision and the TaskError it records
// follow the same policy table as the rest of the error-handling design.
func classifyErrorKind(err error) types.ErrorKind {
	switch {
	case errors.Is(err, types.ErrRateLimited):
		return types.KindRateLimited
	case errors.Is(err, types.ErrBlocked):
		return types.KindBlocked
	case errors.Is(err, types.ErrTransientNetwork):
		return types.KindTransientNetwork
	case errors.Is(err, types.ErrNavigationFailed):
		return types.KindNavigationFailed
	case errors.Is(err, types.ErrExtractionFailed):
		return types.KindExtractionFailed
	case errors.Is(err, types.ErrInvalidInput), errors.Is(err, types.ErrInvalidURL):
		return types.KindInvalidInput
	case errors.Is(err, types.ErrPoolExhausted), errors.Is(err, types.ErrNoProxies), errors.Is(err, types.ErrTooManySessions):
		return types.KindPoolExhausted
	case errors.Is(err, types.ErrConfigurationError):
		return types.KindConfigurationError
	default:
		return types.KindTransientNetwork
	}
}

// nackOrFail applies the retry-vs-terminal rule from §4.6's Transient
// handler to any pre-or-mid-execution failure: retry via Nack while
// attempts remain AND the error kind is recoverable, else Ack the task as
// permanently failed. sess is nil when the failure happened before a
// session was ever leased (rate-limit acquire, pool lease). The resulting
// types.TaskError carries task/url/session/proxy context so a failure can
// be reproduced from the log line or the queue's stored Reason alone.
func (p *Pool) nackOrFail(ctx context.Context, task types.Task, sess *sessionpool.Session, cause error) {
	kind := classifyErrorKind(cause)

	var sessionID, proxyHost string
	if sess != nil {
		sessionID = sess.ID
		proxyHost = security.RedactProxy(sess.Proxy)
	}
	taskErr := types.NewTaskError(kind, task.ID, security.RedactURL(task.URL), sessionID, proxyHost, cause)

	if kind.Recoverable() && task.Attempts+1 < task.MaxAttempts {
		log.Warn().
			Str("task_id", task.ID).
			Str("url", taskErr.URL).
			Str("session_id", sessionID).
			Str("proxy", proxyHost).
			Str("kind", string(kind)).
			Err(cause).
			Msg("task attempt failed, retrying")
		if err := p.deps.Queue.Nack(ctx, task.ID, taskErr.Error(), true); err != nil {
			log.Error().Err(err).Str("task_id", task.ID).Msg("nack failed")
		}
		return
	}

	log.Error().
		Str("task_id", task.ID).
		Str("url", taskErr.URL).
		Str("session_id", sessionID).
		Str("proxy", proxyHost).
		Str("kind", string(kind)).
		Err(cause).
		Msg("task failed permanently")
	result := types.TaskResult{TaskID: task.ID, Failed: true, Reason: taskErr.Error()}
	if err := p.deps.Queue.Ack(ctx, task.ID, result); err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("terminal ack failed")
	}
}

func (p *Pool) progress(task types.Task, percent int) {
	if p.deps.Progress != nil {
		p.deps.Progress.Progress(task, percent)
	}
}

func (p *Pool) record(url string, started time.Time, success, blocked, captcha bool) {
	if p.deps.Metrics == nil {
		return
	}
	p.deps.Metrics.LogRequest(types.RequestRecord{
		Timestamp:  time.Now(),
		DurationMs: time.Since(started).Milliseconds(),
		Success:    success,
		Blocked:    blocked,
		Captcha:    captcha,
		URL:        url,
	})
}

func hasCaptcha(detections []types.Detection) bool {
	for _, d := range detections {
		if d.Kind == types.DetectionCaptcha {
			return true
		}
	}
	return false
}
