// Package engine orchestrates one chat completion end to end: split the
// prompt, decide session continuity, run the CLI, and assemble the response.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ccbridge/ccbridge/internal/config"
	log "github.com/ccbridge/ccbridge/internal/logging"
	"github.com/ccbridge/ccbridge/internal/resilience"
	"github.com/ccbridge/ccbridge/internal/runtime/executor"
	"github.com/ccbridge/ccbridge/internal/session"
	"github.com/ccbridge/ccbridge/internal/streamutil"
	"github.com/ccbridge/ccbridge/internal/tokencount"
	"github.com/ccbridge/ccbridge/internal/translator"
	"github.com/ccbridge/ccbridge/internal/translator/ir"
	"github.com/ccbridge/ccbridge/internal/translator/openai"
	"github.com/ccbridge/ccbridge/internal/usage"
)

// Engine owns the translation pipeline. Config and builder are swapped
// atomically on hot reload; in-flight requests keep the snapshot they
// started with.
type Engine struct {
	cfg     atomic.Pointer[config.Config]
	builder atomic.Pointer[executor.CommandBuilder]

	cache   *session.Cache
	runner  executor.Runner
	tracker *usage.Tracker

	breaker      *resilience.StreamingCircuitBreaker
	establishRP  resilience.RetryConfig
	retryBudget  *resilience.RetryBudget
	eventBufSize int
}

// New builds an engine over the given runner. tracker may be nil.
func New(cfg *config.Config, runner executor.Runner, tracker *usage.Tracker) *Engine {
	e := &Engine{
		cache:        session.New(cfg.SessionTTL(), cfg.Session.Capacity),
		runner:       runner,
		tracker:      tracker,
		breaker:      resilience.NewStreamingCircuitBreaker(resilience.DefaultBreakerConfig("cli")),
		establishRP:  resilience.DefaultRetryConfig,
		retryBudget:  resilience.NewRetryBudget(20),
		eventBufSize: 64,
	}
	e.ApplyConfig(cfg)
	e.cache.StartSweeper(cfg.SweepInterval())
	return e
}

// ApplyConfig swaps the active configuration. The session cache keeps its
// original bounds; only CLI shape and model aliases take effect immediately.
func (e *Engine) ApplyConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
	e.builder.Store(executor.NewCommandBuilder(executor.BuilderConfig{
		Command:         cfg.CLI.Command,
		BaseArgs:        cfg.CLI.Args,
		Timeout:         cfg.CLITimeout(),
		InlineThreshold: cfg.CLI.InlineThreshold,
	}))
}

// Config returns the active configuration snapshot.
func (e *Engine) Config() *config.Config { return e.cfg.Load() }

// Cache exposes the session cache for diagnostics.
func (e *Engine) Cache() *session.Cache { return e.cache }

// Close stops background work. In-flight requests are unaffected.
func (e *Engine) Close() {
	e.cache.Close()
}

func completionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func validate(req *openai.ChatCompletionRequest) error {
	if len(req.Messages) == 0 {
		return &translator.ValidationError{Field: "messages", Message: "must not be empty"}
	}
	if req.N != nil && *req.N > 1 {
		return &translator.ValidationError{Field: "n", Message: "only n=1 is supported"}
	}
	return nil
}

// request is the resolved per-request state shared by both paths.
type request struct {
	model         string // CLI-side model name
	clientModel   string // name echoed back to the client
	systemContent string
	remaining     []openai.ChatMessage
	key           translator.SystemPromptKey
	tools         []translator.NativeTool
	choice        *translator.NativeToolChoice
	decision      executor.Decision
}

func (e *Engine) prepare(ctx context.Context, req *openai.ChatCompletionRequest) (*request, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	cfg := e.cfg.Load()

	r := &request{clientModel: req.Model, model: cfg.ResolveModel(req.Model)}
	r.systemContent, r.remaining, r.key = translator.Split(req.Messages)

	var err error
	r.tools, r.choice, err = translator.ToNative(req.Tools, req.ToolChoice)
	if err != nil {
		return nil, err
	}

	r.decision = e.decide(ctx, r, cfg)
	return r, nil
}

// decide picks the session-continuity mode. Establishment failures degrade
// to single-shot rather than failing the request.
func (e *Engine) decide(ctx context.Context, r *request, cfg *config.Config) executor.Decision {
	if r.key == translator.NoSessionKey {
		return executor.Decision{Mode: executor.ModeSingleShot}
	}
	if _, cached := e.cache.Lookup(r.key); !cached && len(r.systemContent) < cfg.Session.ReuseThreshold {
		return executor.Decision{Mode: executor.ModeSingleShot}
	}
	id, err := e.establishSession(ctx, r, cfg)
	if err != nil {
		log.Warnf("session establishment failed, degrading to single-shot: %v", err)
		return executor.Decision{Mode: executor.ModeSingleShot}
	}
	return executor.Decision{Mode: executor.ModeResumeSession, SessionID: id}
}

// establishSession returns the cached session for the key, establishing it
// at most once across concurrent callers. The establishing invocation runs
// on a detached context so one client's disconnect cannot poison waiters
// sharing the flight.
func (e *Engine) establishSession(ctx context.Context, r *request, cfg *config.Config) (string, error) {
	return e.cache.EstablishOrReuse(ctx, r.key, func() (string, error) {
		estCtx, cancel := context.WithTimeout(context.Background(), cfg.CLITimeout())
		defer cancel()

		attempts := 0
		var tokens int64
		defer func() {
			for ; tokens > 0; tokens-- {
				e.retryBudget.Release()
			}
		}()

		rp := e.establishRP
		inner := rp.ShouldRetry
		budgetHit := false
		rp.ShouldRetry = func(err error) bool {
			if inner != nil && !inner(err) {
				return false
			}
			if !e.retryBudget.TryAcquire() {
				budgetHit = true
				return false
			}
			tokens++
			return true
		}

		exec := resilience.NewExecutor[string](rp, nil)
		id, err := exec.Execute(estCtx, func() (string, error) {
			attempts++
			if attempts > 1 {
				log.Debugf("session establishment retry %d for key %.8s", attempts-1, r.key)
			}
			return e.runEstablish(estCtx, r)
		})
		if err != nil && budgetHit {
			// A retry-worthy failure was cut short because the shared budget
			// is drained; mark it so Classify reports overload, not the raw
			// CLI error.
			return "", fmt.Errorf("%w: %v", ErrRetryBudgetExhausted, err)
		}
		return id, err
	})
}

// runEstablish performs one new-session invocation and extracts the session
// id from its event stream.
func (e *Engine) runEstablish(ctx context.Context, r *request) (string, error) {
	plan, err := e.builder.Load().Build(nil, r.systemContent, executor.Decision{Mode: executor.ModeNewSession}, r.model, false, nil, nil)
	if err != nil {
		return "", err
	}
	events, done, err := e.invoke(ctx, plan)
	if err != nil {
		return "", err
	}

	var sessionID string
	var streamErr error
	finished := false
	for ev := range events {
		switch ev.Type {
		case ir.EventTypeSession:
			sessionID = ev.SessionID
		case ir.EventTypeFinish:
			finished = true
		case ir.EventTypeError:
			streamErr = ev.Err
		}
	}
	switch {
	case streamErr != nil:
		done(false)
		return "", streamErr
	case !finished || sessionID == "":
		done(false)
		return "", executor.ErrMissingTerminal
	default:
		done(true)
		return sessionID, nil
	}
}

// invoke runs one plan under the circuit breaker and returns its event
// stream plus the breaker's outcome callback.
func (e *Engine) invoke(ctx context.Context, plan *executor.InvocationPlan) (<-chan ir.StreamEvent, func(success bool), error) {
	done, err := e.breaker.Allow()
	if err != nil {
		return nil, nil, err
	}
	inv, err := e.runner.Run(ctx, plan)
	if err != nil {
		done(false)
		return nil, nil, err
	}
	events := make(chan ir.StreamEvent, e.eventBufSize)
	go executor.NewParser(plan.Streaming).Run(ctx, inv, events)
	return events, done, nil
}

// Complete handles a non-streaming request.
func (e *Engine) Complete(ctx context.Context, req *openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error) {
	r, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := e.completeOnce(ctx, r, r.decision)
	if err != nil && r.decision.Mode == executor.ModeResumeSession {
		// The native session may be gone; forget it and try fresh.
		e.cache.Remove(r.key)
		log.Warnf("resume failed, retrying single-shot: %v", err)
		resp, err = e.completeOnce(ctx, r, executor.Decision{Mode: executor.ModeSingleShot})
	}
	return resp, err
}

func (e *Engine) completeOnce(ctx context.Context, r *request, decision executor.Decision) (*openai.ChatCompletionResponse, error) {
	plan, err := e.builder.Load().Build(r.remaining, r.systemContent, decision, r.model, false, r.tools, r.choice)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	events, done, err := e.invoke(ctx, plan)
	if err != nil {
		e.record(r, decision, started, false, nil, "", false)
		return nil, err
	}

	resp, err := translator.Collect(events, completionID(), r.clientModel, started.Unix())
	if err != nil {
		done(false)
		e.record(r, decision, started, false, nil, "", true)
		return nil, err
	}
	done(true)

	if resp.Usage.TotalTokens == 0 {
		prompt, completion := tokencount.EstimatePair(r.systemContent+executor.RenderTranscript(r.remaining), resp.Choices[0].Message.Content)
		resp.Usage = openai.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
		e.record(r, decision, started, false, &resp.Usage, "estimated", true)
	} else {
		e.record(r, decision, started, false, &resp.Usage, "native", true)
	}
	return resp, nil
}

// CompleteStream handles a streaming request. The returned pipeline's output
// channel carries ready-to-write SSE frames; it is closed once the stream
// terminates (always with a [DONE] frame).
func (e *Engine) CompleteStream(ctx context.Context, req *openai.ChatCompletionRequest) (*streamutil.Pipeline, error) {
	r, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	plan, err := e.builder.Load().Build(r.remaining, r.systemContent, r.decision, r.model, true, r.tools, r.choice)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	events, done, err := e.invoke(ctx, plan)
	if err != nil {
		e.record(r, r.decision, started, true, nil, "", false)
		return nil, err
	}

	asm := translator.NewStreamAssembler(completionID(), r.clientModel, started.Unix())
	p := streamutil.NewPipeline(ctx, streamutil.PipelineConfig{})
	decision := r.decision

	p.Go(func(pctx context.Context) error {
		var body strings.Builder
		var streamUsage *ir.Usage
		emitted := false
		success := false

		forward := func(events <-chan ir.StreamEvent, done func(bool)) (failed error) {
			for ev := range events {
				switch ev.Type {
				case ir.EventTypeToken:
					body.WriteString(ev.Content)
				case ir.EventTypeFinish:
					streamUsage = ev.Usage
					success = true
				case ir.EventTypeError:
					failed = ev.Err
					// Hold the error frame when nothing was emitted yet so a
					// fresh single-shot attempt can take over cleanly.
					if !emitted && decision.Mode == executor.ModeResumeSession {
						for range events {
						}
						done(false)
						return failed
					}
				}
				for _, frame := range asm.Feed(ev) {
					emitted = true
					if !p.SendData(frame) {
						for range events {
						}
						done(false)
						return context.Canceled
					}
				}
			}
			done(failed == nil && success)
			return failed
		}

		err := forward(events, done)
		if err != nil && !emitted && decision.Mode == executor.ModeResumeSession {
			e.cache.Remove(r.key)
			log.Warnf("resume failed before first frame, retrying single-shot: %v", err)
			decision = executor.Decision{Mode: executor.ModeSingleShot}
			if retryPlan, buildErr := e.builder.Load().Build(r.remaining, r.systemContent, decision, r.model, true, r.tools, r.choice); buildErr == nil {
				if retryEvents, retryDone, runErr := e.invoke(pctx, retryPlan); runErr == nil {
					err = forward(retryEvents, retryDone)
				} else {
					err = runErr
				}
			} else {
				err = buildErr
			}
		}
		if err != nil && !success {
			// forward() already emitted the error frame for mid-stream
			// failures; a held-back failure still needs termination.
			for _, frame := range asm.Finish() {
				p.SendData(frame)
			}
		}

		var u *openai.Usage
		source := "native"
		if streamUsage != nil && streamUsage.TotalTokens > 0 {
			u = &openai.Usage{PromptTokens: streamUsage.PromptTokens, CompletionTokens: streamUsage.CompletionTokens, TotalTokens: streamUsage.TotalTokens}
		} else if success {
			prompt, completion := tokencount.EstimatePair(r.systemContent+executor.RenderTranscript(r.remaining), body.String())
			u = &openai.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
			source = "estimated"
		}
		e.record(r, decision, started, true, u, source, success)
		return nil
	})
	p.Start()
	return p, nil
}

func (e *Engine) record(r *request, decision executor.Decision, started time.Time, streaming bool, u *openai.Usage, source string, ok bool) {
	if e.tracker == nil {
		return
	}
	rec := usage.Record{
		Model:       r.model,
		Mode:        decision.Mode.String(),
		Streaming:   streaming,
		TokenSource: source,
		RequestedAt: started,
		DurationMs:  time.Since(started).Milliseconds(),
		Failed:      !ok,
	}
	if u != nil {
		rec.InputTokens = int64(u.PromptTokens)
		rec.OutputTokens = int64(u.CompletionTokens)
		rec.TotalTokens = int64(u.TotalTokens)
	}
	e.tracker.Record(rec)
}
