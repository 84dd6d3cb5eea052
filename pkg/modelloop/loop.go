package modelloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// State is a state of the fallback loop.
type State int

const (
	StateAttempting State = iota
	StateSucceeded
	StateExhaustedFatal
)

func (s State) String() string {
	switch s {
	case StateAttempting:
		return "attempting"
	case StateSucceeded:
		return "succeeded"
	case StateExhaustedFatal:
		return "exhausted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transition records one state change of a run.
type Transition struct {
	From    State
	To      State
	Attempt int
	Model   string
	Err     error
	At      time.Time
}

// Sleeper waits d or until ctx ends.
type Sleeper func(ctx context.Context, d time.Duration) error

// DefaultModels is used when Options.Models is empty.
var DefaultModels = []string{"gemini-2.0-flash-001", "gemini-2.0-flash-lite", "gemini-1.5-flash"}

// DefaultBackoff is the wait between two attempts.
const DefaultBackoff = 2 * time.Second

// Options configure a Loop.
type Options struct {
	// Models are tried in order.
	Models []string
	// Backoff is the fixed wait before moving to the next model.
	Backoff time.Duration
	// Sleep performs the backoff wait. Defaults to a timer that honours ctx.
	Sleep Sleeper
	// OnTransition, when set, observes every state change.
	OnTransition func(Transition)
	Logger       *slog.Logger
	Now          func() time.Time
}

func (o *Options) withDefaults() Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if len(out.Models) == 0 {
		out.Models = DefaultModels
	}
	out.Models = append([]string(nil), out.Models...)
	if out.Backoff <= 0 {
		out.Backoff = DefaultBackoff
	}
	if out.Sleep == nil {
		out.Sleep = sleepContext
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Loop drives one model turn across the configured models.
type Loop struct {
	backend Backend
	opts    Options
}

// New creates a Loop over backend.
func New(backend Backend, opts *Options) (*Loop, error) {
	if backend == nil {
		return nil, errors.New("modelloop: backend is required")
	}
	return &Loop{backend: backend, opts: opts.withDefaults()}, nil
}

// Models returns the configured model order.
func (l *Loop) Models() []string { return append([]string(nil), l.opts.Models...) }

// Result is a successful run.
type Result struct {
	*Response
	// Attempts counts backend calls, including the successful one.
	Attempts    int
	Transitions []Transition
}

// Run executes the state machine for req. It returns the first successful
// response, or a *LoopError whose Kind is ErrAllModelsOverloaded when every
// model was overloaded and ErrModelFatal otherwise.
func (l *Loop) Run(ctx context.Context, req Request) (*Result, error) {
	run := &run{loop: l}
	state := StateAttempting
	i := 0
	var (
		resp    *Response
		lastErr error
		kind    error
	)
	for {
		switch state {
		case StateAttempting:
			model := l.opts.Models[i]
			var err error
			resp, err = l.attempt(ctx, model, req)
			run.attempts++
			if err == nil {
				run.record(state, StateSucceeded, i, model, nil)
				state = StateSucceeded
				continue
			}
			lastErr = err
			last := i == len(l.opts.Models)-1
			switch {
			case ctx.Err() != nil:
				kind = ErrModelFatal
			case !IsOverloaded(err):
				kind = ErrModelFatal
			case last:
				kind = ErrAllModelsOverloaded
			}
			if kind != nil {
				run.record(state, StateExhaustedFatal, i, model, err)
				state = StateExhaustedFatal
				continue
			}
			l.opts.Logger.Warn("model overloaded, falling back", "model", model, "next", l.opts.Models[i+1], "backoff", l.opts.Backoff, "error", err)
			if serr := l.opts.Sleep(ctx, l.opts.Backoff); serr != nil {
				lastErr = serr
				kind = ErrModelFatal
				run.record(state, StateExhaustedFatal, i, model, serr)
				state = StateExhaustedFatal
				continue
			}
			run.record(state, StateAttempting, i+1, l.opts.Models[i+1], err)
			i++

		case StateSucceeded:
			if resp.Model == "" {
				resp.Model = l.opts.Models[i]
			}
			return &Result{Response: resp, Attempts: run.attempts, Transitions: run.transitions}, nil

		case StateExhaustedFatal:
			l.opts.Logger.Error("model turn failed", "model", l.opts.Models[i], "attempts", run.attempts, "error", lastErr)
			return nil, &LoopError{Kind: kind, Model: l.opts.Models[i], Attempts: run.attempts, Err: lastErr}
		}
	}
}

func (l *Loop) attempt(ctx context.Context, model string, req Request) (resp *Response, err error) {
	defer func() {
		if p := recover(); p != nil {
			resp, err = nil, fmt.Errorf("modelloop: backend panic: %v", p)
		}
	}()
	resp, err = l.backend.Generate(ctx, model, req)
	if err == nil && resp == nil {
		err = fmt.Errorf("modelloop: model %q returned no response", model)
	}
	return resp, err
}

type run struct {
	loop        *Loop
	attempts    int
	transitions []Transition
}

func (r *run) record(from, to State, attempt int, model string, err error) {
	t := Transition{From: from, To: to, Attempt: attempt, Model: model, Err: err, At: r.loop.opts.Now()}
	r.transitions = append(r.transitions, t)
	r.loop.opts.Logger.Debug("model loop transition", "from", from, "to", to, "model", model, "attempt", attempt)
	if r.loop.opts.OnTransition != nil {
		r.loop.opts.OnTransition(t)
	}
}
