package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mt5session/internal/pipeline"
	"mt5session/internal/protocol"
	"mt5session/internal/registry"
)

// Call describes one correlated request
type Call struct {
	Command    string
	SubCommand string
	Params     []string
	// Timeout overrides the session default
	Timeout time.Duration
	// Strict fails on timeout instead of resolving with Default
	Strict  bool
	Default []protocol.Message
	// Complete reports whether msg is the last frame of the reply. Nil means
	// the first frame completes the request.
	Complete func(msg protocol.Message) bool
	Cancel   registry.Action
}

// Stream describes one long-lived subscription
type Stream struct {
	Name string
	// Route is the key pushes are matched by: COMMAND or COMMAND:FIELD0.
	// Defaults to Command.
	Route      string
	Command    string
	SubCommand string
	Params     []string
	Handler    func(msg protocol.Message)
	// Event publishes every push on the session bus under this name
	Event  string
	Cancel registry.Action
}

// Request issues a command and waits for its reply frames. Requests for the
// same command code are serialized since replies only carry the code.
func (s *Session) Request(ctx context.Context, call Call) ([]protocol.Message, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if call.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	release, err := s.acquire(ctx, call.Command)
	if err != nil {
		return nil, err
	}
	return s.request(ctx, call, release)
}

// request runs call on a lane the caller already took. It owns release: the
// lane stays held past a timeout until the abandoned reply shows up.
func (s *Session) request(ctx context.Context, call Call, release func()) ([]protocol.Message, error) {
	held := false
	defer func() {
		if !held {
			release()
		}
	}()

	// the connection may have dropped while waiting for the lane
	if err := s.ready(); err != nil {
		return nil, err
	}

	frame := protocol.Frame(call.Command, call.SubCommand, call.Params...)
	issue := func(ctx context.Context) error {
		return s.manager.Send(ctx, frame)
	}

	id := s.ids.Next()
	req, err := s.requests.Add(id, call.Command, issue, call.Cancel)
	if err != nil {
		return nil, err
	}

	s.mutex.Lock()
	s.completions[id] = call.Complete
	s.mutex.Unlock()
	defer func() {
		s.mutex.Lock()
		delete(s.completions, id)
		s.mutex.Unlock()
	}()

	s.options.Metrics.SetPending(s.requests.Len())
	started := time.Now()

	if err := req.Issue(ctx); err != nil {
		s.requests.Fail(id, err)
		s.finish(call.Command, "failed", started)
		return nil, fmt.Errorf("failed to send %s: %w", call.Command, err)
	}

	opts := registry.AwaitOptions{
		Timeout: call.Timeout,
		Policy:  s.options.TimeoutPolicy,
		Default: values(call.Default),
	}
	if opts.Timeout <= 0 {
		opts.Timeout = s.options.RequestTimeout
	}
	if call.Strict {
		opts.Policy = registry.TimeoutStrict
	}

	result, err := s.requests.Await(ctx, req, opts)
	if req.Abandoned() {
		held = true
		s.holdLane(call.Command, release, opts.Timeout, call.Complete)
	}
	s.finish(call.Command, outcome(err), started)
	if err != nil {
		return nil, err
	}
	return Messages(result), nil
}

func (s *Session) finish(command, result string, started time.Time) {
	s.options.Metrics.RequestFinished(command, result, time.Since(started))
	s.options.Metrics.SetPending(s.requests.Len())
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, registry.ErrRequestTimeout):
		return "timeout"
	case errors.Is(err, registry.ErrConnectionLost):
		return "connection_lost"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "failed"
	}
}

func (s *Session) lane(command string) chan struct{} {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	lane, ok := s.lanes[command]
	if !ok {
		lane = make(chan struct{}, 1)
		s.lanes[command] = lane
	}
	return lane
}

// acquire takes the lane of a command code
func (s *Session) acquire(ctx context.Context, command string) (func(), error) {
	lane := s.lane(command)

	select {
	case lane <- struct{}{}:
		return func() { <-lane }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrStopped
	}
}

// tryAcquire takes the lane only when nobody holds it
func (s *Session) tryAcquire(command string) (func(), bool) {
	lane := s.lane(command)

	select {
	case lane <- struct{}{}:
		return func() { <-lane }, true
	default:
		return nil, false
	}
}

// lateReply is a lane held for the reply of an abandoned request
type lateReply struct {
	complete func(protocol.Message) bool
	arrived  chan struct{}
	once     sync.Once
}

func (l *lateReply) finish() {
	l.once.Do(func() { close(l.arrived) })
}

// holdLane keeps the lane of command taken until the abandoned reply has
// been read, grace has passed or the connection is gone
func (s *Session) holdLane(command string, release func(), grace time.Duration, complete func(protocol.Message) bool) {
	late := &lateReply{complete: complete, arrived: make(chan struct{})}

	s.mutex.Lock()
	s.awaitingLate[command] = late
	s.mutex.Unlock()

	go func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()

		select {
		case <-late.arrived:
		case <-timer.C:
			s.logger.Debug().Str("command", command).Msg("Abandoned reply never arrived, releasing lane")
		case <-s.done:
		}

		s.mutex.Lock()
		if s.awaitingLate[command] == late {
			delete(s.awaitingLate, command)
		}
		s.mutex.Unlock()
		release()
	}()
}

// consumeLate reports whether msg belongs to an abandoned request and frees
// the lane once the last frame of that reply is in
func (s *Session) consumeLate(msg protocol.Message) bool {
	s.mutex.Lock()
	late, ok := s.awaitingLate[msg.Command]
	s.mutex.Unlock()
	if !ok {
		return false
	}

	if late.complete == nil || late.complete(msg) {
		s.mutex.Lock()
		if s.awaitingLate[msg.Command] == late {
			delete(s.awaitingLate, msg.Command)
		}
		s.mutex.Unlock()
		late.finish()
	}
	return true
}

// releaseLanes frees every lane held for an abandoned reply; a new
// connection never carries them
func (s *Session) releaseLanes() {
	s.mutex.Lock()
	held := s.awaitingLate
	s.awaitingLate = make(map[string]*lateReply)
	s.mutex.Unlock()

	for _, late := range held {
		late.finish()
	}
}

// Subscribe registers a stream and issues it. Subscribing to a name that is
// already live returns the existing subscription.
func (s *Session) Subscribe(ctx context.Context, stream Stream) (*registry.Subscription, error) {
	if stream.Name == "" || stream.Command == "" {
		return nil, fmt.Errorf("subscription name and command are required")
	}
	if sub, ok := s.subs.GetByName(stream.Name); ok {
		return sub, nil
	}
	if err := s.ready(); err != nil {
		return nil, err
	}

	route := stream.Route
	if route == "" {
		route = stream.Command
	}

	frame := protocol.Frame(stream.Command, stream.SubCommand, stream.Params...)
	issue := func(ctx context.Context) error {
		return s.manager.Send(ctx, frame)
	}

	var opts []registry.Option
	if stream.Handler != nil {
		handler := stream.Handler
		opts = append(opts, registry.WithHandler(func(v any) {
			if msg, ok := v.(protocol.Message); ok {
				handler(msg)
			}
		}))
	}
	if stream.Event != "" {
		opts = append(opts, registry.WithEvent(stream.Event))
	}

	s.mutex.Lock()
	if owner, taken := s.routes[route]; taken {
		s.mutex.Unlock()
		return nil, fmt.Errorf("%w: %s (subscription %d)", ErrRouteTaken, route, owner)
	}
	sub, err := s.subs.Add(s.ids.Next(), stream.Name, issue, stream.Cancel, opts...)
	if err != nil {
		s.mutex.Unlock()
		return nil, err
	}
	s.routes[route] = sub.ID
	s.mutex.Unlock()

	s.subs.SetStatus(sub.ID, registry.StatusPendingStartup)
	if err := issue(ctx); err != nil {
		s.dropSubscription(sub)
		return nil, fmt.Errorf("failed to subscribe %s: %w", stream.Name, err)
	}
	s.subs.SetStatus(sub.ID, registry.StatusRunning)
	s.options.Metrics.SetSubscriptions(s.subs.Len())

	s.logger.Info().
		Uint64("request_id", sub.ID).
		Str("name", sub.Name).
		Str("route", route).
		Msg("Subscribed")
	return sub, nil
}

// Unsubscribe removes the named subscription and runs its cancel action
func (s *Session) Unsubscribe(ctx context.Context, name string) error {
	sub, ok := s.subs.GetByName(name)
	if !ok {
		return fmt.Errorf("%w: subscription %s", registry.ErrUnknownCorrelation, name)
	}
	s.dropSubscription(sub)
	s.options.Metrics.SetSubscriptions(s.subs.Len())

	if sub.Cancel == nil || s.ready() != nil {
		return nil
	}
	if err := sub.Cancel(ctx); err != nil {
		return fmt.Errorf("failed to cancel %s on terminal: %w", name, err)
	}
	s.logger.Info().Uint64("request_id", sub.ID).Str("name", name).Msg("Unsubscribed")
	return nil
}

func (s *Session) dropSubscription(sub *registry.Subscription) {
	s.mutex.Lock()
	for route, id := range s.routes {
		if id == sub.ID {
			delete(s.routes, route)
		}
	}
	s.mutex.Unlock()
	s.subs.Remove(sub.ID)
}

// route hands one decoded frame to the pending request for its command or to
// the subscription owning its route key. Replies never feed subscriptions and
// pushes never complete requests. Frames of OriginAny try the request first.
func (s *Session) route(p *pipeline.Pipeline, msg protocol.Message) error {
	if msg.IsReply() {
		if req, ok := s.requests.GetByName(msg.Command); ok {
			if err := s.requests.Append(req.ID, msg); err != nil {
				return err
			}
			s.mutex.Lock()
			complete := s.completions[req.ID]
			s.mutex.Unlock()

			if complete == nil || complete(msg) {
				s.requests.End(req.ID)
			}
			return nil
		}
	}

	if msg.IsPush() {
		if sub, ok := s.subscriptionFor(msg); ok {
			return s.deliver(p, sub, msg)
		}
	}

	if msg.IsReply() {
		if s.consumeLate(msg) {
			return fmt.Errorf("%w: %s", registry.ErrLateFrame, msg.Command)
		}
		if _, ok := s.requests.Resolved(msg.Command); ok {
			return fmt.Errorf("%w: %s", registry.ErrLateFrame, msg.Command)
		}
	}
	return fmt.Errorf("%w: %s", registry.ErrUnknownCorrelation, msg.Command)
}

// deliver records a push and queues its handler and event behind the
// dispatch loop
func (s *Session) deliver(p *pipeline.Pipeline, sub *registry.Subscription, msg protocol.Message) error {
	if err := s.subs.UpdateLast(sub.ID, msg); err != nil {
		return err
	}

	handler, event := sub.Handler, sub.Event
	if handler == nil && event == "" {
		return nil
	}
	task := func() {
		if handler != nil {
			handler(msg)
		}
		if event != "" {
			s.bus.Publish(event, msg)
		}
	}
	if !p.Submit(task) {
		s.logger.Debug().Str("name", sub.Name).Msg("Handler queue closed, push not delivered")
	}
	return nil
}

func (s *Session) subscriptionFor(msg protocol.Message) (*registry.Subscription, bool) {
	s.mutex.Lock()
	id, ok := s.routes[msg.Command+":"+msg.Field(0)]
	if !ok {
		id, ok = s.routes[msg.Command]
	}
	s.mutex.Unlock()

	if !ok {
		return nil, false
	}
	return s.subs.Get(id)
}

// Messages converts accumulated request values back to messages
func Messages(values []any) []protocol.Message {
	out := make([]protocol.Message, 0, len(values))
	for _, v := range values {
		if msg, ok := v.(protocol.Message); ok {
			out = append(out, msg)
		}
	}
	return out
}

func values(msgs []protocol.Message) []any {
	if msgs == nil {
		return nil
	}
	out := make([]any, len(msgs))
	for i, msg := range msgs {
		out[i] = msg
	}
	return out
}
