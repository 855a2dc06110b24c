package bridge

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	nepsign "github.com/wippyai/nep-sign"
	"github.com/wippyai/nep-sign/errors"
)

const tracerName = "github.com/wippyai/nep-sign/bridge"

// DefaultClass is the Java class that declares the signing natives.
const DefaultClass = "com/netease/nep/Tools"

// Config configures a Bridge.
type Config struct {
	// Offsets are used when OffsetTable has no entry for the loaded build.
	Offsets     Offsets
	OffsetTable *OffsetTable
	CallOuts    map[string]StandIn

	Class string

	// ExpectedBuild, when set, is compared against the loaded build ID.
	// A mismatch is only logged.
	ExpectedBuild string

	// CallTimeout bounds every guest call. 0 disables the bound.
	CallTimeout time.Duration

	// ReloadOnAbort poisons the bridge after a guest trap so the next
	// request reloads the module first. Timeouts and cancellations close the
	// module and always poison.
	ReloadOnAbort bool
}

// DefaultConfig returns the configuration for the stock library build.
func DefaultConfig() Config {
	return Config{
		Class: DefaultClass,
		Offsets: Offsets{
			OpPost: 0x200b0c,
			OpGet:  0x20068c,
		},
		CallTimeout:   10 * time.Second,
		ReloadOnAbort: true,
	}
}

type counters struct {
	requests  int
	fallbacks int
	aborts    int
	reloads   int
}

// Bridge owns one guest VM and serializes every request against it.
type Bridge struct {
	vm           GuestVM
	poisoned     error
	tracer       trace.Tracer
	load         Loader
	resolver     *Resolver
	shim         *Shim
	offsetSource string
	init         InitStatus
	cfg          Config
	stats        counters
	mu           sync.Mutex
	closed       bool
}

// New loads the guest and runs its initializer. A load failure is returned;
// an initializer failure is logged and recorded in Stats.
func New(ctx context.Context, cfg Config, load Loader) (*Bridge, error) {
	if load == nil {
		return nil, errors.InvalidInput(errors.PhaseLoad, "nil loader")
	}
	if cfg.Class == "" {
		cfg.Class = DefaultClass
	}

	b := &Bridge{
		cfg:    cfg,
		load:   load,
		shim:   NewShim(nil, cfg.CallOuts),
		tracer: otel.Tracer(tracerName),
	}

	vm, err := load(ctx)
	if err != nil {
		return nil, err
	}
	b.attach(ctx, vm)
	return b, nil
}

// attach installs vm as the active guest: offsets, shim, initializer.
func (b *Bridge) attach(ctx context.Context, vm GuestVM) {
	mod := vm.Module()
	offsets, source := b.cfg.OffsetTable.Select(mod.BuildID, b.cfg.Offsets)
	if b.cfg.ExpectedBuild != "" && b.cfg.ExpectedBuild != mod.BuildID {
		Logger().Warn("module build differs from the expected build, offsets may be wrong",
			zap.String("expected", b.cfg.ExpectedBuild),
			zap.String("loaded", mod.BuildID))
	}

	b.vm = vm
	b.resolver = NewResolver(mod, offsets)
	b.offsetSource = source
	vm.SetCallOutHandler(b.shim)

	Logger().Info("guest attached",
		zap.Stringer("module", mod),
		zap.Stringer("offsets", offsets),
		zap.String("offset_source", source))

	ictx, cancel := b.timeout(ctx)
	defer cancel()
	b.init = b.resolver.Initialize(ictx, vm)
	if ClosesGuest(b.init.Err) {
		b.poisoned = b.init.Err
	}
}

func (b *Bridge) timeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.cfg.CallTimeout)
}

// reload replaces a poisoned guest with a fresh one.
func (b *Bridge) reload(ctx context.Context) error {
	cause := b.poisoned
	Logger().Info("reloading guest", zap.NamedError("cause", cause))

	if b.vm != nil {
		if err := b.vm.Close(ctx); err != nil {
			Logger().Warn("closing poisoned guest", zap.Error(err))
		}
		b.vm = nil
	}

	vm, err := b.load(ctx)
	if err != nil {
		Logger().Error("reload failed, bridge stays poisoned", zap.Error(err))
		return errors.Poisoned(err)
	}
	b.poisoned = nil
	b.stats.reloads++
	b.attach(ctx, vm)
	if b.poisoned != nil {
		return errors.Poisoned(b.poisoned)
	}
	return nil
}

func (b *Bridge) shouldPoison(err error) bool {
	if ClosesGuest(err) {
		return true
	}
	return errors.KindOf(err) == errors.KindTrap && b.cfg.ReloadOnAbort
}

// Session is the view of the bridge handed to one request.
type Session struct {
	ctx context.Context
	// guest carries ctx values without its cancellation. The engine closes
	// the module when a call context ends, so only CallTimeout may end it.
	guest context.Context
	b     *Bridge
	vm    GuestVM
	scope *Scope
	path  Path
}

// Context returns the request context.
func (s *Session) Context() context.Context {
	return s.ctx
}

// ToGuest marshals a string into the request scope.
func (s *Session) ToGuest(text string) (nepsign.Ref, error) {
	return s.scope.ToGuest(text)
}

// ToGuestMap marshals a map into the request scope. nil is null.
func (s *Session) ToGuestMap(m map[string]string) (nepsign.Ref, error) {
	return s.scope.ToGuestMap(m)
}

// FromGuest decodes a returned reference.
func (s *Session) FromGuest(ref nepsign.Ref) (string, bool, error) {
	return s.scope.FromGuest(ref)
}

// Invoke calls the named operation with already marshalled arguments.
func (s *Session) Invoke(op string, args ...nepsign.Ref) (nepsign.Ref, error) {
	o, ok := Operations[op]
	if !ok {
		return 0, errors.NotFound(errors.PhaseResolve, "operation", op)
	}
	return s.invoke(o, args...)
}

// Path reports which call path produced the last Invoke result.
func (s *Session) Path() Path {
	return s.path
}

// Do runs fn with exclusive access to the guest. Everything fn allocates is
// released when it returns, whatever the outcome. A poisoned bridge is
// reloaded before fn runs.
//
// ctx is checked once the lock is held: a request canceled while it waited
// fails without touching the guest. After that point guest calls are bound
// by CallTimeout only, so a caller going away cannot close the module.
func (b *Bridge) Do(ctx context.Context, name string, fn func(*Session) error) (err error) {
	ctx, span := b.tracer.Start(ctx, "bridge."+name, trace.WithSpanKind(trace.SpanKindInternal))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.New(errors.PhaseRuntime, errors.KindClosed).Detail("bridge is closed").Build()
	}
	if cerr := ctx.Err(); cerr != nil {
		return errors.New(errors.PhaseRuntime, errors.KindCanceled).
			Op(name).
			Detail("request canceled before reaching the guest").
			Cause(cerr).
			Build()
	}

	guest := context.WithoutCancel(ctx)
	if b.poisoned != nil {
		if err := b.reload(guest); err != nil {
			return err
		}
	}

	b.stats.requests++
	s := &Session{ctx: ctx, guest: guest, b: b, vm: b.vm, scope: OpenScope(b.vm)}
	defer func() {
		released, cerr := s.scope.Close()
		if cerr != nil {
			Logger().Error("closing request scope", zap.Error(cerr))
		}
		span.SetAttributes(
			attribute.String("nepsign.path", string(s.path)),
			attribute.Int("nepsign.released", released))
	}()

	err = fn(s)
	if err != nil && b.shouldPoison(err) {
		b.poisoned = err
		b.stats.aborts++
		Logger().Warn("guest call aborted, bridge poisoned",
			zap.String("op", name),
			zap.Error(err))
	}
	return err
}

// Stats is a snapshot of the bridge state.
type Stats struct {
	Init         InitStatus
	Offsets      Offsets
	OffsetSource string
	CallOuts     []CallOutCount
	Module       nepsign.Module
	LiveObjects  int
	Requests     int
	Fallbacks    int
	Aborts       int
	Reloads      int
	Poisoned     bool
}

// Stats returns a snapshot. It waits for any request in flight.
func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Stats{
		Init:         b.init,
		OffsetSource: b.offsetSource,
		CallOuts:     b.shim.Counts(),
		Requests:     b.stats.requests,
		Fallbacks:    b.stats.fallbacks,
		Aborts:       b.stats.aborts,
		Reloads:      b.stats.reloads,
		Poisoned:     b.poisoned != nil,
	}
	if b.resolver != nil {
		st.Module = b.resolver.Module()
		st.Offsets = b.resolver.Offsets()
	}
	if b.vm != nil {
		st.LiveObjects = b.vm.LiveObjects()
	}
	return st
}

// Resolve returns the direct address of an operation on the current guest.
func (b *Bridge) Resolve(op string) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.resolver == nil {
		return 0, errors.NotInitialized(errors.PhaseResolve, "resolver")
	}
	return b.resolver.Resolve(op)
}

// Close shuts the guest down. Requests after Close fail.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	if b.vm == nil {
		return nil
	}
	err := b.vm.Close(ctx)
	b.vm = nil
	return err
}
