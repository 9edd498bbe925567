package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"chainline/internal/access"
	"chainline/internal/domain"
	"chainline/internal/schema"
	"chainline/internal/taskqueue"
)

// Well-known names.
const (
	// ActionAvailableActions is served from the routing table directly,
	// without service lookup.
	ActionAvailableActions = "get_available_actions"

	// registrySelf is the owning service recorded for internal actions.
	registrySelf = "action_hub"

	// secureQueue is the default lane for externally-originated dispatches.
	secureQueue = "action"

	// internalQueue is the default lane for internal dispatches.
	internalQueue = "common"
)

// HandlerFunc is a single action implementation on a service. A returned
// error (or a panic) is converted to an INTERNAL_ERROR envelope at the
// dispatch boundary; it never propagates past the registry.
type HandlerFunc func(ctx context.Context, data map[string]any) (domain.Envelope, error)

// Service is implemented by every registered plugin service. Handlers are
// resolved through an explicit map, never reflection.
type Service interface {
	Handler(action string) (HandlerFunc, bool)
}

// ActionSpec is the declared schema of one action, loaded from plugin
// metadata; immutable once registered.
type ActionSpec struct {
	Description string                  `json:"description,omitempty" yaml:"description"`
	Input       schema.InputSchema      `json:"input,omitempty" yaml:"input"`
	Output      map[string]schema.Field `json:"output,omitempty" yaml:"output"`
	AccessRules []string                `json:"access_rules,omitempty" yaml:"access_rules"`
}

// PluginInfo is a service's declared action block.
type PluginInfo struct {
	Actions map[string]ActionSpec `json:"actions" yaml:"actions"`
}

// InfoProvider supplies plugin metadata at registration time.
type InfoProvider interface {
	PluginInfo(service string) (PluginInfo, bool)
}

// InfoProviderFunc adapts a function to the InfoProvider interface.
type InfoProviderFunc func(service string) (PluginInfo, bool)

func (f InfoProviderFunc) PluginInfo(service string) (PluginInfo, bool) { return f(service) }

type route struct {
	service string
	spec    ActionSpec
}

// ExecOptions control queueing and result observation of a dispatch.
type ExecOptions struct {
	Queue         string
	FireAndForget bool
	ReturnFuture  bool
}

// Registry holds the service map and the action routing table, and runs every
// dispatch through the task manager. Registration and dispatch can race, so
// the maps are guarded by a RWMutex.
type Registry struct {
	mu       sync.RWMutex
	services map[string]Service
	routes   map[string]route

	info   InfoProvider
	access *access.Validator
	tasks  *taskqueue.Manager
	log    *slog.Logger
}

// New builds a Registry. If the info provider declares actions for the
// registry itself ("action_hub"), they are routed internally.
func New(info InfoProvider, validator *access.Validator, tasks *taskqueue.Manager, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		services: make(map[string]Service),
		routes:   make(map[string]route),
		info:     info,
		access:   validator,
		tasks:    tasks,
		log:      logger,
	}
	r.addInternalActions()
	return r
}

func (r *Registry) addInternalActions() {
	if r.info == nil {
		return
	}
	pi, ok := r.info.PluginInfo(registrySelf)
	if !ok {
		return
	}
	for name, spec := range pi.Actions {
		r.routes[name] = route{service: registrySelf, spec: spec}
	}
}

// Register stores a service instance and inserts one routing entry per action
// it declares. A colliding action name is overwritten, last-registered wins.
func (r *Registry) Register(serviceName string, svc Service) bool {
	if serviceName == "" || svc == nil {
		r.log.Error("invalid service registration", "service", serviceName)
		return false
	}
	var pi PluginInfo
	if r.info != nil {
		pi, _ = r.info.PluginInfo(serviceName)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[serviceName] = svc
	if len(pi.Actions) == 0 {
		r.log.Info("service has no declared actions", "service", serviceName)
		return true
	}
	for name, spec := range pi.Actions {
		if existing, ok := r.routes[name]; ok {
			r.log.Warn("action already mapped, overwriting",
				"action", name, "previous", existing.service, "service", serviceName)
		}
		r.routes[name] = route{service: serviceName, spec: spec}
	}
	return true
}

// Unregister removes a service and every routing entry pointing to it.
func (r *Registry) Unregister(serviceName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[serviceName]; !ok {
		r.log.Warn("service not registered", "service", serviceName)
		return false
	}
	delete(r.services, serviceName)
	for name, rt := range r.routes {
		if rt.service == serviceName {
			delete(r.routes, name)
		}
	}
	return true
}

// ActionSpecFor returns the declared spec of an action, if routed.
func (r *Registry) ActionSpecFor(actionName string) (ActionSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.routes[actionName]
	return rt.spec, ok
}

// ExecuteAction dispatches an action through the task manager (internal
// calls; no access validation). The returned Completion is non-nil only when
// opts.ReturnFuture is set.
func (r *Registry) ExecuteAction(ctx context.Context, actionName string, data map[string]any, opts ExecOptions) (domain.Envelope, *taskqueue.Completion) {
	if data == nil {
		data = map[string]any{}
	}
	if opts.Queue == "" {
		opts.Queue = internalQueue
	}
	taskID := fmt.Sprintf("action_%s_%s", actionName, uuid.NewString())
	work := func(workCtx context.Context) (domain.Envelope, error) {
		return r.executeDirect(workCtx, actionName, data), nil
	}
	return r.tasks.Submit(ctx, taskID, work, taskqueue.SubmitOptions{
		Queue:         opts.Queue,
		FireAndForget: opts.FireAndForget,
		ReturnFuture:  opts.ReturnFuture,
	})
}

// ExecuteActionSecure validates access before anything is enqueued, so
// rejected calls never occupy a queue slot. Defaults to the dedicated
// "action" lane.
func (r *Registry) ExecuteActionSecure(ctx context.Context, actionName string, data map[string]any, opts ExecOptions) (domain.Envelope, *taskqueue.Completion) {
	if data == nil {
		data = map[string]any{}
	}
	if env := r.validateAccess(actionName, data); !env.IsSuccess() {
		if opts.ReturnFuture {
			return domain.Envelope{}, taskqueue.Resolved(env)
		}
		return env, nil
	}
	if opts.Queue == "" {
		opts.Queue = secureQueue
	}
	return r.ExecuteAction(ctx, actionName, data, opts)
}

func (r *Registry) validateAccess(actionName string, data map[string]any) domain.Envelope {
	spec, ok := r.ActionSpecFor(actionName)
	if !ok {
		// Unrouted actions fail later in the pipeline with NOT_FOUND; access
		// has nothing to say about them.
		return domain.OK()
	}
	if r.access == nil {
		return domain.OK()
	}
	return r.access.ValidateActionAccess(actionName, spec.AccessRules, data)
}

// executeDirect is the dispatch pipeline that runs inside the task manager.
func (r *Registry) executeDirect(ctx context.Context, actionName string, data map[string]any) domain.Envelope {
	if actionName == ActionAvailableActions {
		result := r.availableActions()
		r.logActionResult(actionName, registrySelf, result)
		return result
	}

	r.mu.RLock()
	rt, routed := r.routes[actionName]
	var svc Service
	if routed {
		svc = r.services[rt.service]
	}
	r.mu.RUnlock()

	if !routed {
		result := domain.ErrEnvelope(domain.CodeNotFound, fmt.Sprintf("action %s not found", actionName))
		r.logActionResult(actionName, "unknown", result)
		return result
	}
	if svc == nil {
		result := domain.ErrEnvelope(domain.CodeNotFound, fmt.Sprintf("service %s not registered", rt.service))
		r.logActionResult(actionName, rt.service, result)
		return result
	}

	validated, failure := schema.ValidateInput(rt.spec.Input, data)
	if failure != nil {
		r.logActionResult(actionName, rt.service, *failure)
		return *failure
	}

	handler, ok := svc.Handler(actionName)
	if !ok {
		result := domain.ErrEnvelope(domain.CodeNotFound,
			fmt.Sprintf("handler %s not found in service %s", actionName, rt.service))
		r.logActionResult(actionName, rt.service, result)
		return result
	}

	result := r.invoke(ctx, handler, validated)
	r.logActionResult(actionName, rt.service, result)
	return result
}

// invoke guards the service boundary: errors and panics become INTERNAL_ERROR
// envelopes so a misbehaving service can never crash the dispatcher.
func (r *Registry) invoke(ctx context.Context, handler HandlerFunc, data map[string]any) (result domain.Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			result = domain.ErrEnvelope(domain.CodeInternalError, fmt.Sprintf("handler panic: %v", rec))
		}
	}()
	env, err := handler(ctx, data)
	if err != nil {
		return domain.ErrEnvelope(domain.CodeInternalError, err.Error())
	}
	return env
}

// logActionResult centralizes outcome logging. Success, failed and not_found
// results stay silent to avoid log spam.
func (r *Registry) logActionResult(actionName, serviceName string, result domain.Envelope) {
	switch result.Result {
	case domain.ResultError:
		msg, code := "unknown error", ""
		if result.Error != nil {
			msg, code = result.Error.Message, result.Error.Code
		}
		if code != "" {
			msg = fmt.Sprintf("[%s] %s", code, msg)
		}
		r.log.Error("action completed with error", "action", actionName, "service", serviceName, "error", msg)
	case domain.ResultTimeout:
		msg := "timeout"
		if result.Error != nil {
			msg = result.Error.Message
		}
		r.log.Warn("action completed with timeout", "action", actionName, "service", serviceName, "error", msg)
	case domain.ResultSuccess, domain.ResultFailed, domain.ResultNotFound:
		// Silent: success to avoid spam, failed validation is normal behavior.
	default:
		r.log.Warn("action completed with unknown status", "action", actionName, "service", serviceName, "status", result.Result)
	}
}

// availableActions dumps the routing table.
func (r *Registry) availableActions() domain.Envelope {
	r.mu.RLock()
	defer r.mu.RUnlock()
	actions := make(map[string]any, len(r.routes))
	for name, rt := range r.routes {
		actions[name] = map[string]any{
			"service":     rt.service,
			"description": rt.spec.Description,
			"input":       rt.spec.Input,
			"output":      rt.spec.Output,
		}
	}
	return domain.OKWith(actions)
}

// AvailableActions exposes the routing table dump outside the dispatch path
// (used by the HTTP surface and the CLI).
func (r *Registry) AvailableActions() domain.Envelope {
	return r.availableActions()
}
