// Package service implements the domain state container: the single
// owner of all in-memory entity collections, the mutation protocol
// against the cloud gateway with local fallback, and the incident
// lifecycle on top of it.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/autocontrolpro/edge-agent-go/internal/domain"
	"github.com/autocontrolpro/edge-agent-go/internal/infra/observability"
	"github.com/autocontrolpro/edge-agent-go/internal/port"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("service/container")

// Fallback store keys for session state. Collection keys live on the
// collections themselves.
const (
	keyToken         = "token"
	keyCurrentUser   = "currentUser"
	keyOfflineCreds  = "offlineCredentials"
	keyEstablishment = "establishmentInfo"
)

// collection owns one entity type: its in-memory items, its fallback
// store key and its cloud REST path.
//
// opMu serializes mutations per collection, including the
// read-modify-write cycle against the fallback store, so two
// overlapping mutations can never clobber each other's persisted
// array. stateMu only guards the in-memory slice swap, keeping reads
// cheap while a mutation is waiting on the network.
type collection[T any] struct {
	key  string // fallback store key, also the metric label
	path string // cloud REST base path
	noun string // user-facing name, e.g. "registro de recepción"
	id   func(T) string

	opMu    sync.Mutex
	stateMu sync.RWMutex
	items   []T
}

func (c *collection[T]) list() []T {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	out := make([]T, len(c.items))
	copy(out, c.items)
	return out
}

func (c *collection[T]) replace(items []T) {
	c.stateMu.Lock()
	c.items = items
	c.stateMu.Unlock()
}

func (c *collection[T]) find(id string) (T, bool) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	for _, item := range c.items {
		if c.id(item) == id {
			return item, true
		}
	}
	var zero T
	return zero, false
}

// Container is the domain state container. All reads for display go
// through its in-memory collections; the fallback store is written by
// the container only and read back only on fallback or bootstrap.
type Container struct {
	gw       port.Gateway
	store    port.FallbackStore
	notifier port.Notifier
	metrics  *observability.Metrics
	logger   *zap.Logger
	validate *validator.Validate

	sessionMu sync.RWMutex
	session   domain.Session

	users      *collection[domain.User]
	deliveries *collection[domain.DeliveryRecord]
	storages   *collection[domain.StorageRecord]
	cleanings  *collection[domain.DailyCleaningRecord]
	outgoings  *collection[domain.OutgoingRecord]
	elaborated *collection[domain.ElaboratedRecord]
	sheets     *collection[domain.TechnicalSheet]
	costings   *collection[domain.Costing]
	incidents  *collection[domain.Incident]

	// estOpMu serializes establishment saves the way opMu does for
	// collections; estMu only guards the in-memory value.
	estOpMu       sync.Mutex
	estMu         sync.RWMutex
	establishment domain.EstablishmentInfo
}

// NewContainer wires the state container. The unauthorized hook on the
// concrete gateway (when present) is registered so a 401 anywhere
// tears the session down even for calls that bypass the container's
// own error handling.
func NewContainer(gw port.Gateway, store port.FallbackStore, notifier port.Notifier, metrics *observability.Metrics, logger *zap.Logger) *Container {
	c := &Container{
		gw:       gw,
		store:    store,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
		validate: validator.New(),

		users:      &collection[domain.User]{key: "users", path: "/api/users", noun: "usuario", id: func(u domain.User) string { return u.ID }},
		deliveries: &collection[domain.DeliveryRecord]{key: "deliveryRecords", path: "/api/records/delivery", noun: "registro de recepción", id: func(r domain.DeliveryRecord) string { return r.ID }},
		storages:   &collection[domain.StorageRecord]{key: "storageRecords", path: "/api/records/storage", noun: "registro de temperatura", id: func(r domain.StorageRecord) string { return r.ID }},
		cleanings:  &collection[domain.DailyCleaningRecord]{key: "cleaningRecords", path: "/api/records/cleaning", noun: "registro de limpieza", id: func(r domain.DailyCleaningRecord) string { return r.ID }},
		outgoings:  &collection[domain.OutgoingRecord]{key: "outgoingRecords", path: "/api/records/outgoing", noun: "registro de salida", id: func(r domain.OutgoingRecord) string { return r.ID }},
		elaborated: &collection[domain.ElaboratedRecord]{key: "elaboratedRecords", path: "/api/records/elaborated", noun: "registro de elaboración", id: func(r domain.ElaboratedRecord) string { return r.ID }},
		sheets:     &collection[domain.TechnicalSheet]{key: "technicalSheets", path: "/api/technical-sheets", noun: "ficha técnica", id: func(s domain.TechnicalSheet) string { return s.ID }},
		costings:   &collection[domain.Costing]{key: "costings", path: "/api/costings", noun: "escandallo", id: func(cs domain.Costing) string { return cs.ID }},
		incidents:  &collection[domain.Incident]{key: "incidents", path: "/api/incidents", noun: "incidencia", id: func(in domain.Incident) string { return in.ID }},
	}

	if hooked, ok := gw.(interface{ OnUnauthorized(func()) }); ok {
		hooked.OnUnauthorized(func() { c.teardownSession(false) })
	}
	return c
}

// localID builds a locally-unique id for entities created while the
// backend is unreachable. The random suffix keeps ids distinct even
// when several records are created within the same millisecond.
func localID() string {
	return fmt.Sprintf("local-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// ============================================================
// The mutation protocol
// ============================================================

// mutation describes one collection mutation for mutateWithFallback.
//
// remote attempts the gateway call and, on success, returns how to
// apply the server-confirmed result to the in-memory array. local is
// the equivalent mutation applied to the persisted array when the
// backend is unavailable.
type mutation[T any] struct {
	op     string
	remote func(ctx context.Context) (func([]T) []T, error)
	local  func([]T) []T

	// prepare, when set, recomputes the mutation's inputs from the
	// current collection state. It runs inside the collection's
	// critical section, before the gateway call; an error aborts the
	// mutation with no side effects.
	prepare func() error

	successTitle string
	successMsg   string
	errorTitle   string
}

// mutateWithFallback is the single implementation of the three-way
// mutation protocol:
//
//  1. gateway call succeeds → server result is the source of truth;
//  2. gateway unavailable → read-modify-write the persisted array in
//     the fallback store and mirror it in memory;
//  3. application error (4xx/5xx with a body) → surface the server
//     message verbatim, change nothing, never fall back;
//
// plus the session rule: a 401 tears down the session and never falls
// back (a policy rejection is not unavailability).
func mutateWithFallback[T any](ctx context.Context, c *Container, col *collection[T], m mutation[T]) error {
	ctx, span := tracer.Start(ctx, "Container."+col.key+"."+m.op)
	defer span.End()

	start := time.Now()
	defer func() {
		c.metrics.RecordRequestDuration(col.key+"."+m.op, time.Since(start))
	}()

	col.opMu.Lock()
	defer col.opMu.Unlock()

	if m.prepare != nil {
		if err := m.prepare(); err != nil {
			return err
		}
	}

	apply, err := m.remote(ctx)

	switch {
	case err == nil:
		next := apply(col.list())
		col.replace(next)
		c.mirrorCollection(col.key, next)
		c.metrics.IncrMutation(col.key, observability.OutcomeServer)
		c.notify(domain.NotificationSuccess, m.successTitle, m.successMsg)
		return nil

	case isUnavailable(err):
		c.metrics.IncrGatewayError("unavailable")
		c.logger.Warn("gateway unavailable, using local fallback",
			zap.String("collection", col.key),
			zap.String("op", m.op),
			zap.Error(err),
		)

		persisted, loadErr := loadCollection[T](c.store, col.key)
		if loadErr != nil {
			c.metrics.IncrMutation(col.key, observability.OutcomeError)
			c.notify(domain.NotificationError, m.errorTitle, "No se pudo acceder al almacenamiento local")
			return loadErr
		}
		next := m.local(persisted)
		if putErr := persistCollection(c.store, col.key, next); putErr != nil {
			c.metrics.IncrMutation(col.key, observability.OutcomeError)
			c.notify(domain.NotificationError, m.errorTitle, "No se pudo guardar en el almacenamiento local")
			return putErr
		}
		col.replace(next)
		c.metrics.IncrMutation(col.key, observability.OutcomeFallback)
		c.metrics.IncrFallbackWrite(col.key)
		c.notify(domain.NotificationSuccess, m.successTitle, m.successMsg+" (guardado localmente, pendiente de sincronizar)")
		return nil

	case isUnauthorized(err):
		c.metrics.IncrGatewayError("unauthorized")
		c.metrics.IncrMutation(col.key, observability.OutcomeError)
		c.teardownSession(false)
		c.notify(domain.NotificationError, "Sesión expirada", "Vuelve a iniciar sesión para continuar")
		return err

	default:
		// Application error: the backend answered, so its message is
		// surfaced verbatim and nothing is written anywhere.
		c.metrics.IncrGatewayError("backend")
		c.metrics.IncrMutation(col.key, observability.OutcomeError)
		c.notify(domain.NotificationError, m.errorTitle, err.Error())
		return err
	}
}

// addEntity runs the add protocol for one collection. On the server
// path the returned entity is the server's; on the fallback path it is
// the input stamped with a local id.
func addEntity[T any](ctx context.Context, c *Container, col *collection[T], input T, assignLocalID func(*T)) (T, error) {
	var created T
	err := mutateWithFallback(ctx, c, col, mutation[T]{
		op: "add",
		remote: func(ctx context.Context) (func([]T) []T, error) {
			var out T
			if err := c.gw.Post(ctx, col.path, input, &out); err != nil {
				return nil, err
			}
			created = out
			return func(items []T) []T { return append(items, out) }, nil
		},
		local: func(items []T) []T {
			e := input
			assignLocalID(&e)
			created = e
			return append(items, e)
		},
		successTitle: "Registro guardado",
		successMsg:   fmt.Sprintf("Se ha guardado el %s", col.noun),
		errorTitle:   "No se pudo guardar",
	})
	return created, err
}

// deleteEntity runs the delete protocol: the id is filtered out of the
// in-memory collection and, when falling back, of the persisted array.
func deleteEntity[T any](ctx context.Context, c *Container, col *collection[T], id string) error {
	if _, ok := col.find(id); !ok {
		return &domain.ErrNotFound{Resource: col.key, ID: id}
	}

	without := func(items []T) []T {
		kept := make([]T, 0, len(items))
		for _, item := range items {
			if col.id(item) != id {
				kept = append(kept, item)
			}
		}
		return kept
	}

	return mutateWithFallback(ctx, c, col, mutation[T]{
		op: "delete",
		remote: func(ctx context.Context) (func([]T) []T, error) {
			if err := c.gw.Delete(ctx, col.path+"/"+id); err != nil {
				return nil, err
			}
			return without, nil
		},
		local:        without,
		successTitle: "Registro eliminado",
		successMsg:   fmt.Sprintf("Se ha eliminado el %s", col.noun),
		errorTitle:   "No se pudo eliminar",
	})
}

// updateEntity runs the update protocol. The next value is composed
// from the current one inside the collection's critical section, so
// two overlapping updates on the same entity never both start from
// the same stale snapshot. The server echo wins on the remote path;
// the composed value is used verbatim on the fallback path.
func updateEntity[T any](ctx context.Context, c *Container, col *collection[T], id string, compose func(current T) (T, error)) (T, error) {
	replaceWith := func(v T) func([]T) []T {
		return func(items []T) []T {
			out := make([]T, 0, len(items))
			replaced := false
			for _, item := range items {
				if col.id(item) == id {
					out = append(out, v)
					replaced = true
					continue
				}
				out = append(out, item)
			}
			if !replaced {
				out = append(out, v)
			}
			return out
		}
	}

	var next T
	var updated T
	err := mutateWithFallback(ctx, c, col, mutation[T]{
		op: "update",
		prepare: func() error {
			current, ok := col.find(id)
			if !ok {
				return &domain.ErrNotFound{Resource: col.key, ID: id}
			}
			n, err := compose(current)
			if err != nil {
				return err
			}
			next = n
			return nil
		},
		remote: func(ctx context.Context) (func([]T) []T, error) {
			var out T
			if err := c.gw.Put(ctx, col.path+"/"+id, next, &out); err != nil {
				return nil, err
			}
			updated = out
			return replaceWith(out), nil
		},
		local: func(items []T) []T {
			updated = next
			return replaceWith(next)(items)
		},
		successTitle: "Registro actualizado",
		successMsg:   fmt.Sprintf("Se ha actualizado el %s", col.noun),
		errorTitle:   "No se pudo actualizar",
	})
	return updated, err
}

// ============================================================
// Fallback store helpers
// ============================================================

func loadCollection[T any](s port.FallbackStore, key string) ([]T, error) {
	raw, err := s.Get(key)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return []T{}, nil
	}
	var items []T
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode persisted %s: %w", key, err)
	}
	return items, nil
}

func persistCollection[T any](s port.FallbackStore, key string, items []T) error {
	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Put(key, raw)
}

// mirrorCollection keeps the fallback store fresh after successful
// server operations so a later offline restart sees current data.
// Best-effort: a failed mirror write must not fail the mutation that
// already succeeded on the server.
func (c *Container) mirrorCollection(key string, items any) {
	raw, err := json.Marshal(items)
	if err != nil {
		c.logger.Error("mirror: encode failed", zap.String("collection", key), zap.Error(err))
		return
	}
	if err := c.store.Put(key, raw); err != nil {
		c.logger.Error("mirror: store write failed", zap.String("collection", key), zap.Error(err))
	}
}

// ============================================================
// Notifications
// ============================================================

// notify dispatches a user-facing notification. A panicking notifier
// must never break the mutation that triggered it, so any panic is
// caught and downgraded to a log line.
func (c *Container) notify(level domain.NotificationLevel, title, message string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("notification dispatch panicked",
				zap.Any("panic", r),
				zap.String("title", title),
				zap.String("message", message),
			)
		}
	}()
	c.metrics.IncrNotification(string(level))
	c.notifier.Notify(domain.Notification{
		Level:   level,
		Title:   title,
		Message: message,
		At:      time.Now(),
	})
}

// ============================================================
// Error classification
// ============================================================

func isUnavailable(err error) bool {
	var e *domain.ErrUnavailable
	return errors.As(err, &e)
}

func isUnauthorized(err error) bool {
	var e *domain.ErrUnauthorized
	return errors.As(err, &e)
}

// validationError converts a validator error into the domain's
// validation error with the first offending field.
func (c *Container) validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return &domain.ErrValidation{
			Field:   verrs[0].Field(),
			Message: fmt.Sprintf("falta o no es válido (%s)", verrs[0].Tag()),
		}
	}
	return &domain.ErrValidation{Field: "input", Message: err.Error()}
}
