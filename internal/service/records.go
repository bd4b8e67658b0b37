package service

import (
	"context"
	"encoding/json"

	"github.com/autocontrolpro/edge-agent-go/internal/domain"
	"github.com/autocontrolpro/edge-agent-go/internal/infra/observability"

	"go.uber.org/zap"
)

// Typed operations over the generic mutation protocol. Each add stamps
// the audit fields from the current session and validates the input
// before anything touches the network.

// ============================================================
// Delivery records
// ============================================================

func (c *Container) DeliveryRecords() []domain.DeliveryRecord { return c.deliveries.list() }

func (c *Container) AddDeliveryRecord(ctx context.Context, in domain.DeliveryRecord) (domain.DeliveryRecord, error) {
	if _, err := c.requireWriter(); err != nil {
		return domain.DeliveryRecord{}, err
	}
	if err := c.validate.Struct(in); err != nil {
		return domain.DeliveryRecord{}, c.validationError(err)
	}
	c.stampAudit(&in.Audit)
	return addEntity(ctx, c, c.deliveries, in, func(r *domain.DeliveryRecord) { r.ID = localID() })
}

func (c *Container) DeleteDeliveryRecord(ctx context.Context, id string) error {
	if _, err := c.requireWriter(); err != nil {
		return err
	}
	return deleteEntity(ctx, c, c.deliveries, id)
}

// ============================================================
// Storage temperature records
// ============================================================

func (c *Container) StorageRecords() []domain.StorageRecord { return c.storages.list() }

func (c *Container) AddStorageRecord(ctx context.Context, in domain.StorageRecord) (domain.StorageRecord, error) {
	if _, err := c.requireWriter(); err != nil {
		return domain.StorageRecord{}, err
	}
	if err := c.validate.Struct(in); err != nil {
		return domain.StorageRecord{}, c.validationError(err)
	}
	in.Compliant = in.TemperatureC >= in.MinAllowedC && in.TemperatureC <= in.MaxAllowedC
	c.stampAudit(&in.Audit)
	return addEntity(ctx, c, c.storages, in, func(r *domain.StorageRecord) { r.ID = localID() })
}

func (c *Container) DeleteStorageRecord(ctx context.Context, id string) error {
	if _, err := c.requireWriter(); err != nil {
		return err
	}
	return deleteEntity(ctx, c, c.storages, id)
}

// ============================================================
// Daily cleaning records
// ============================================================

func (c *Container) CleaningRecords() []domain.DailyCleaningRecord { return c.cleanings.list() }

func (c *Container) AddCleaningRecord(ctx context.Context, in domain.DailyCleaningRecord) (domain.DailyCleaningRecord, error) {
	if _, err := c.requireWriter(); err != nil {
		return domain.DailyCleaningRecord{}, err
	}
	if err := c.validate.Struct(in); err != nil {
		return domain.DailyCleaningRecord{}, c.validationError(err)
	}
	c.stampAudit(&in.Audit)
	return addEntity(ctx, c, c.cleanings, in, func(r *domain.DailyCleaningRecord) { r.ID = localID() })
}

func (c *Container) DeleteCleaningRecord(ctx context.Context, id string) error {
	if _, err := c.requireWriter(); err != nil {
		return err
	}
	return deleteEntity(ctx, c, c.cleanings, id)
}

// ============================================================
// Outgoing records
// ============================================================

func (c *Container) OutgoingRecords() []domain.OutgoingRecord { return c.outgoings.list() }

func (c *Container) AddOutgoingRecord(ctx context.Context, in domain.OutgoingRecord) (domain.OutgoingRecord, error) {
	if _, err := c.requireWriter(); err != nil {
		return domain.OutgoingRecord{}, err
	}
	if err := c.validate.Struct(in); err != nil {
		return domain.OutgoingRecord{}, c.validationError(err)
	}
	c.stampAudit(&in.Audit)
	return addEntity(ctx, c, c.outgoings, in, func(r *domain.OutgoingRecord) { r.ID = localID() })
}

func (c *Container) DeleteOutgoingRecord(ctx context.Context, id string) error {
	if _, err := c.requireWriter(); err != nil {
		return err
	}
	return deleteEntity(ctx, c, c.outgoings, id)
}

// ============================================================
// Elaborated product records
// ============================================================

func (c *Container) ElaboratedRecords() []domain.ElaboratedRecord { return c.elaborated.list() }

func (c *Container) AddElaboratedRecord(ctx context.Context, in domain.ElaboratedRecord) (domain.ElaboratedRecord, error) {
	if _, err := c.requireWriter(); err != nil {
		return domain.ElaboratedRecord{}, err
	}
	if err := c.validate.Struct(in); err != nil {
		return domain.ElaboratedRecord{}, c.validationError(err)
	}
	c.stampAudit(&in.Audit)
	return addEntity(ctx, c, c.elaborated, in, func(r *domain.ElaboratedRecord) { r.ID = localID() })
}

func (c *Container) DeleteElaboratedRecord(ctx context.Context, id string) error {
	if _, err := c.requireWriter(); err != nil {
		return err
	}
	return deleteEntity(ctx, c, c.elaborated, id)
}

// ============================================================
// Technical sheets
// ============================================================

func (c *Container) TechnicalSheets() []domain.TechnicalSheet { return c.sheets.list() }

func (c *Container) AddTechnicalSheet(ctx context.Context, in domain.TechnicalSheet) (domain.TechnicalSheet, error) {
	if _, err := c.requireWriter(); err != nil {
		return domain.TechnicalSheet{}, err
	}
	if err := c.validate.Struct(in); err != nil {
		return domain.TechnicalSheet{}, c.validationError(err)
	}
	c.stampAudit(&in.Audit)
	return addEntity(ctx, c, c.sheets, in, func(s *domain.TechnicalSheet) { s.ID = localID() })
}

func (c *Container) DeleteTechnicalSheet(ctx context.Context, id string) error {
	if _, err := c.requireWriter(); err != nil {
		return err
	}
	return deleteEntity(ctx, c, c.sheets, id)
}

// ============================================================
// Costings
// ============================================================

func (c *Container) Costings() []domain.Costing { return c.costings.list() }

func (c *Container) AddCosting(ctx context.Context, in domain.Costing) (domain.Costing, error) {
	if _, err := c.requireWriter(); err != nil {
		return domain.Costing{}, err
	}
	if err := c.validate.Struct(in); err != nil {
		return domain.Costing{}, c.validationError(err)
	}
	in.TotalCost = 0
	for _, l := range in.Lines {
		in.TotalCost += l.Quantity * l.UnitCost
	}
	if in.SalePrice > 0 {
		in.MarginPct = (in.SalePrice - in.TotalCost) / in.SalePrice * 100
	}
	c.stampAudit(&in.Audit)
	return addEntity(ctx, c, c.costings, in, func(cs *domain.Costing) { cs.ID = localID() })
}

func (c *Container) DeleteCosting(ctx context.Context, id string) error {
	if _, err := c.requireWriter(); err != nil {
		return err
	}
	return deleteEntity(ctx, c, c.costings, id)
}

// ============================================================
// Users
// ============================================================

// Users returns the staff list scoped to the current user's company.
// The backend already scopes by tenant; this projection only protects
// the local UI against a multi-tenant payload.
func (c *Container) Users() []domain.User {
	all := c.users.list()
	s := c.Session()
	if s.CurrentUser == nil || s.CurrentUser.CompanyID == "" {
		return all
	}
	scoped := make([]domain.User, 0, len(all))
	for _, u := range all {
		if u.CompanyID == "" || u.CompanyID == s.CurrentUser.CompanyID {
			scoped = append(scoped, u)
		}
	}
	return scoped
}

func (c *Container) AddUser(ctx context.Context, in domain.User) (domain.User, error) {
	if _, err := c.requireAdmin(); err != nil {
		return domain.User{}, err
	}
	if err := c.validate.Struct(in); err != nil {
		return domain.User{}, c.validationError(err)
	}
	return addEntity(ctx, c, c.users, in, func(u *domain.User) { u.ID = localID() })
}

// UpdateUser composes the patch over the current user record and runs
// the update protocol with the full result. The merge runs under the
// users collection's lock, so concurrent patches to different fields
// of the same user all land.
func (c *Container) UpdateUser(ctx context.Context, id string, patch domain.UserPatch) (domain.User, error) {
	if _, err := c.requireAdmin(); err != nil {
		return domain.User{}, err
	}
	if err := c.validate.Struct(patch); err != nil {
		return domain.User{}, c.validationError(err)
	}
	return updateEntity(ctx, c, c.users, id, func(current domain.User) (domain.User, error) {
		next := current
		if patch.Name != nil {
			next.Name = *patch.Name
		}
		if patch.Email != nil {
			next.Email = *patch.Email
		}
		if patch.Role != nil {
			next.Role = *patch.Role
		}
		if patch.IsActive != nil {
			next.IsActive = *patch.IsActive
		}
		return next, nil
	})
}

func (c *Container) DeleteUser(ctx context.Context, id string) error {
	s, err := c.requireAdmin()
	if err != nil {
		return err
	}
	if s.CurrentUser.ID == id {
		return &domain.ErrForbidden{Action: "eliminar tu propio usuario"}
	}
	return deleteEntity(ctx, c, c.users, id)
}

// ============================================================
// Establishment profile
// ============================================================

func (c *Container) Establishment() domain.EstablishmentInfo {
	c.estMu.RLock()
	defer c.estMu.RUnlock()
	return c.establishment
}

func (c *Container) setEstablishment(info domain.EstablishmentInfo) {
	c.estMu.Lock()
	c.establishment = info
	c.estMu.Unlock()
}

func (c *Container) mirrorEstablishment(info domain.EstablishmentInfo) {
	raw, err := json.Marshal(info)
	if err != nil {
		return
	}
	if err := c.store.Put(keyEstablishment, raw); err != nil {
		c.logger.Error("mirror establishment failed", zap.Error(err))
	}
}

// SaveEstablishment updates the tenant profile. The profile is a
// single object rather than a collection, so it runs its own copy of
// the three-way protocol.
func (c *Container) SaveEstablishment(ctx context.Context, info domain.EstablishmentInfo) (domain.EstablishmentInfo, error) {
	ctx, span := tracer.Start(ctx, "Container.SaveEstablishment")
	defer span.End()

	if _, err := c.requireAdmin(); err != nil {
		return domain.EstablishmentInfo{}, err
	}

	// One save at a time; estMu is taken only for the in-memory swap,
	// so Establishment() reads never wait on the round trip.
	c.estOpMu.Lock()
	defer c.estOpMu.Unlock()

	var saved domain.EstablishmentInfo
	err := c.gw.Post(ctx, "/api/establishment", info, &saved)
	switch {
	case err == nil:
		c.setEstablishment(saved)
		c.mirrorEstablishment(saved)
		c.metrics.IncrMutation(keyEstablishment, observability.OutcomeServer)
		c.notify(domain.NotificationSuccess, "Datos guardados", "Se han actualizado los datos del establecimiento")
		return saved, nil

	case isUnavailable(err):
		c.metrics.IncrGatewayError("unavailable")
		if putErr := c.store.Put(keyEstablishment, mustJSON(info)); putErr != nil {
			c.metrics.IncrMutation(keyEstablishment, observability.OutcomeError)
			c.notify(domain.NotificationError, "No se pudo guardar", "No se pudo guardar en el almacenamiento local")
			return domain.EstablishmentInfo{}, putErr
		}
		c.setEstablishment(info)
		c.metrics.IncrMutation(keyEstablishment, observability.OutcomeFallback)
		c.metrics.IncrFallbackWrite(keyEstablishment)
		c.notify(domain.NotificationSuccess, "Datos guardados", "Se han actualizado los datos del establecimiento (guardado localmente, pendiente de sincronizar)")
		return info, nil

	case isUnauthorized(err):
		c.metrics.IncrGatewayError("unauthorized")
		c.metrics.IncrMutation(keyEstablishment, observability.OutcomeError)
		c.teardownSession(false)
		c.notify(domain.NotificationError, "Sesión expirada", "Vuelve a iniciar sesión para continuar")
		return domain.EstablishmentInfo{}, err

	default:
		c.metrics.IncrGatewayError("backend")
		c.metrics.IncrMutation(keyEstablishment, observability.OutcomeError)
		c.notify(domain.NotificationError, "No se pudo guardar", err.Error())
		return domain.EstablishmentInfo{}, err
	}
}

func mustJSON(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return raw
}

// ============================================================
// Sync status
// ============================================================

// SyncStatus assembles a health snapshot from the metrics and session.
func (c *Container) SyncStatus() domain.SyncStatus {
	s := c.Session()
	status := c.metrics.SyncSnapshot()
	status.SessionActive = s.Active()
	status.OfflineSession = s.Offline
	status.Online = !s.Offline
	return *status
}
