package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/autocontrolpro/edge-agent-go/internal/domain"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
)

// offlineCredentials is the cached credential hash that allows a
// degraded login while the backend is unreachable. Written only after
// a successful online login.
type offlineCredentials struct {
	Email        string `json:"email"`
	PasswordHash []byte `json:"passwordHash"`
}

// authResponse is the backend's answer to login and register.
type authResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

// LoginInput are the credentials for Login.
type LoginInput struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// RegisterInput creates the first administrator account of a new
// establishment.
type RegisterInput struct {
	Name           string `json:"name" validate:"required"`
	Email          string `json:"email" validate:"required,email"`
	Password       string `json:"password" validate:"required,min=8"`
	RestaurantName string `json:"restaurantName" validate:"required"`
	AcceptedPolicy bool   `json:"acceptedPolicy" validate:"required"`
}

// Session returns a copy of the current session state.
func (c *Container) Session() domain.Session {
	c.sessionMu.RLock()
	defer c.sessionMu.RUnlock()
	return c.session
}

func (c *Container) requireSession() (domain.Session, error) {
	s := c.Session()
	if !s.Active() {
		return domain.Session{}, &domain.ErrNoSession{}
	}
	return s, nil
}

// requireWriter rejects read-only users before any mutation reaches
// the gateway.
func (c *Container) requireWriter() (domain.Session, error) {
	s, err := c.requireSession()
	if err != nil {
		return domain.Session{}, err
	}
	if s.CurrentUser.Role == domain.RoleReadOnly {
		return domain.Session{}, &domain.ErrForbidden{Action: "modificar registros"}
	}
	return s, nil
}

func (c *Container) requireAdmin() (domain.Session, error) {
	s, err := c.requireSession()
	if err != nil {
		return domain.Session{}, err
	}
	if s.CurrentUser.Role != domain.RoleAdministrator {
		return domain.Session{}, &domain.ErrForbidden{Action: "administrar usuarios"}
	}
	return s, nil
}

// stampAudit fills the registration stamp from the current session.
func (c *Container) stampAudit(a *domain.Audit) {
	s := c.Session()
	if s.CurrentUser != nil {
		a.UserID = s.CurrentUser.ID
		a.RegisteredBy = s.CurrentUser.Name
		a.RegisteredByID = s.CurrentUser.ID
	}
	if a.RegisteredAt.IsZero() {
		a.RegisteredAt = time.Now()
	}
}

// ============================================================
// Login / Register / Logout
// ============================================================

// Login authenticates against the backend. When the backend is
// unreachable it degrades to an offline login against the cached
// credential hash, producing an offline session limited to local data.
func (c *Container) Login(ctx context.Context, in LoginInput) (domain.Session, error) {
	ctx, span := tracer.Start(ctx, "Container.Login")
	defer span.End()

	if err := c.validate.Struct(in); err != nil {
		return domain.Session{}, c.validationError(err)
	}

	var resp authResponse
	err := c.gw.Post(ctx, "/api/auth/login", in, &resp)
	switch {
	case err == nil:
		c.installSession(domain.Session{Token: resp.Token, CurrentUser: &resp.User})
		c.persistSession(resp.Token, resp.User)
		c.cacheOfflineCredentials(in.Email, in.Password)
		if err := c.bulkLoad(ctx); err != nil {
			c.logger.Warn("post-login bulk load incomplete", zap.Error(err))
		}
		c.notify(domain.NotificationSuccess, "Sesión iniciada", "Bienvenido, "+resp.User.Name)
		return c.Session(), nil

	case isUnavailable(err):
		c.metrics.IncrGatewayError("unavailable")
		return c.loginOffline(ctx, in, err)

	case isUnauthorized(err):
		// A 401 on login means bad credentials, not an expired session.
		c.metrics.IncrGatewayError("unauthorized")
		c.notify(domain.NotificationError, "No se pudo iniciar sesión", "Credenciales inválidas")
		return domain.Session{}, err

	default:
		c.metrics.IncrGatewayError("backend")
		c.notify(domain.NotificationError, "No se pudo iniciar sesión", err.Error())
		return domain.Session{}, err
	}
}

// loginOffline checks the supplied credentials against the cached hash
// and the cached user profile. Never writes anything.
func (c *Container) loginOffline(ctx context.Context, in LoginInput, cause error) (domain.Session, error) {
	raw, err := c.store.Get(keyOfflineCreds)
	if err != nil || raw == nil {
		c.notify(domain.NotificationError, "Sin conexión", "No hay credenciales guardadas para el modo sin conexión")
		return domain.Session{}, cause
	}
	var creds offlineCredentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return domain.Session{}, cause
	}
	if creds.Email != in.Email || bcrypt.CompareHashAndPassword(creds.PasswordHash, []byte(in.Password)) != nil {
		c.notify(domain.NotificationError, "No se pudo iniciar sesión", "Credenciales inválidas")
		return domain.Session{}, &domain.ErrUnauthorized{Message: "Credenciales inválidas"}
	}

	user, err := c.loadCachedUser()
	if err != nil || user == nil {
		c.notify(domain.NotificationError, "Sin conexión", "No hay datos de usuario guardados")
		return domain.Session{}, cause
	}

	c.installSession(domain.Session{CurrentUser: user, Offline: true})
	c.hydrateFromStore()
	c.notify(domain.NotificationInfo, "Modo sin conexión", "Trabajando con los datos guardados localmente")
	c.logger.Info("offline session established", zap.String("user", user.Email))
	return c.Session(), nil
}

// Register creates a new establishment with its first administrator.
// There is no offline path: registration requires the backend.
func (c *Container) Register(ctx context.Context, in RegisterInput) (domain.Session, error) {
	ctx, span := tracer.Start(ctx, "Container.Register")
	defer span.End()

	if err := c.validate.Struct(in); err != nil {
		return domain.Session{}, c.validationError(err)
	}

	var resp authResponse
	err := c.gw.Post(ctx, "/api/auth/register", in, &resp)
	switch {
	case err == nil:
		c.installSession(domain.Session{Token: resp.Token, CurrentUser: &resp.User})
		c.persistSession(resp.Token, resp.User)
		c.cacheOfflineCredentials(in.Email, in.Password)
		if err := c.bulkLoad(ctx); err != nil {
			c.logger.Warn("post-register bulk load incomplete", zap.Error(err))
		}
		c.notify(domain.NotificationSuccess, "Cuenta creada", "Bienvenido, "+resp.User.Name)
		return c.Session(), nil

	case isUnavailable(err):
		c.metrics.IncrGatewayError("unavailable")
		c.notify(domain.NotificationError, "Sin conexión", "No se puede crear la cuenta sin conexión")
		return domain.Session{}, err

	default:
		c.metrics.IncrGatewayError("backend")
		c.notify(domain.NotificationError, "No se pudo crear la cuenta", err.Error())
		return domain.Session{}, err
	}
}

// Logout ends the session. Persisted collection mirrors are kept: they
// belong to the establishment's device, not to the person logging out.
func (c *Container) Logout(ctx context.Context) {
	_, span := tracer.Start(ctx, "Container.Logout")
	defer span.End()

	c.teardownSession(true)
	c.notify(domain.NotificationInfo, "Sesión cerrada", "Hasta pronto")
}

// teardownSession clears all session state: the in-memory session, the
// gateway token, the persisted token, and every in-memory collection.
// The cached user profile and credential hash stay on the device so a
// later offline login remains possible; only the token is invalidated.
// Idempotent, so the gateway's 401 hook and the protocol's own 401
// branch can both fire for the same failure.
func (c *Container) teardownSession(explicit bool) {
	c.sessionMu.Lock()
	wasActive := c.session.Active()
	c.session = domain.Session{}
	c.sessionMu.Unlock()

	c.gw.SetToken("")
	if err := c.store.Delete(keyToken); err != nil {
		c.logger.Error("teardown: delete token failed", zap.Error(err))
	}

	c.users.replace(nil)
	c.deliveries.replace(nil)
	c.storages.replace(nil)
	c.cleanings.replace(nil)
	c.outgoings.replace(nil)
	c.elaborated.replace(nil)
	c.sheets.replace(nil)
	c.costings.replace(nil)
	c.incidents.replace(nil)

	if wasActive && !explicit {
		c.logger.Warn("session torn down by backend rejection")
	}
}

// ============================================================
// Bootstrap
// ============================================================

// Bootstrap restores the session from the persisted token on startup.
//
// An expired or rejected token is discarded silently: the agent starts
// logged out without surfacing an error for a token the user did not
// just type. When the backend is unreachable the cached user profile
// (if any) yields an offline session so locally persisted data remains
// usable after a restart.
func (c *Container) Bootstrap(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Container.Bootstrap")
	defer span.End()

	raw, err := c.store.Get(keyToken)
	if err != nil {
		return err
	}
	if raw == nil {
		c.logger.Info("bootstrap: no persisted token")
		return nil
	}
	token := string(raw)

	if tokenExpired(token) {
		c.logger.Info("bootstrap: persisted token expired, discarding")
		c.teardownSession(true)
		return nil
	}

	c.gw.SetToken(token)
	var user domain.User
	err = c.gw.Get(ctx, "/api/auth", &user)
	switch {
	case err == nil:
		c.installSession(domain.Session{Token: token, CurrentUser: &user})
		c.persistUser(user)
		if err := c.bulkLoad(ctx); err != nil {
			c.logger.Warn("bootstrap bulk load incomplete", zap.Error(err))
		}
		c.logger.Info("bootstrap: session restored", zap.String("user", user.Email))
		return nil

	case isUnavailable(err):
		c.metrics.IncrGatewayError("unavailable")
		cached, loadErr := c.loadCachedUser()
		if loadErr != nil || cached == nil {
			c.logger.Warn("bootstrap: backend unreachable and no cached user, starting logged out")
			return nil
		}
		// Token not yet revalidated; kept so calls retry with it once
		// the backend returns.
		c.installSession(domain.Session{Token: token, CurrentUser: cached, Offline: true})
		c.hydrateFromStore()
		c.notify(domain.NotificationInfo, "Modo sin conexión", "Sesión restaurada con los datos locales")
		c.logger.Info("bootstrap: offline session restored", zap.String("user", cached.Email))
		return nil

	default:
		// 401 or any definitive rejection: the token is dead. Silent.
		c.logger.Info("bootstrap: persisted token rejected, discarding", zap.Error(err))
		c.teardownSession(true)
		return nil
	}
}

// tokenExpired decodes the JWT exp claim without verifying the
// signature. Verification belongs to the backend; this is only a
// precheck that avoids a doomed round trip.
func tokenExpired(token string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(time.Now())
}

// ============================================================
// Bulk load
// ============================================================

// bulkLoad fetches the eagerly-needed collections (users, the
// establishment profile, delivery records) concurrently after a
// session is established. The three results are committed atomically:
// either all come from the server, or when any fetch hits an
// unreachable backend, all three come from the fallback store. Server
// data and stale local data are never mixed.
func (c *Container) bulkLoad(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Container.bulkLoad")
	defer span.End()

	var (
		users      []domain.User
		info       domain.EstablishmentInfo
		deliveries []domain.DeliveryRecord
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.gw.Get(gctx, "/api/users", &users) })
	g.Go(func() error { return c.gw.Get(gctx, "/api/establishment", &info) })
	g.Go(func() error { return c.gw.Get(gctx, "/api/records/delivery", &deliveries) })
	err := g.Wait()

	// The lazily-loaded collections are always hydrated from the
	// fallback store; the backend is only consulted for them on demand.
	c.hydrateLazyCollections()

	switch {
	case err == nil:
		c.users.replace(users)
		c.deliveries.replace(deliveries)
		c.setEstablishment(info)
		c.mirrorCollection(c.users.key, users)
		c.mirrorCollection(c.deliveries.key, deliveries)
		c.mirrorEstablishment(info)
		return nil

	case isUnavailable(err):
		c.metrics.IncrGatewayError("unavailable")
		c.logger.Warn("bulk load falling back to local data", zap.Error(err))
		c.hydrateFromStore()
		return nil

	case isUnauthorized(err):
		c.metrics.IncrGatewayError("unauthorized")
		c.teardownSession(false)
		return err

	default:
		c.metrics.IncrGatewayError("backend")
		c.notify(domain.NotificationError, "Error al cargar datos", err.Error())
		return err
	}
}

// hydrateFromStore replaces the eager collections and the
// establishment profile with whatever the fallback store holds.
func (c *Container) hydrateFromStore() {
	hydrate(c, c.users)
	hydrate(c, c.deliveries)
	c.hydrateLazyCollections()

	raw, err := c.store.Get(keyEstablishment)
	if err == nil && raw != nil {
		var info domain.EstablishmentInfo
		if json.Unmarshal(raw, &info) == nil {
			c.setEstablishment(info)
			return
		}
	}
	c.setEstablishment(domain.DefaultEstablishmentInfo())
}

func (c *Container) hydrateLazyCollections() {
	hydrate(c, c.storages)
	hydrate(c, c.cleanings)
	hydrate(c, c.outgoings)
	hydrate(c, c.elaborated)
	hydrate(c, c.sheets)
	hydrate(c, c.costings)
	hydrate(c, c.incidents)
}

func hydrate[T any](c *Container, col *collection[T]) {
	items, err := loadCollection[T](c.store, col.key)
	if err != nil {
		c.logger.Error("hydrate failed", zap.String("collection", col.key), zap.Error(err))
		return
	}
	col.replace(items)
}

// ============================================================
// Session persistence helpers
// ============================================================

func (c *Container) installSession(s domain.Session) {
	c.sessionMu.Lock()
	c.session = s
	c.sessionMu.Unlock()
	c.gw.SetToken(s.Token)
}

func (c *Container) persistSession(token string, user domain.User) {
	if err := c.store.Put(keyToken, []byte(token)); err != nil {
		c.logger.Error("persist token failed", zap.Error(err))
	}
	c.persistUser(user)
}

func (c *Container) persistUser(user domain.User) {
	raw, err := json.Marshal(user)
	if err != nil {
		return
	}
	if err := c.store.Put(keyCurrentUser, raw); err != nil {
		c.logger.Error("persist user failed", zap.Error(err))
	}
}

func (c *Container) loadCachedUser() (*domain.User, error) {
	raw, err := c.store.Get(keyCurrentUser)
	if err != nil || raw == nil {
		return nil, err
	}
	var user domain.User
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *Container) cacheOfflineCredentials(email, password string) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		c.logger.Error("hash offline credentials failed", zap.Error(err))
		return
	}
	raw, err := json.Marshal(offlineCredentials{Email: email, PasswordHash: hash})
	if err != nil {
		return
	}
	if err := c.store.Put(keyOfflineCreds, raw); err != nil {
		c.logger.Error("cache offline credentials failed", zap.Error(err))
	}
}
