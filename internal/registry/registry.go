// Package registry owns the table of backend services allowed on the internal
// channel. The table lives in memory for this instance and is mirrored to the
// shared store so registrations made on one instance can authenticate on any.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"pulse/config"
	"pulse/internal/domain"
	"pulse/internal/models"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultServiceType = "service"
	maxNameLength      = 64
)

// Store is where registrations are mirrored.
type Store interface {
	SaveRegistration(ctx context.Context, reg *models.ServiceRegistration) error
	GetRegistration(ctx context.Context, name string) (*models.ServiceRegistration, error)
	ListRegistrations(ctx context.Context) ([]*models.ServiceRegistration, error)
}

type Options struct {
	MaxServices     int
	AllowedTypes    []string
	RequireApproval bool
	BcryptCost      int
}

// RegisterRequest is the payload of register_service.
type RegisterRequest struct {
	Name        string                 `json:"serviceName"`
	Key         string                 `json:"serviceKey"`
	Type        string                 `json:"serviceType"`
	Description string                 `json:"description"`
	Metadata    map[string]interface{} `json:"metadata"`
}

type Registry struct {
	mu       sync.RWMutex
	services map[string]*models.ServiceRegistration
	pending  map[string]struct{}

	store        Store
	maxServices  int
	allowedTypes map[string]struct{}
	approval     bool
	cost         int
	dummyHash    []byte
	now          func() time.Time
	log          *zap.Logger
}

func New(st Store, opts Options, log *zap.Logger) *Registry {
	cost := opts.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	allowed := make(map[string]struct{}, len(opts.AllowedTypes))
	for _, t := range opts.AllowedTypes {
		if t = strings.TrimSpace(t); t != "" {
			allowed[t] = struct{}{}
		}
	}
	// Unknown names are compared against this hash so a miss costs as much
	// as a wrong key.
	dummy, _ := bcrypt.GenerateFromPassword([]byte("pulse-unknown-service"), cost)
	return &Registry{
		services:     make(map[string]*models.ServiceRegistration),
		pending:      make(map[string]struct{}),
		store:        st,
		maxServices:  opts.MaxServices,
		allowedTypes: allowed,
		approval:     opts.RequireApproval,
		cost:         cost,
		dummyHash:    dummy,
		now:          time.Now,
		log:          log,
	}
}

// LoadStatic installs the configured services, replacing any stored
// registration of the same name. Static services bypass the capacity and
// type checks.
func (r *Registry) LoadStatic(ctx context.Context, defs map[string]config.ServiceDefinition) error {
	for name, def := range defs {
		hash, err := bcrypt.GenerateFromPassword([]byte(def.Key), r.cost)
		if err != nil {
			return fmt.Errorf("hash key of %s: %w", name, err)
		}
		reg := &models.ServiceRegistration{
			Name:        name,
			KeyHash:     string(hash),
			Type:        orDefault(def.Type, defaultServiceType),
			Description: def.Description,
			Enabled:     def.Enabled,
			Metadata:    def.Metadata,
			CreatedAt:   r.now().UTC(),
		}
		if err := r.store.SaveRegistration(ctx, reg); err != nil {
			return err
		}
		r.mu.Lock()
		r.services[name] = reg
		r.mu.Unlock()
	}
	r.log.Info("static services loaded", zap.Int("count", len(defs)))
	return nil
}

// Sync pulls registrations made by other instances into the local table.
func (r *Registry) Sync(ctx context.Context) error {
	regs, err := r.store.ListRegistrations(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, reg := range regs {
		r.services[reg.Name] = reg
	}
	return nil
}

// Register adds a dynamic service. On any rejection the table is unchanged.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*models.ServiceRegistration, error) {
	name := strings.TrimSpace(req.Name)
	if err := validateName(name); err != nil {
		return nil, err
	}
	if req.Key == "" {
		return nil, domain.NewValidationError("serviceKey", "must not be empty")
	}
	typ := orDefault(strings.TrimSpace(req.Type), defaultServiceType)
	if len(r.allowedTypes) > 0 {
		if _, ok := r.allowedTypes[typ]; !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrDisallowedType, typ)
		}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Key), r.cost)
	if err != nil {
		return nil, err
	}

	// The name is reserved under the lock; store round-trips run outside it
	// so readers of the table are never held up by a slow store.
	if err := r.reserve(name); err != nil {
		return nil, err
	}
	var installed *models.ServiceRegistration
	defer func() { r.release(name, installed) }()

	existing, err := r.store.GetRegistration(ctx, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		installed = existing
		return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateRegistration, name)
	}

	reg := &models.ServiceRegistration{
		Name:        name,
		KeyHash:     string(hash),
		Type:        typ,
		Description: orDefault(req.Description, "Service: "+name),
		Enabled:     !r.approval,
		Metadata:    req.Metadata,
		CreatedAt:   r.now().UTC(),
	}
	if err := r.store.SaveRegistration(ctx, reg); err != nil {
		return nil, err
	}
	installed = reg
	r.log.Info("service registered", zap.String("service", name), zap.String("type", typ), zap.Bool("enabled", reg.Enabled))
	return reg, nil
}

// reserve claims name for an in-flight registration. Reserved names count
// toward capacity and collide like registered ones.
func (r *Registry) reserve(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[name]; ok {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateRegistration, name)
	}
	if _, ok := r.pending[name]; ok {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateRegistration, name)
	}
	if r.maxServices > 0 && len(r.services)+len(r.pending) >= r.maxServices {
		return domain.ErrRegistryFull
	}
	r.pending[name] = struct{}{}
	return nil
}

// release drops the reservation and installs reg, if any, in one step.
func (r *Registry) release(name string, reg *models.ServiceRegistration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, name)
	if reg != nil {
		r.services[name] = reg
	}
}

func validateName(name string) error {
	switch {
	case name == "":
		return domain.NewValidationError("serviceName", "must not be empty")
	case len(name) > maxNameLength:
		return domain.NewValidationError("serviceName", "too long")
	case strings.ContainsAny(name, ": \t\r\n*?[]\\"):
		return domain.NewValidationError("serviceName", "contains reserved characters")
	}
	return nil
}

// Authenticate checks key against the named registration. Every failure is
// reported as ErrAuthentication without saying which check failed.
func (r *Registry) Authenticate(ctx context.Context, name, key string) (*models.ServiceRegistration, error) {
	if name == "" || key == "" {
		return nil, fmt.Errorf("%w: service name and key are required", domain.ErrAuthentication)
	}
	reg, err := r.Current(ctx, name)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		_ = bcrypt.CompareHashAndPassword(r.dummyHash, []byte(key))
		return nil, fmt.Errorf("%w: invalid service credentials", domain.ErrAuthentication)
	}
	if bcrypt.CompareHashAndPassword([]byte(reg.KeyHash), []byte(key)) != nil {
		return nil, fmt.Errorf("%w: invalid service credentials", domain.ErrAuthentication)
	}
	if !reg.Enabled {
		return nil, fmt.Errorf("%w: service is disabled", domain.ErrAuthentication)
	}
	return reg, nil
}

// Current returns the registration as the store sees it now and refreshes
// the local table with it. The store is authoritative: a registration that is
// gone from the store is dropped locally and Current returns nil.
func (r *Registry) Current(ctx context.Context, name string) (*models.ServiceRegistration, error) {
	reg, err := r.store.GetRegistration(ctx, name)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg == nil {
		if _, ok := r.services[name]; ok {
			delete(r.services, name)
			r.log.Info("service registration removed from store", zap.String("service", name))
		}
		return nil, nil
	}
	r.services[name] = reg
	return reg, nil
}

// List returns every known service, sorted by name.
func (r *Registry) List() []models.ServiceInfo {
	r.mu.RLock()
	out := make([]models.ServiceInfo, 0, len(r.services))
	for _, reg := range r.services {
		out = append(out, reg.Info())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Types returns the distinct types in use plus any allow-listed ones.
func (r *Registry) Types() []string {
	set := make(map[string]struct{})
	r.mu.RLock()
	for _, reg := range r.services {
		set[reg.Type] = struct{}{}
	}
	r.mu.RUnlock()
	for t := range r.allowedTypes {
		set[t] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services)
}

// SetEnabled flips a registration on or off and persists the change.
func (r *Registry) SetEnabled(ctx context.Context, name string, enabled bool) (*models.ServiceRegistration, error) {
	reg, err := r.Current(ctx, name)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrServiceNotFound, name)
	}
	updated := *reg
	updated.Enabled = enabled
	if err := r.store.SaveRegistration(ctx, &updated); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.services[name] = &updated
	r.mu.Unlock()
	r.log.Info("service enablement changed", zap.String("service", name), zap.Bool("enabled", enabled))
	return &updated, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
