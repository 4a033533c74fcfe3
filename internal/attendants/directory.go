package attendants

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAttendantNotFound  = errors.New("attendant not found")
	ErrUsernameExists     = errors.New("username already exists")
)

// Role is an attendant's support tier.
type Role string

const (
	RoleAdministrator Role = "administrator"
	RoleSeniorSupport Role = "senior_support"
	RoleJuniorSupport Role = "junior_support"
)

// WildcardClient in an assignment grants access to every machine.
const WildcardClient = "*"

// Profile is an attendant's identity and authorization data. It never
// carries the secret hash.
type Profile struct {
	ID              string
	Username        string
	DisplayName     string
	Role            Role
	Permissions     map[string]bool
	AssignedClients []string
	CreatedAt       time.Time
}

func (p Profile) clone() Profile {
	out := p
	out.Permissions = make(map[string]bool, len(p.Permissions))
	for k, v := range p.Permissions {
		out.Permissions[k] = v
	}
	out.AssignedClients = append([]string(nil), p.AssignedClients...)
	return out
}

type record struct {
	profile    Profile
	secretHash string
}

// Directory holds the attendant roster loaded at startup and answers
// authentication and authorization queries.
type Directory struct {
	mu         sync.RWMutex
	byID       map[string]*record
	byUsername map[string]*record
	nextSeq    int
}

func NewDirectory() *Directory {
	return &Directory{
		byID:       make(map[string]*record),
		byUsername: make(map[string]*record),
	}
}

// SeedEntry is one roster entry from configuration. Either SecretHash
// (bcrypt) or Secret (plaintext, hashed on load) must be set.
type SeedEntry struct {
	ID              string          `mapstructure:"id"`
	Username        string          `mapstructure:"username"`
	DisplayName     string          `mapstructure:"display_name"`
	Secret          string          `mapstructure:"secret"`
	SecretHash      string          `mapstructure:"secret_hash"`
	Role            Role            `mapstructure:"role"`
	Permissions     map[string]bool `mapstructure:"permissions"`
	AssignedClients []string        `mapstructure:"assigned_clients"`
}

// Seed loads the initial roster. It is called once before the directory is
// shared, so a duplicate username here is a configuration error.
func (d *Directory) Seed(entries []SeedEntry) error {
	for _, e := range entries {
		hash := e.SecretHash
		if hash == "" {
			if e.Secret == "" {
				return fmt.Errorf("attendant %q: no secret configured", e.Username)
			}
			var err error
			hash, err = HashSecret(e.Secret)
			if err != nil {
				return fmt.Errorf("attendant %q: %w", e.Username, err)
			}
		}

		perms := e.Permissions
		if perms == nil {
			perms = DefaultPermissions(e.Role)
		}
		assigned := e.AssignedClients
		if assigned == nil {
			assigned = []string{WildcardClient}
		}

		if _, err := d.add(Profile{
			ID:              e.ID,
			Username:        e.Username,
			DisplayName:     e.DisplayName,
			Role:            e.Role,
			Permissions:     perms,
			AssignedClients: assigned,
			CreatedAt:       time.Now(),
		}, hash); err != nil {
			return fmt.Errorf("attendant %q: %w", e.Username, err)
		}
	}

	slog.Info("Attendant roster loaded", "attendants", len(entries))
	return nil
}

// Authenticate verifies a username/secret pair. Both an unknown username and
// a wrong secret yield ErrInvalidCredentials so the protocol boundary cannot
// be used to enumerate accounts.
func (d *Directory) Authenticate(username, secret string) (Profile, error) {
	d.mu.RLock()
	rec, ok := d.byUsername[username]
	var hash string
	var profile Profile
	if ok {
		hash = rec.secretHash
		profile = rec.profile.clone()
	}
	d.mu.RUnlock()

	if !ok {
		slog.Warn("Login attempt for unknown attendant", "username", username)
		return Profile{}, ErrInvalidCredentials
	}
	if !CheckSecret(secret, hash) {
		slog.Warn("Login attempt with wrong secret", "username", username)
		return Profile{}, ErrInvalidCredentials
	}
	return profile, nil
}

func (d *Directory) Get(attendantID string) (Profile, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rec, ok := d.byID[attendantID]
	if !ok {
		return Profile{}, false
	}
	return rec.profile.clone(), true
}

func (d *Directory) List() []Profile {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Profile, 0, len(d.byID))
	for _, rec := range d.byID {
		out = append(out, rec.profile.clone())
	}
	return out
}

// PermissionsFor returns an attendant's permission set.
func (d *Directory) PermissionsFor(attendantID string) (map[string]bool, error) {
	p, ok := d.Get(attendantID)
	if !ok {
		return nil, ErrAttendantNotFound
	}
	return p.Permissions, nil
}

// CanAccessClient reports whether the attendant is assigned to the machine,
// either explicitly or through the wildcard.
func (d *Directory) CanAccessClient(attendantID, clientID string) bool {
	p, ok := d.Get(attendantID)
	if !ok {
		return false
	}
	for _, assigned := range p.AssignedClients {
		if assigned == WildcardClient || assigned == clientID {
			return true
		}
	}
	return false
}

// CanPerform decides whether the attendant may run an action, optionally
// against a specific machine. The returned reason explains a denial.
func (d *Directory) CanPerform(attendantID, action, clientID string) (bool, string) {
	p, ok := d.Get(attendantID)
	if !ok {
		return false, "attendant not found"
	}

	if clientID != "" && !d.CanAccessClient(attendantID, clientID) {
		return false, fmt.Sprintf("no access to client %s", clientID)
	}

	perm, required := RequiredPermission(action)
	if !required {
		return true, ""
	}
	if !p.Permissions[perm] {
		return false, fmt.Sprintf("missing permission %s for %s", perm, action)
	}
	return true, ""
}

// CreateParams describes a new attendant. Zero-value Permissions and
// AssignedClients fall back to role defaults and the wildcard.
type CreateParams struct {
	Username        string
	DisplayName     string
	Secret          string
	Role            Role
	Permissions     map[string]bool
	AssignedClients []string
}

// Create registers a new attendant at runtime.
func (d *Directory) Create(params CreateParams) (Profile, error) {
	hash, err := HashSecret(params.Secret)
	if err != nil {
		return Profile{}, err
	}

	perms := params.Permissions
	if perms == nil {
		perms = DefaultPermissions(params.Role)
	}
	assigned := params.AssignedClients
	if assigned == nil {
		assigned = []string{WildcardClient}
	}

	p, err := d.add(Profile{
		Username:        params.Username,
		DisplayName:     params.DisplayName,
		Role:            params.Role,
		Permissions:     perms,
		AssignedClients: assigned,
		CreatedAt:       time.Now(),
	}, hash)
	if err != nil {
		return Profile{}, err
	}

	slog.Info("Attendant created", "attendant_id", p.ID, "username", p.Username, "role", p.Role)
	return p, nil
}

// ChangeSecret rotates an attendant's secret after checking the old one.
func (d *Directory) ChangeSecret(attendantID, oldSecret, newSecret string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.byID[attendantID]
	if !ok {
		return ErrAttendantNotFound
	}
	if !CheckSecret(oldSecret, rec.secretHash) {
		return ErrInvalidCredentials
	}

	hash, err := HashSecret(newSecret)
	if err != nil {
		return err
	}
	rec.secretHash = hash

	slog.Info("Attendant secret changed", "attendant_id", attendantID)
	return nil
}

func (d *Directory) add(p Profile, secretHash string) (Profile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.byUsername[p.Username]; exists {
		return Profile{}, ErrUsernameExists
	}
	if p.ID == "" {
		for {
			d.nextSeq++
			id := fmt.Sprintf("ATD%03d", d.nextSeq)
			if _, exists := d.byID[id]; !exists {
				p.ID = id
				break
			}
		}
	} else if _, exists := d.byID[p.ID]; exists {
		return Profile{}, fmt.Errorf("attendant id %s already in use", p.ID)
	}

	rec := &record{profile: p, secretHash: secretHash}
	d.byID[p.ID] = rec
	d.byUsername[p.Username] = rec
	return p.clone(), nil
}
