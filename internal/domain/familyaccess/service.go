package familyaccess

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carepath/medtrack/internal/store"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("grant not found")
	ErrUnauthorized = errors.New("invalid or expired family token")
	ErrForbidden    = errors.New("permission not granted")

	// ErrUnavailable wraps grant store failures. The underlying store error
	// stays reachable through errors.Is.
	ErrUnavailable = errors.New("grant store unavailable")
)

const tokenBytes = 32

// Service manages grants stored in the family_access_grants table.
type Service struct {
	st     store.Store
	now    func() time.Time
	logger *zap.Logger
}

// NewService creates a grant service. A nil logger discards output.
func NewService(st store.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{st: st, now: time.Now, logger: logger}
}

// WithClock replaces time.Now. It returns s for chaining in tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// IssueInput describes a new grant. An empty Permissions list grants both
// view permissions; a zero TTL never expires.
type IssueInput struct {
	PatientID    string
	GrantedBy    string
	MemberName   string
	Relationship string
	Permissions  []Permission
	TTL          time.Duration
}

// Issue creates a grant and returns it with the raw token. The token is
// not stored and cannot be recovered later.
func (s *Service) Issue(ctx context.Context, in IssueInput) (Grant, string, error) {
	patientID := strings.TrimSpace(in.PatientID)
	grantedBy := strings.TrimSpace(in.GrantedBy)
	member := strings.TrimSpace(in.MemberName)
	if patientID == "" || grantedBy == "" || member == "" || in.TTL < 0 {
		return Grant{}, "", ErrInvalidInput
	}

	perms := []Permission{PermViewMedications, PermViewSchedule}
	if len(in.Permissions) > 0 {
		var err error
		if perms, err = normalizePermissions(in.Permissions); err != nil {
			return Grant{}, "", err
		}
	}

	token, err := newToken()
	if err != nil {
		return Grant{}, "", fmt.Errorf("generate token: %w", err)
	}

	now := s.now()
	g := Grant{
		ID:           uuid.NewString(),
		PatientID:    patientID,
		GrantedBy:    grantedBy,
		MemberName:   member,
		Relationship: strings.TrimSpace(in.Relationship),
		Permissions:  perms,
		TokenHash:    HashToken(token),
		CreatedAt:    now,
	}
	if in.TTL > 0 {
		exp := now.Add(in.TTL)
		g.ExpiresAt = &exp
	}

	if _, err := s.st.Insert(ctx, store.TableFamilyGrants, toRow(g)); err != nil {
		return Grant{}, "", unavailable("insert grant", err)
	}
	s.logger.Info("family access granted",
		zap.String("grant_id", g.ID),
		zap.String("patient_id", g.PatientID),
		zap.String("granted_by", g.GrantedBy))
	return g, token, nil
}

// Authorize resolves token to its grant and checks that it is active and
// carries perm.
func (s *Service) Authorize(ctx context.Context, token string, perm Permission, now time.Time) (Grant, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Grant{}, ErrUnauthorized
	}
	rows, err := s.st.Find(ctx, store.TableFamilyGrants, store.Filter{"token_hash": HashToken(token)})
	if err != nil {
		return Grant{}, unavailable("find grant", err)
	}
	if len(rows) == 0 {
		return Grant{}, ErrUnauthorized
	}
	g := fromRow(rows[0])
	if !g.Active(now) {
		return Grant{}, ErrUnauthorized
	}
	if !g.Allows(perm) {
		return Grant{}, ErrForbidden
	}
	return g, nil
}

// Revoke disables a grant. Revoking twice is a no-op.
func (s *Service) Revoke(ctx context.Context, patientID, grantID string) (Grant, error) {
	patientID = strings.TrimSpace(patientID)
	grantID = strings.TrimSpace(grantID)
	if patientID == "" || grantID == "" {
		return Grant{}, ErrInvalidInput
	}

	rows, err := s.st.Find(ctx, store.TableFamilyGrants, store.Filter{"id": grantID, "patient_id": patientID})
	if err != nil {
		return Grant{}, unavailable("find grant", err)
	}
	if len(rows) == 0 {
		return Grant{}, ErrNotFound
	}
	g := fromRow(rows[0])
	if g.RevokedAt != nil {
		return g, nil
	}

	now := s.now()
	row, err := s.st.Update(ctx, store.TableFamilyGrants, store.Filter{"id": g.ID}, store.Row{"revoked_at": now})
	if errors.Is(err, store.ErrNotFound) {
		return Grant{}, ErrNotFound
	}
	if err != nil {
		return Grant{}, unavailable("revoke grant", err)
	}
	s.logger.Info("family access revoked", zap.String("grant_id", g.ID))
	return fromRow(row), nil
}

// List returns a patient's grants, newest first.
func (s *Service) List(ctx context.Context, patientID string) ([]Grant, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return nil, ErrInvalidInput
	}
	rows, err := s.st.Find(ctx, store.TableFamilyGrants, store.Filter{"patient_id": patientID})
	if err != nil {
		return nil, unavailable("list grants", err)
	}
	out := make([]Grant, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromRow(r))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// HashToken returns the hex SHA-256 of a raw token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func normalizePermissions(in []Permission) ([]Permission, error) {
	out := make([]Permission, 0, len(in))
	seen := make(map[Permission]struct{}, len(in))
	for _, p := range in {
		p = Permission(strings.TrimSpace(string(p)))
		if _, ok := knownPermissions[p]; !ok {
			return nil, ErrInvalidInput
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}

func toRow(g Grant) store.Row {
	perms := make([]string, 0, len(g.Permissions))
	for _, p := range g.Permissions {
		perms = append(perms, string(p))
	}
	row := store.Row{
		"id":           g.ID,
		"patient_id":   g.PatientID,
		"granted_by":   g.GrantedBy,
		"member_name":  g.MemberName,
		"relationship": g.Relationship,
		"permissions":  perms,
		"token_hash":   g.TokenHash,
		"expires_at":   nil,
		"revoked_at":   nil,
		"created_at":   g.CreatedAt,
	}
	if g.ExpiresAt != nil {
		row["expires_at"] = *g.ExpiresAt
	}
	if g.RevokedAt != nil {
		row["revoked_at"] = *g.RevokedAt
	}
	return row
}

func fromRow(r store.Row) Grant {
	g := Grant{
		ID:           r.String("id"),
		PatientID:    r.String("patient_id"),
		GrantedBy:    r.String("granted_by"),
		MemberName:   r.String("member_name"),
		Relationship: r.String("relationship"),
		TokenHash:    r.String("token_hash"),
	}
	for _, p := range r.Strings("permissions") {
		g.Permissions = append(g.Permissions, Permission(p))
	}
	if t, ok := r.Time("expires_at"); ok {
		g.ExpiresAt = &t
	}
	if t, ok := r.Time("revoked_at"); ok {
		g.RevokedAt = &t
	}
	g.CreatedAt, _ = r.Time("created_at")
	return g
}
