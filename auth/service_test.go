package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
)

func TestService_RegisterAndLogin(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:    "alice@example.com",
		Password: "supersafe",
		FullName: "Alice Buyer",
	}

	ctx := context.Background()
	user, err := svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}

	if user.Email != req.Email {
		t.Fatalf("expected email %q got %q", req.Email, user.Email)
	}
	if user.Role != RoleUser {
		t.Fatalf("register: expected default role %s got %s", RoleUser, user.Role)
	}

	resp, err := svc.Login(ctx, LoginRequest{Email: req.Email, Password: req.Password})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}
	if resp.User.ID != user.ID {
		t.Fatalf("login: expected user id %q got %q", user.ID, resp.User.ID)
	}
	if resp.User.Role != RoleUser {
		t.Fatalf("login: expected role %s got %s", RoleUser, resp.User.Role)
	}

	tokenUserID, tokenRole, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if tokenUserID != user.ID {
		t.Fatalf("verify token: expected %q got %q", user.ID, tokenUserID)
	}
	if tokenRole != RoleUser {
		t.Fatalf("verify token: expected role %s got %s", RoleUser, tokenRole)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "alice@example.com",
		Password: "short",
		FullName: "Alice Buyer",
	})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "",
		Password: "strongpassword",
		FullName: "",
	}); err == nil {
		t.Fatal("expected validation error for missing fields")
	}
}

func TestService_DuplicateEmail(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:    "alice@example.com",
		Password: "strongpassword",
		FullName: "Alice Buyer",
	}
	if _, err := svc.Register(context.Background(), req); err != nil {
		t.Fatalf("first register failed: %v", err)
	}

	if _, err := svc.Register(context.Background(), req); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestService_VerifyTokenRejectsTampering(t *testing.T) {
	svc := NewService(newFakeRepository(), "test-secret")
	other := NewService(newFakeRepository(), "other-secret")

	token, err := other.IssueToken("user-1", RoleAdmin)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if _, _, err := svc.VerifyToken(token); err == nil {
		t.Fatal("expected token signed with another secret to be rejected")
	}

	expired := NewService(newFakeRepository(), "test-secret")
	expired.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }
	stale, err := expired.IssueToken("user-1", RoleUser)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if _, _, err := svc.VerifyToken(stale); err == nil {
		t.Fatal("expected expired token to be rejected")
	}

	adminToken, _ := svc.IssueToken("admin-1", RoleAdmin)
	userID, role, err := svc.VerifyToken(adminToken)
	if err != nil || userID != "admin-1" || role != RoleAdmin {
		t.Fatalf("expected admin token to verify, got %q %q %v", userID, role, err)
	}
	if _, err := svc.IssueToken("x", Role("superuser")); err == nil {
		t.Fatal("expected unknown role to be rejected")
	}
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Login(context.Background(), LoginRequest{
		Email:    "unknown@example.com",
		Password: "irrelevant",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

type fakeRepository struct {
	mu           sync.Mutex
	usersByEmail map[string]User
	usersByID    map[string]User
	nextID       int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		usersByEmail: make(map[string]User),
		usersByID:    make(map[string]User),
		nextID:       1,
	}
}

func (f *fakeRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.usersByEmail[strings.ToLower(params.Email)]; exists {
		return User{}, ErrDuplicateEmail
	}

	id := fmt.Sprintf("user-%d", f.nextID)
	f.nextID++
	role := params.Role
	if role == "" {
		role = RoleUser
	}

	user := User{
		ID:           id,
		Email:        params.Email,
		FullName:     params.FullName,
		PasswordHash: params.PasswordHash,
		KYCStatus:    KYCNone,
		Role:         role,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}

	f.usersByEmail[strings.ToLower(user.Email)] = user
	f.usersByID[user.ID] = user

	return user, nil
}

func (f *fakeRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.usersByEmail[strings.ToLower(email)]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (f *fakeRepository) GetUserByID(ctx context.Context, userID string) (User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.usersByID[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (f *fakeRepository) LockUser(ctx context.Context, tx pgx.Tx, userID string) (User, error) {
	return f.GetUserByID(ctx, userID)
}

func (f *fakeRepository) UpdateKYC(ctx context.Context, tx pgx.Tx, params UpdateKYCParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.usersByID[params.UserID]
	if !ok {
		return ErrUserNotFound
	}
	user.KYCStatus = params.Status
	user.KYCNote = params.Note
	user.KYCReviewer = params.ReviewerID
	user.KYCReviewed = params.ReviewedAt
	f.usersByID[user.ID] = user
	f.usersByEmail[strings.ToLower(user.Email)] = user
	return nil
}
