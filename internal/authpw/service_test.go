package authpw

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"parley/api/internal/store"
)

type fakeUserStore struct {
	byEmail map[string]store.User
	created []store.User
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{byEmail: map[string]store.User{}}
}

func (f *fakeUserStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	if user, ok := f.byEmail[email]; ok {
		return user, nil
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeUserStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	for _, user := range f.byEmail {
		if user.ID == id {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeUserStore) CreateUser(_ context.Context, user store.User) error {
	f.byEmail[user.Email] = user
	f.created = append(f.created, user)
	return nil
}

func TestSignUpAndSignIn(t *testing.T) {
	fs := newFakeUserStore()
	svc := NewService(fs)
	ctx := context.Background()

	user, err := svc.SignUp(ctx, SignUpRequest{
		Email:       "Avery@Example.com",
		Password:    "correct-horse",
		DisplayName: "Avery",
	})
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	if user.Email != "avery@example.com" {
		t.Fatalf("expected lowercased email, got %q", user.Email)
	}
	if user.PasswordHash == "correct-horse" {
		t.Fatalf("password must not be stored in the clear")
	}
	if !strings.HasPrefix(user.ID, "usr_") {
		t.Fatalf("expected usr_ prefixed id, got %q", user.ID)
	}

	signedIn, err := svc.SignIn(ctx, SignInRequest{Email: "avery@example.com", Password: "correct-horse"})
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if signedIn.ID != user.ID {
		t.Fatalf("expected user %s, got %s", user.ID, signedIn.ID)
	}
}

func TestSignUpRejectsShortPassword(t *testing.T) {
	svc := NewService(newFakeUserStore())

	_, err := svc.SignUp(context.Background(), SignUpRequest{
		Email:       "avery@example.com",
		Password:    "short",
		DisplayName: "Avery",
	})
	if err == nil {
		t.Fatal("expected error for short password")
	}
}

func TestSignUpRejectsDuplicateEmail(t *testing.T) {
	fs := newFakeUserStore()
	svc := NewService(fs)
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "avery@example.com", Password: "correct-horse", DisplayName: "Avery"}); err != nil {
		t.Fatalf("first SignUp() error = %v", err)
	}
	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "avery@example.com", Password: "correct-horse", DisplayName: "Avery Two"}); err == nil {
		t.Fatal("expected duplicate email to be rejected")
	}
}

func TestSignInWrongPasswordAndUnknownEmailLookAlike(t *testing.T) {
	fs := newFakeUserStore()
	svc := NewService(fs)
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "avery@example.com", Password: "correct-horse", DisplayName: "Avery"}); err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}

	_, wrongPassword := svc.SignIn(ctx, SignInRequest{Email: "avery@example.com", Password: "wrong"})
	_, unknownEmail := svc.SignIn(ctx, SignInRequest{Email: "nobody@example.com", Password: "correct-horse"})
	if wrongPassword == nil || unknownEmail == nil {
		t.Fatal("expected both sign-in attempts to fail")
	}
	if wrongPassword.Error() != unknownEmail.Error() {
		t.Fatalf("errors must not distinguish unknown email from wrong password: %q vs %q", wrongPassword, unknownEmail)
	}
}
