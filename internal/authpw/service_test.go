package authpw

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"agenda/api/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.FileStore) {
	t.Helper()
	repo := store.NewFileStore(filepath.Join(t.TempDir(), "data.json"), nil)
	return NewService(repo), repo
}

func TestRegister(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, "bob", "pw")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if user.Role != "user" {
		t.Errorf("expected role user, got %s", user.Role)
	}

	doc, _ := repo.Load(ctx)
	if len(doc.Users) != 1 || doc.Users[0].Username != "bob" || doc.Users[0].Password != "pw" {
		t.Fatalf("unexpected users %+v", doc.Users)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		username string
		password string
	}{
		{"missing username", "", "pw"},
		{"blank username", "   ", "pw"},
		{"missing password", "bob", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(ctx, tt.username, tt.password)
			if !errors.Is(err, ErrMissingCredentials) {
				t.Errorf("expected ErrMissingCredentials, got %v", err)
			}
		})
	}

	doc, _ := repo.Load(ctx)
	if len(doc.Users) != 0 {
		t.Fatalf("expected no users after rejected registrations, got %d", len(doc.Users))
	}
}

func TestRegisterDuplicate(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "bob", "pw"); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}
	if _, err := svc.Register(ctx, "bob", "other"); !errors.Is(err, ErrDuplicateUser) {
		t.Fatalf("expected ErrDuplicateUser, got %v", err)
	}
	// usernames are case-sensitive
	if _, err := svc.Register(ctx, "Bob", "pw"); err != nil {
		t.Fatalf("Register Bob failed: %v", err)
	}

	doc, _ := repo.Load(ctx)
	if len(doc.Users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(doc.Users))
	}
}

func TestRegisterConcurrentSameName(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	const attempts = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Register(ctx, "racer", "pw"); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one successful registration, got %d", successes)
	}
	doc, _ := repo.Load(ctx)
	if len(doc.Users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(doc.Users))
	}
}

func TestSignIn(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	if err := repo.Save(ctx, store.Document{Users: []store.User{
		{Username: "alice", Password: "pw1", Role: "user"},
		{Username: "root", Password: "secret", Role: "admin"},
		{Username: "legacy", Password: "pw", Role: ""},
	}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	user, err := svc.SignIn(ctx, "root", "secret")
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	if !user.IsAdmin() {
		t.Errorf("expected admin, got %+v", user)
	}

	legacy, err := svc.SignIn(ctx, "legacy", "pw")
	if err != nil {
		t.Fatalf("SignIn legacy failed: %v", err)
	}
	if legacy.Role != "user" {
		t.Errorf("expected missing role to default to user, got %q", legacy.Role)
	}

	failures := []struct{ username, password string }{
		{"alice", "wrong"},
		{"Alice", "pw1"},
		{"nobody", "pw1"},
		{"alice", ""},
		{"", ""},
	}
	for _, f := range failures {
		if _, err := svc.SignIn(ctx, f.username, f.password); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("SignIn(%q, %q) = %v, want ErrInvalidCredentials", f.username, f.password, err)
		}
	}
}

func TestEnsureAdmin(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	created, err := svc.EnsureAdmin(ctx, "root", "secret")
	if err != nil || !created {
		t.Fatalf("EnsureAdmin = %v, %v; want created", created, err)
	}
	created, err = svc.EnsureAdmin(ctx, "root", "changed")
	if err != nil || created {
		t.Fatalf("second EnsureAdmin = %v, %v; want no-op", created, err)
	}
	created, err = svc.EnsureAdmin(ctx, "", "")
	if err != nil || created {
		t.Fatalf("EnsureAdmin without credentials = %v, %v; want no-op", created, err)
	}

	doc, _ := repo.Load(ctx)
	if len(doc.Users) != 1 || doc.Users[0].Password != "secret" || !doc.Users[0].IsAdmin() {
		t.Fatalf("unexpected users %+v", doc.Users)
	}
}
