package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/JonnyShabli/mediagrab/internal/apperr"
	"github.com/JonnyShabli/mediagrab/internal/models"
	"github.com/JonnyShabli/mediagrab/pkg/logster"
)

type fakeSettingsRepo struct {
	mu      sync.Mutex
	saved   models.Settings
	saves   int
	saveErr error
}

func (r *fakeSettingsRepo) Load(_ context.Context) (models.Settings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saved, nil
}

func (r *fakeSettingsRepo) Save(_ context.Context, s models.Settings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	r.saves++
	r.saved = s
	return nil
}

func newTestSettings(t *testing.T) (*Settings, *fakeSettingsRepo) {
	t.Helper()
	repo := &fakeSettingsRepo{saved: models.Settings{ID: 1}}
	s, err := NewSettings(context.Background(), repo, logster.NewNop())
	if err != nil {
		t.Fatalf("NewSettings: %v", err)
	}
	return s, repo
}

func strPtr(s string) *string { return &s }

func TestSettingsUpdatePatchesOnlyGivenFields(t *testing.T) {
	s, repo := newTestSettings(t)
	ctx := context.Background()

	if _, err := s.Update(ctx, SettingsPatch{XAuthToken: strPtr(" tok "), XCt0: strPtr("ct0")}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err := s.Update(ctx, SettingsPatch{ProxyURL: strPtr("socks5://127.0.0.1:1080")})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.XAuthToken != "tok" || got.XCt0 != "ct0" || got.ProxyURL != "socks5://127.0.0.1:1080" {
		t.Errorf("unexpected settings %+v", got)
	}
	if got.Version != 2 || repo.saved.Version != 2 {
		t.Errorf("Expected version 2, got %d (stored %d)", got.Version, repo.saved.Version)
	}
	if s.Current() != got {
		t.Errorf("Expected cached copy to match saved settings")
	}
}

func TestSettingsRejectsBadProxy(t *testing.T) {
	s, repo := newTestSettings(t)
	for _, p := range []string{"ftp://host:21", "not a url", "http://"} {
		_, err := s.Update(context.Background(), SettingsPatch{ProxyURL: strPtr(p)})
		if !apperr.IsKind(err, apperr.KindValidation) {
			t.Errorf("proxy %q: expected validation error, got %v", p, err)
		}
	}
	if repo.saves != 0 {
		t.Errorf("Expected no saves, got %d", repo.saves)
	}
	if _, err := s.Update(context.Background(), SettingsPatch{ProxyURL: strPtr("")}); err != nil {
		t.Errorf("clearing the proxy should succeed, got %v", err)
	}
}

func TestSettingsSaveFailureKeepsCache(t *testing.T) {
	s, repo := newTestSettings(t)
	repo.saveErr = errors.New("disk full")

	_, err := s.Update(context.Background(), SettingsPatch{XCt0: strPtr("x")})
	if !apperr.IsKind(err, apperr.KindInternal) {
		t.Fatalf("Expected internal error, got %v", err)
	}
	if cur := s.Current(); cur.XCt0 != "" || cur.Version != 0 {
		t.Errorf("cache changed after failed save: %+v", cur)
	}
}

func TestSettingsViewRedactsForGuests(t *testing.T) {
	s, _ := newTestSettings(t)
	_, _ = s.Update(context.Background(), SettingsPatch{
		ProxyURL:    strPtr("http://proxy:8080"),
		XAuthToken:  strPtr("secret"),
		WeiboCookie: strPtr("SUB=abc"),
	})

	admin, ok := s.View(models.RoleAdmin).(AdminView)
	if !ok || admin.XAuthToken != "secret" || admin.LastCookies != "SUB=abc" {
		t.Errorf("unexpected admin view %+v", s.View(models.RoleAdmin))
	}
	guest, ok := s.View(models.RoleGuest).(GuestView)
	if !ok || !guest.ProxyConfigured || guest.Version != 1 {
		t.Errorf("unexpected guest view %+v", s.View(models.RoleGuest))
	}
}

func TestSettingsPassword(t *testing.T) {
	s, _ := newTestSettings(t)
	ctx := context.Background()

	if err := s.SetPassword(ctx, nil); !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("Expected validation error for missing password, got %v", err)
	}
	if s.Locked() || !s.CheckPassword("anything") {
		t.Fatal("Expected unlocked store to accept any password")
	}

	if err := s.SetPassword(ctx, strPtr("hunter2")); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	if !s.Locked() {
		t.Fatal("Expected store to be locked")
	}
	if s.Current().PasswordHash == "hunter2" {
		t.Error("password stored in clear text")
	}
	if !s.CheckPassword("hunter2") || s.CheckPassword("hunter3") {
		t.Error("password check mismatch")
	}

	if err := s.SetPassword(ctx, strPtr("")); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	if s.Locked() {
		t.Error("Expected empty password to disable the lock")
	}
}

func TestSettingsRememberKeepsUnsetFields(t *testing.T) {
	s, _ := newTestSettings(t)
	ctx := context.Background()
	_, _ = s.Update(ctx, SettingsPatch{XAuthToken: strPtr("old"), XCt0: strPtr("old-ct0")})

	if err := s.Remember(ctx, models.Credentials{XAuthToken: "new"}); err != nil {
		t.Fatalf("Remember: %v", err)
	}
	cur := s.Current()
	if cur.XAuthToken != "new" || cur.XCt0 != "old-ct0" {
		t.Errorf("unexpected credentials after remember: %+v", cur.Credentials())
	}
}
