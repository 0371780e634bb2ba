package pairing

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/joestump/homegate/internal/db"
)

func newTestManager(t *testing.T, ttl time.Duration) (*Manager, *db.DB) {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	m, err := NewManager("test-secret", d, ttl)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, d
}

func codeFor(m *Manager, id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[id].code
}

func TestPairAndValidate(t *testing.T) {
	m, _ := newTestManager(t, 0)

	p, err := m.Start("10.0.0.5")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	code := codeFor(m, p.ID)
	if len(code) != 6 {
		t.Fatalf("code %q should have 6 digits", code)
	}

	token, deviceID, err := m.Verify(p.ID, code, "kitchen tablet", "10.0.0.5")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	got, ok := m.ValidateToken(token)
	if !ok || got != deviceID {
		t.Fatalf("ValidateToken = %q, %v; want %q, true", got, ok, deviceID)
	}

	// A pairing can only be redeemed once.
	if _, _, err := m.Verify(p.ID, code, "again", "10.0.0.5"); !errors.Is(err, ErrUnknownPairing) {
		t.Errorf("second Verify err = %v, want ErrUnknownPairing", err)
	}
}

func TestWrongCodeAttemptsExhaust(t *testing.T) {
	m, _ := newTestManager(t, 0)
	p, _ := m.Start("10.0.0.5")
	code := codeFor(m, p.ID)
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	for i := 0; i < MaxAttempts; i++ {
		if _, _, err := m.Verify(p.ID, wrong, "x", ""); !errors.Is(err, ErrBadCode) {
			t.Fatalf("attempt %d err = %v, want ErrBadCode", i, err)
		}
	}
	if _, _, err := m.Verify(p.ID, code, "x", ""); !errors.Is(err, ErrUnknownPairing) {
		t.Errorf("pairing should be discarded after %d bad attempts, err = %v", MaxAttempts, err)
	}
}

func TestCodeExpires(t *testing.T) {
	m, _ := newTestManager(t, 0)
	now := time.Now()
	m.now = func() time.Time { return now }

	p, _ := m.Start("10.0.0.5")
	code := codeFor(m, p.ID)

	now = now.Add(CodeTTL)
	if _, _, err := m.Verify(p.ID, code, "x", ""); !errors.Is(err, ErrUnknownPairing) {
		t.Errorf("expired pairing err = %v, want ErrUnknownPairing", err)
	}
}

func TestTooManyPending(t *testing.T) {
	m, _ := newTestManager(t, 0)
	for i := 0; i < maxPending; i++ {
		if _, err := m.Start("10.0.0.5"); err != nil {
			t.Fatalf("Start %d: %v", i, err)
		}
	}
	if _, err := m.Start("10.0.0.5"); !errors.Is(err, ErrTooManyPending) {
		t.Errorf("err = %v, want ErrTooManyPending", err)
	}
}

func TestRevokedDeviceRejected(t *testing.T) {
	m, d := newTestManager(t, 0)
	p, _ := m.Start("")
	token, deviceID, err := m.Verify(p.ID, codeFor(m, p.ID), "phone", "")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := d.RevokeDevice(deviceID); err != nil {
		t.Fatalf("RevokeDevice: %v", err)
	}
	if _, ok := m.ValidateToken(token); ok {
		t.Error("revoked device token should not validate")
	}
}

func TestForeignTokensRejected(t *testing.T) {
	m, d := newTestManager(t, 0)
	if err := d.InsertDevice(&db.Device{ID: "dev-1", Name: "x"}); err != nil {
		t.Fatal(err)
	}

	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer, Subject: "dev-1"}}
	other, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("other-secret"))
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)

	for name, tok := range map[string]string{"wrong key": other, "alg none": none, "garbage": "not.a.jwt", "empty": ""} {
		if _, ok := m.ValidateToken(tok); ok {
			t.Errorf("%s: token should be rejected", name)
		}
	}
}

func TestExpiredToken(t *testing.T) {
	m, d := newTestManager(t, time.Hour)
	dev := &db.Device{ID: "dev-2", Name: "laptop"}
	if err := d.InsertDevice(dev); err != nil {
		t.Fatal(err)
	}
	m.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err := m.sign(dev)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := m.ValidateToken(token); ok {
		t.Error("expired token should be rejected")
	}
}
