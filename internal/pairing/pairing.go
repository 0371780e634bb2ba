// Package pairing lets a new client device obtain its own bearer token.
// The operator starts a pairing, reads the six-digit code from the server
// log, and the device exchanges that code for a signed device token.
package pairing

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/joestump/homegate/internal/db"
)

const (
	// CodeTTL is how long a pairing code can be redeemed.
	CodeTTL = 5 * time.Minute
	// MaxAttempts is how many wrong codes a pairing tolerates before it is
	// discarded.
	MaxAttempts = 5
	maxPending  = 16
	issuer      = "homegate"
)

var (
	ErrUnknownPairing = errors.New("unknown or expired pairing")
	ErrBadCode        = errors.New("incorrect pairing code")
	ErrInvalidToken   = errors.New("invalid device token")
	ErrTooManyPending = errors.New("too many pairings in progress")
)

// DeviceStore persists paired devices.
type DeviceStore interface {
	InsertDevice(dev *db.Device) error
	GetDevice(id string) (*db.Device, error)
	TouchDevice(id string) error
}

// Pending is a pairing waiting for its code.
type Pending struct {
	ID        string    `json:"pairing_id"`
	ExpiresAt time.Time `json:"expires_at"`
	code      string
	attempts  int
}

// Claims are carried by a device token.
type Claims struct {
	jwt.RegisteredClaims
	DeviceName string `json:"device_name"`
}

// Manager issues pairing codes and device tokens and validates the latter.
type Manager struct {
	secret   []byte
	store    DeviceStore
	tokenTTL time.Duration
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]*Pending
}

// NewManager returns a Manager signing tokens with secret. An empty secret
// is replaced with a random one, so tokens only survive until restart.
// tokenTTL of zero issues tokens without expiry.
func NewManager(secret string, store DeviceStore, tokenTTL time.Duration) (*Manager, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate pairing secret: %w", err)
		}
		log.Warn().Msg("no pairing secret configured; device tokens will not survive a restart")
	}
	return &Manager{
		secret:   key,
		store:    store,
		tokenTTL: tokenTTL,
		now:      time.Now,
		pending:  make(map[string]*Pending),
	}, nil
}

// Start opens a pairing and logs its code for the operator.
func (m *Manager) Start(clientAddr string) (Pending, error) {
	code, err := newCode()
	if err != nil {
		return Pending{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	if len(m.pending) >= maxPending {
		return Pending{}, ErrTooManyPending
	}
	p := &Pending{
		ID:        uuid.NewString(),
		ExpiresAt: m.now().Add(CodeTTL),
		code:      code,
	}
	m.pending[p.ID] = p

	log.Warn().
		Str("pairing_id", p.ID).
		Str("client", clientAddr).
		Str("code", code).
		Time("expires_at", p.ExpiresAt).
		Msg("pairing requested; give this code to the device")
	return *p, nil
}

// Verify redeems a pairing code. On success the device is stored and a
// signed token is returned.
func (m *Manager) Verify(pairingID, code, deviceName, clientAddr string) (token, deviceID string, err error) {
	m.mu.Lock()
	m.pruneLocked()
	p, ok := m.pending[pairingID]
	if !ok {
		m.mu.Unlock()
		return "", "", ErrUnknownPairing
	}
	if subtle.ConstantTimeCompare([]byte(p.code), []byte(code)) != 1 {
		p.attempts++
		if p.attempts >= MaxAttempts {
			delete(m.pending, pairingID)
		}
		m.mu.Unlock()
		return "", "", ErrBadCode
	}
	delete(m.pending, pairingID)
	m.mu.Unlock()

	if deviceName == "" {
		deviceName = "device"
	}
	dev := &db.Device{ID: uuid.NewString(), Name: deviceName, ClientAddr: clientAddr}
	if err := m.store.InsertDevice(dev); err != nil {
		return "", "", fmt.Errorf("store device: %w", err)
	}
	token, err = m.sign(dev)
	if err != nil {
		return "", "", err
	}
	log.Info().Str("device_id", dev.ID).Str("device", deviceName).Str("client", clientAddr).Msg("device paired")
	return token, dev.ID, nil
}

func (m *Manager) sign(dev *db.Device) (string, error) {
	now := m.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   issuer,
			Subject:  dev.ID,
			ID:       uuid.NewString(),
			IssuedAt: jwt.NewNumericDate(now),
		},
		DeviceName: dev.Name,
	}
	if m.tokenTTL > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(m.tokenTTL))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign device token: %w", err)
	}
	return signed, nil
}

// ValidateToken reports whether token was issued to a device that is still
// paired, and returns the device ID.
func (m *Manager) ValidateToken(token string) (string, bool) {
	deviceID, err := m.parse(token)
	if err != nil {
		return "", false
	}
	dev, err := m.store.GetDevice(deviceID)
	if err != nil {
		log.Warn().Err(err).Str("device_id", deviceID).Msg("device lookup failed")
		return "", false
	}
	if dev == nil || dev.Revoked {
		return "", false
	}
	if err := m.store.TouchDevice(deviceID); err != nil {
		log.Debug().Err(err).Str("device_id", deviceID).Msg("touch device")
	}
	return deviceID, true
}

func (m *Manager) parse(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return "", ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" || claims.Issuer != issuer {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

func (m *Manager) pruneLocked() {
	now := m.now()
	for id, p := range m.pending {
		if !now.Before(p.ExpiresAt) {
			delete(m.pending, id)
		}
	}
}

func newCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
