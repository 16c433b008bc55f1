// Package auth implements lightweight TOTP device pairing for the HTTP
// and WebSocket facade. Grounded on the teacher's otherwise-unwired
// pquerna/otp and makiuchi-d/gozxing dependencies: one secret minted on
// first pairing, rendered as a scannable QR code, verified thereafter
// with a standard 6-digit code.
package auth

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"image/png"
	"net/http"
	"time"

	"github.com/makiuchi-d/gozxing"
	qrcode "github.com/makiuchi-d/gozxing/qrcode"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/agentboard/agentboard/internal/store"
)

const (
	settingTOTPSecret = "auth.totp_secret"
	cookieName        = "agentboard_session"
	issuer            = "Agentboard"
)

// Guard wraps HTTP handlers with session-cookie enforcement. It is a
// no-op (every request passes through) until a TOTP secret has been
// paired, so first-run and -local usage stay frictionless.
type Guard struct {
	db        *store.Store
	sessionKey [32]byte
}

func New(db *store.Store, sessionKey [32]byte) *Guard {
	return &Guard{db: db, sessionKey: sessionKey}
}

func (g *Guard) pairedSecret(ctx context.Context) (string, bool) {
	secret, ok, err := g.db.GetAppSetting(ctx, settingTOTPSecret)
	if err != nil || !ok || secret == "" {
		return "", false
	}
	return secret, true
}

// Middleware wraps h, requiring a valid session cookie for every request
// except /api/health and /api/auth/*, and only once pairing has occurred.
func (g *Guard) Middleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" || isAuthRoute(r.URL.Path) {
			h.ServeHTTP(w, r)
			return
		}
		if _, paired := g.pairedSecret(r.Context()); !paired {
			h.ServeHTTP(w, r)
			return
		}
		if !g.validSession(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func isAuthRoute(path string) bool {
	return len(path) >= len("/api/auth/") && path[:len("/api/auth/")] == "/api/auth/"
}

// HandlePair issues (or re-renders) the TOTP secret as a QR PNG. Calling
// this again after a secret already exists re-renders the existing
// secret rather than minting a new one, so a half-finished pairing flow
// doesn't invalidate a code the user already scanned.
func (g *Guard) HandlePair(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	secret, ok := g.pairedSecret(ctx)
	if !ok {
		key, err := totp.Generate(totp.GenerateOpts{Issuer: issuer, AccountName: "operator"})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		secret = key.Secret()
		if err := g.db.SetAppSetting(ctx, settingTOTPSecret, secret); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	key, err := otp.NewKeyFromURL(fmt.Sprintf(
		"otpauth://totp/%s:operator?secret=%s&issuer=%s",
		issuer, secret, issuer,
	))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	png, err := renderQR(key.URL(), 256, 256)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

func renderQR(data string, width, height int) ([]byte, error) {
	writer := qrcode.NewQRCodeWriter()
	matrix, err := writer.Encode(data, gozxing.BarcodeFormat_QR_CODE, width, height, nil)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, imageFromBitMatrix(matrix)); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

type verifyRequest struct {
	Code string `json:"code"`
}

// HandleVerify checks a 6-digit TOTP code against the paired secret and,
// on success, mints an HMAC-signed session cookie valid for 30 days.
func (g *Guard) HandleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	secret, ok := g.pairedSecret(ctx)
	if !ok {
		http.Error(w, "no secret paired", http.StatusPreconditionFailed)
		return
	}

	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if !totp.Validate(req.Code, secret) {
		http.Error(w, "invalid code", http.StatusUnauthorized)
		return
	}

	token := g.signSession(time.Now().Add(30 * 24 * time.Hour))
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int((30 * 24 * time.Hour).Seconds()),
	})
	w.WriteHeader(http.StatusOK)
}

func (g *Guard) validSession(r *http.Request) bool {
	c, err := r.Cookie(cookieName)
	if err != nil {
		return false
	}
	return g.verifySession(c.Value)
}

// signSession and verifySession implement a minimal signed-token scheme:
// base64(expiryUnix) + "." + base64(hmac(expiryUnix, sessionKey)).
func (g *Guard) signSession(expiry time.Time) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(expiry.Unix()))
	mac := hmacSum(g.sessionKey[:], buf[:])
	return base64.RawURLEncoding.EncodeToString(buf[:]) + "." + base64.RawURLEncoding.EncodeToString(mac)
}

func (g *Guard) verifySession(token string) bool {
	dot := -1
	for i, c := range token {
		if c == '.' {
			dot = i
			break
		}
	}
	if dot < 0 {
		return false
	}
	expiryB, err := base64.RawURLEncoding.DecodeString(token[:dot])
	if err != nil || len(expiryB) != 8 {
		return false
	}
	sig, err := base64.RawURLEncoding.DecodeString(token[dot+1:])
	if err != nil {
		return false
	}
	want := hmacSum(g.sessionKey[:], expiryB)
	if subtle.ConstantTimeCompare(sig, want) != 1 {
		return false
	}
	expiry := time.Unix(int64(binary.BigEndian.Uint64(expiryB)), 0)
	return time.Now().Before(expiry)
}

// RandomSessionKey generates a fresh HMAC key, used at startup when no
// key has been persisted yet.
func RandomSessionKey() [32]byte {
	var k [32]byte
	_, _ = rand.Read(k[:])
	return k
}
