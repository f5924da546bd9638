package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
)

const flashCookie = "samu_flash"

// Flash categories, matching the alert styles of the pages
const (
	flashSuccess = "success"
	flashWarning = "warning"
	flashDanger  = "danger"
	flashInfo    = "info"
)

// Flash is a one-shot message shown on the next rendered page
type Flash struct {
	Category string `json:"c"`
	Message  string `json:"m"`
}

// flasher stores flash messages in a cookie signed with the secret key
type flasher struct {
	key []byte
}

func newFlasher(secret string) *flasher {
	return &flasher{key: []byte(secret)}
}

func (f *flasher) sign(payload string) string {
	mac := hmac.New(sha256.New, f.key)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Set replaces the pending messages with msg
func (f *flasher) Set(w http.ResponseWriter, category, msg string) {
	data, err := json.Marshal([]Flash{{Category: category, Message: msg}})
	if err != nil {
		return
	}
	payload := base64.RawURLEncoding.EncodeToString(data)
	http.SetCookie(w, &http.Cookie{
		Name:     flashCookie,
		Value:    payload + "." + f.sign(payload),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// Pop returns the pending messages and clears the cookie. Tampered cookies
// are dropped.
func (f *flasher) Pop(w http.ResponseWriter, r *http.Request) []Flash {
	c, err := r.Cookie(flashCookie)
	if err != nil {
		return nil
	}
	http.SetCookie(w, &http.Cookie{Name: flashCookie, Value: "", Path: "/", MaxAge: -1})

	payload, sig, ok := strings.Cut(c.Value, ".")
	if !ok || !hmac.Equal([]byte(sig), []byte(f.sign(payload))) {
		return nil
	}
	data, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil
	}
	var out []Flash
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
