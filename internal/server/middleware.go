package server

import (
	"log/slog"
	"net/http"
	"time"

	twclient "github.com/twilio/twilio-go/client"
)

// SignatureHeader carries the platform's HMAC of the request URL and form.
const SignatureHeader = "X-Twilio-Signature"

// Recover turns a handler panic into a 500 instead of a dropped connection.
func Recover(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				logger.Error("panic", "panic", v, "path", r.URL.Path)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// AccessLog logs one line per request at debug level; turns already log
// their own summary at info.
func AccessLog(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

// RequireSignature rejects webhook requests whose signature does not match
// publicURL+path+query signed with authToken. The platform signs the URL it
// called, so publicURL must be exactly what it was configured with.
func RequireSignature(authToken, publicURL string, logger *slog.Logger, next http.Handler) http.Handler {
	validator := twclient.NewRequestValidator(authToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "malformed form", http.StatusBadRequest)
			return
		}
		params := make(map[string]string, len(r.PostForm))
		for k, v := range r.PostForm {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		url := publicURL + r.URL.RequestURI()
		if !validator.Validate(url, params, r.Header.Get(SignatureHeader)) {
			logger.Warn("rejected unsigned webhook", "path", r.URL.Path, "call_sid", params["CallSid"])
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
