package server

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/chriscow/callagent-go/pkg/agent"
	"github.com/chriscow/callagent-go/pkg/ai/llm"
	llmfake "github.com/chriscow/callagent-go/pkg/ai/llm/fake"
	"github.com/chriscow/callagent-go/pkg/ai/tts"
	ttsfake "github.com/chriscow/callagent-go/pkg/ai/tts/fake"
	"github.com/chriscow/callagent-go/pkg/clip"
	"github.com/chriscow/callagent-go/pkg/persona"
	"github.com/chriscow/callagent-go/pkg/session"
	"github.com/chriscow/callagent-go/pkg/speech"
	"github.com/chriscow/callagent-go/pkg/turn"
	"github.com/chriscow/callagent-go/pkg/twiml"
	"github.com/matryer/is"
)

const publicURL = "https://agent.test"

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

var playRE = regexp.MustCompile(`<Play>` + regexp.QuoteMeta(publicURL) + `/audio/([^<]+)</Play>`)

type fixture struct {
	srv   *Server
	clips *clip.Memory
	codec *session.Codec
}

func newFixture(t *testing.T, model llm.LLM, authToken string) *fixture {
	t.Helper()
	catalog := persona.Builtin()
	clips := clip.NewMemory()
	t.Cleanup(func() { _ = clips.Close() })
	codec := session.NewCodec(catalog, session.WithSecret([]byte("test-secret")))

	ctrl, err := agent.New(agent.Config{
		Generator:   turn.New(turn.Config{LLM: model, Timeout: 200 * time.Millisecond, Logger: quiet}),
		Synthesizer: speech.New(speech.Config{Providers: []tts.TTS{ttsfake.NewFakeTTS()}, Logger: quiet}),
		Clips:       clips,
		Codec:       codec,
		Catalog:     catalog,
		BaseURL:     publicURL,
		Logger:      quiet,
	})
	if err != nil {
		t.Fatal(err)
	}
	srv, err := New(Config{
		Controller: ctrl,
		Clips:      clips,
		PublicURL:  publicURL,
		AuthToken:  authToken,
		Logger:     quiet,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{srv: srv, clips: clips, codec: codec}
}

func (f *fixture) post(target string, form url.Values, cookie *http.Cookie, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) get(method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookie {
			return c
		}
	}
	t.Fatalf("no %s cookie in response", SessionCookie)
	return nil
}

func clipID(t *testing.T, body string) string {
	t.Helper()
	m := playRE.FindStringSubmatch(body)
	if m == nil {
		t.Fatalf("no <Play> in %s", body)
	}
	return m[1]
}

// sign computes the platform's request signature: base64 HMAC-SHA1 of the
// URL followed by every form key and value in key order.
func sign(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestConversationOverHTTP(t *testing.T) {
	is := is.New(t)
	f := newFixture(t, llmfake.NewFakeLLM("Great, what day works for you?"), "")

	// Start: opening line for the selected persona.
	rec := f.post("/voice?persona=survey&name=Jo", url.Values{"CallSid": {"CA1"}}, nil, "")
	is.Equal(rec.Code, http.StatusOK)
	is.Equal(rec.Header().Get("Content-Type"), twiml.ContentType)
	body := rec.Body.String()
	is.True(strings.Contains(body, `<Gather input="speech" action="`+publicURL+`/voice"`))
	is.True(strings.Contains(body, `<Redirect method="POST">`+publicURL+`/voice?reprompt=1</Redirect>`))

	cookie := sessionCookie(t, rec)
	is.True(cookie.Value != "")
	is.True(cookie.HttpOnly)
	is.True(cookie.Secure) // https public URL
	st, err := f.codec.Decode(cookie.Value)
	is.NoErr(err)
	is.Equal(st.Persona, "survey")
	is.Equal(st.CallerName, "Jo")

	// The platform fetches the clip exactly once.
	id := clipID(t, body)
	audio := f.get(http.MethodGet, "/audio/"+id)
	is.Equal(audio.Code, http.StatusOK)
	is.Equal(audio.Header().Get("Content-Type"), tts.MIMETypeMP3)
	is.True(strings.Contains(ttsfake.TextOf(audio.Body.Bytes()), "Jo"))
	is.Equal(f.get(http.MethodGet, "/audio/"+id).Code, http.StatusNotFound)

	// Reply: the cookie carries the transcript forward.
	rec = f.post("/voice", url.Values{"CallSid": {"CA1"}, "SpeechResult": {"Sure"}}, cookie, "")
	is.Equal(rec.Code, http.StatusOK)
	next := sessionCookie(t, rec)
	st, err = f.codec.Decode(next.Value)
	is.NoErr(err)
	is.Equal(st.Persona, "survey")
	is.Equal(len(st.Turns), 4) // system, opening, caller, agent
	is.Equal(st.Turns[2].Text, "Sure")
	is.Equal(st.Turns[3].Text, "Great, what day works for you?")
}

func TestHangupClearsCookie(t *testing.T) {
	is := is.New(t)
	f := newFixture(t, llmfake.NewFakeLLM("Thanks, goodbye! <hangup>"), "")

	rec := f.post("/voice", url.Values{"CallSid": {"CA2"}}, nil, "")
	cookie := sessionCookie(t, rec)

	rec = f.post("/voice", url.Values{"CallSid": {"CA2"}, "SpeechResult": {"No thanks"}}, cookie, "")
	is.Equal(rec.Code, http.StatusOK)
	is.True(strings.Contains(rec.Body.String(), "<Hangup></Hangup>"))
	cleared := sessionCookie(t, rec)
	is.Equal(cleared.Value, "")
	is.True(cleared.MaxAge < 0)
}

func TestGarbageCookieStartsOver(t *testing.T) {
	is := is.New(t)
	f := newFixture(t, llmfake.NewFakeLLM("unused"), "")

	rec := f.post("/voice", url.Values{"CallSid": {"CA3"}, "SpeechResult": {"hello"}},
		&http.Cookie{Name: SessionCookie, Value: "v1.not-a-token"}, "")
	is.Equal(rec.Code, http.StatusOK)
	st, err := f.codec.Decode(sessionCookie(t, rec).Value)
	is.NoErr(err)
	is.Equal(len(st.Turns), 2) // fresh call: system and opening only
}

func TestAudioUnknownAndHead(t *testing.T) {
	is := is.New(t)
	f := newFixture(t, nil, "")
	is.Equal(f.get(http.MethodGet, "/audio/nope").Code, http.StatusNotFound)

	rec := f.post("/voice", url.Values{"CallSid": {"CA4"}}, nil, "")
	id := clipID(t, rec.Body.String())

	head := f.get(http.MethodHead, "/audio/"+id)
	is.Equal(head.Code, http.StatusOK)
	is.Equal(f.clips.Len(), 1) // probe did not consume the clip
	is.Equal(f.get(http.MethodGet, "/audio/"+id).Code, http.StatusOK)
}

func TestSignatureRequired(t *testing.T) {
	is := is.New(t)
	const token = "twilio-auth-token"
	f := newFixture(t, nil, token)
	form := url.Values{"CallSid": {"CA5"}, "From": {"+15551234567"}}

	rec := f.post("/voice?persona=sales", form, nil, "")
	is.Equal(rec.Code, http.StatusForbidden)

	rec = f.post("/voice?persona=sales", form, nil, sign(token, publicURL+"/voice?persona=receptionist", form))
	is.Equal(rec.Code, http.StatusForbidden) // signed for a different URL

	rec = f.post("/voice?persona=sales", form, nil, sign(token, publicURL+"/voice?persona=sales", form))
	is.Equal(rec.Code, http.StatusOK)

	// Audio is fetched without a signature.
	is.Equal(f.get(http.MethodGet, "/audio/"+clipID(t, rec.Body.String())).Code, http.StatusOK)

	status := url.Values{"CallSid": {"CA5"}, "CallStatus": {"completed"}}
	is.Equal(f.post("/status", status, nil, "").Code, http.StatusForbidden)
	is.Equal(f.post("/status", status, nil, sign(token, publicURL+"/status", status)).Code, http.StatusNoContent)
}

func TestStatusHealthAndVars(t *testing.T) {
	is := is.New(t)
	f := newFixture(t, nil, "")

	rec := f.post("/status", url.Values{"CallSid": {"CA6"}, "CallStatus": {"completed"}}, nil, "")
	is.Equal(rec.Code, http.StatusNoContent)

	rec = f.get(http.MethodGet, "/healthz")
	is.Equal(rec.Code, http.StatusOK)
	is.Equal(rec.Body.String(), "ok\n")

	f.post("/voice", url.Values{"CallSid": {"CA6"}}, nil, "")
	rec = f.get(http.MethodGet, "/debug/vars")
	is.Equal(rec.Code, http.StatusOK)
	var vars map[string]json.RawMessage
	is.NoErr(json.Unmarshal(rec.Body.Bytes(), &vars))
	var metrics struct {
		Turns            int            `json:"turns"`
		StateTransitions map[string]int `json:"state_transitions"`
	}
	is.NoErr(json.Unmarshal(vars["agent"], &metrics))
	is.Equal(metrics.Turns, 1)
	is.Equal(metrics.StateTransitions["Start_to_AwaitingReply"], 1)
	is.Equal(metrics.StateTransitions["AwaitingReply_to_Ended"], 1)
	_, ok := vars["clip"]
	is.True(ok) // package counters are published too
}

func TestMethodNotAllowed(t *testing.T) {
	is := is.New(t)
	f := newFixture(t, nil, "")
	is.Equal(f.get(http.MethodGet, "/voice").Code, http.StatusMethodNotAllowed)
}

func TestNewRequiresCollaborators(t *testing.T) {
	is := is.New(t)
	_, err := New(Config{})
	is.True(err != nil)
}
