package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chriscow/callagent-go/pkg/ai/tts"
)

// mp3Header is an MPEG-1 Layer III frame header, enough for content sniffing.
var mp3Header = []byte{0xFF, 0xFB, 0x90, 0x64}

// FakeTTS is a fake TTS implementation for testing.
type FakeTTS struct {
	name  string
	err   error
	delay time.Duration

	mu       sync.Mutex
	requests []tts.SynthesizeRequest
}

// NewFakeTTS creates a new fake TTS provider.
func NewFakeTTS() *FakeTTS {
	return &FakeTTS{name: "fake"}
}

// NewNamedFakeTTS creates a fake provider reporting the given name.
func NewNamedFakeTTS(name string) *FakeTTS {
	return &FakeTTS{name: name}
}

// NewFailingTTS creates a fake provider whose every call fails with err.
func NewFailingTTS(name string, err error) *FakeTTS {
	if err == nil {
		err = fmt.Errorf("fake tts failure: %w", tts.ErrFatal)
	}
	return &FakeTTS{name: name, err: err}
}

// WithDelay makes every Synthesize call block for d or until ctx is done.
func (f *FakeTTS) WithDelay(d time.Duration) *FakeTTS {
	f.delay = d
	return f
}

// Name returns the provider name.
func (f *FakeTTS) Name() string {
	return f.name
}

// Synthesize returns a fake MP3 payload whose body embeds the text, so tests
// can check which utterance a clip carries.
func (f *FakeTTS) Synthesize(ctx context.Context, req tts.SynthesizeRequest) (tts.Audio, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return tts.Audio{}, ctx.Err()
		}
	}
	if f.err != nil {
		return tts.Audio{}, f.err
	}

	data := make([]byte, 0, len(mp3Header)+len(req.Text))
	data = append(data, mp3Header...)
	data = append(data, req.Text...)
	return tts.Audio{Data: data, MIMEType: tts.MIMETypeMP3}, nil
}

// Requests returns a copy of every request received.
func (f *FakeTTS) Requests() []tts.SynthesizeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tts.SynthesizeRequest(nil), f.requests...)
}

// TextOf extracts the text a fake clip was synthesized from.
func TextOf(data []byte) string {
	if len(data) < len(mp3Header) {
		return ""
	}
	return string(data[len(mp3Header):])
}
