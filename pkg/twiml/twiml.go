// Package twiml builds the TwiML documents returned from voice webhooks.
package twiml

import (
	"encoding/xml"
	"fmt"
)

// ContentType is the media type of a rendered document.
const ContentType = "text/xml; charset=utf-8"

// Response is the root <Response> element. Verbs run in order.
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any
}

// Gather listens for the caller's speech and posts the result to Action.
// Nested verbs play while listening, so the caller can barge in.
type Gather struct {
	XMLName       xml.Name `xml:"Gather"`
	Input         string   `xml:"input,attr,omitempty"`
	Action        string   `xml:"action,attr,omitempty"`
	Method        string   `xml:"method,attr,omitempty"`
	Language      string   `xml:"language,attr,omitempty"`
	SpeechTimeout string   `xml:"speechTimeout,attr,omitempty"`
	Timeout       int      `xml:"timeout,attr,omitempty"`
	Children      []any
}

// Play plays an audio file fetched from URL.
type Play struct {
	XMLName xml.Name `xml:"Play"`
	URL     string   `xml:",chardata"`
}

// Say speaks text with the platform's own voices.
type Say struct {
	XMLName  xml.Name `xml:"Say"`
	Voice    string   `xml:"voice,attr,omitempty"`
	Language string   `xml:"language,attr,omitempty"`
	Text     string   `xml:",chardata"`
}

// Redirect transfers control to another webhook.
type Redirect struct {
	XMLName xml.Name `xml:"Redirect"`
	Method  string   `xml:"method,attr,omitempty"`
	URL     string   `xml:",chardata"`
}

// Hangup ends the call.
type Hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// Add appends verbs and returns r for chaining.
func (r *Response) Add(verbs ...any) *Response {
	r.Verbs = append(r.Verbs, verbs...)
	return r
}

// Marshal renders the document with its XML declaration.
func (r *Response) Marshal() ([]byte, error) {
	body, err := xml.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("twiml: marshal: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// Prompt is the canonical turn document: speak (audio or platform voice)
// inside a speech Gather, then redirect when the Gather times out with no
// speech.
type Prompt struct {
	// AudioURL is played when set; otherwise Say is spoken.
	AudioURL string
	Say      *Say
	// Action receives the Gather result.
	Action string
	// TimeoutAction receives control when nothing was heard.
	TimeoutAction string
	// Timeout is how many seconds to wait for speech to start.
	Timeout  int
	Language string
}

// Build renders p as a Response.
func (p Prompt) Build() *Response {
	g := Gather{
		Input:         "speech",
		Action:        p.Action,
		Method:        "POST",
		Language:      p.Language,
		SpeechTimeout: "auto",
		Timeout:       p.Timeout,
	}
	g.Children = append(g.Children, speak(p.AudioURL, p.Say))

	r := &Response{}
	r.Add(g)
	if p.TimeoutAction != "" {
		r.Add(Redirect{Method: "POST", URL: p.TimeoutAction})
	}
	return r
}

// Farewell plays the final utterance and hangs up.
func Farewell(audioURL string, say *Say) *Response {
	r := &Response{}
	return r.Add(speak(audioURL, say), Hangup{})
}

func speak(audioURL string, say *Say) any {
	if audioURL != "" {
		return Play{URL: audioURL}
	}
	if say != nil {
		return *say
	}
	return Say{}
}
