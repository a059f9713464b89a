package persona

// Builtin returns the catalog compiled into the binary.
func Builtin() *Catalog {
	c, err := NewCatalog("sales", "rachel", builtinPersonas, builtinVoices)
	if err != nil {
		panic("persona: invalid builtin catalog: " + err.Error())
	}
	return c
}

var builtinPersonas = []Persona{
	{
		ID:   "sales",
		Name: "Outbound sales representative",
		Prompt: `You are Sam, a friendly representative calling {{.CallerName}} about a free product demo.
Keep every reply to one or two short sentences suitable for a phone call.
Ask one question at a time. If the caller is not interested, thank them and say goodbye.`,
		Opening: `Hi {{.CallerName}}, this is Sam calling about a free product demo. Do you have a minute to chat?`,
	},
	{
		ID:   "receptionist",
		Name: "Front desk receptionist",
		Prompt: `You are the front desk receptionist for a small dental clinic speaking with {{.CallerName}}.
Help the caller book, move, or cancel an appointment. Keep replies brief and conversational.`,
		Opening: `Hello {{.CallerName}}, thanks for calling the clinic. How can I help you today?`,
	},
	{
		ID:   "survey",
		Name: "Customer satisfaction survey",
		Prompt: `You are running a three question customer satisfaction survey with {{.CallerName}}.
Ask the questions one at a time, acknowledge each answer briefly, and thank the caller at the end.`,
		Opening: `Hi {{.CallerName}}, this is a short three question survey about your recent visit. Is now a good time?`,
	},
}

var builtinVoices = []VoiceProfile{
	{
		ID:       "rachel",
		Name:     "Rachel (warm, female)",
		Language: "en-US",
		Say:      "Polly.Joanna",
		Provider: map[string]string{
			"elevenlabs": "21m00Tcm4TlvDq8ikWAM",
			"openai":     "nova",
			"fake":       "fake-voice-1",
		},
	},
	{
		ID:       "adam",
		Name:     "Adam (deep, male)",
		Language: "en-US",
		Say:      "Polly.Matthew",
		Provider: map[string]string{
			"elevenlabs": "pNInz6obpgDQGcFmaJgB",
			"openai":     "onyx",
			"fake":       "fake-voice-2",
		},
	},
	{
		ID:       "alice",
		Name:     "Alice (neutral)",
		Language: "en-US",
		Say:      "alice",
		Provider: map[string]string{
			"openai": "alloy",
		},
	},
}
