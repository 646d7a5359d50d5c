package voice

import (
	"slices"
	"testing"

	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/store"
)

func TestGrokSessionSetupAndDeviceInput(t *testing.T) {
	p := newFakeProvider(t)
	dev := newDeviceRecorder()
	g, err := NewGrok(testConfig(p.URL()), testDeps(dev))
	if err != nil {
		t.Fatalf("new grok: %v", err)
	}
	defer g.Close()

	g.HandleDeviceMessage(protocol.AudioFrame([]byte{9, 9}))
	errCh := connectAsync(t, g)
	c := p.accept()
	if got := c.header.Get("Authorization"); got != "Bearer test-key" {
		t.Fatalf("unexpected authorization header %q", got)
	}

	update := c.read()
	if update["type"] != "session.update" {
		t.Fatalf("expected session.update, got %v", update["type"])
	}
	if got := dig(update, "session", "turn_detection", "type"); got != "server_vad" {
		t.Fatalf("unexpected turn detection %v", got)
	}
	if got := dig(update, "session", "audio", "input", "format", "rate"); got != float64(16000) {
		t.Fatalf("unexpected input rate %v", got)
	}
	if got := dig(update, "session", "audio", "output", "format", "rate"); got != float64(24000) {
		t.Fatalf("unexpected output rate %v", got)
	}
	if got := dig(update, "session", "instructions"); got != "be brief" {
		t.Fatalf("unexpected instructions %v", got)
	}

	item := c.read()
	if item["type"] != "conversation.item.create" || dig(item, "item", "content", 0, "text") != "say hi" {
		t.Fatalf("unexpected first item %v", item)
	}
	if got := c.read()["type"]; got != "response.create" {
		t.Fatalf("expected response.create after first item, got %v", got)
	}
	appendMsg := c.read()
	if appendMsg["type"] != "input_audio_buffer.append" || appendMsg["audio"] != b64([]byte{9, 9}) {
		t.Fatalf("expected queued audio append, got %v", appendMsg)
	}
	requireConnected(t, errCh)

	g.HandleDeviceMessage(protocol.InstructionFrame(protocol.InstructionEndOfSpeech))
	var got []string
	for range 3 {
		got = append(got, c.read()["type"].(string))
	}
	want := []string{"input_audio_buffer.commit", "response.create", "input_audio_buffer.clear"}
	if !slices.Equal(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	g.HandleDeviceMessage(protocol.InstructionFrame(protocol.InstructionInterrupt))
	if typ := c.read()["type"]; typ != "input_audio_buffer.clear" {
		t.Fatalf("expected clear on interrupt, got %v", typ)
	}
}

func TestGrokResponseEvents(t *testing.T) {
	p := newFakeProvider(t)
	dev := newDeviceRecorder()
	rec := &turnSink{}
	deps := testDeps(dev)
	deps.Recorder = rec
	g, err := NewGrok(testConfig(p.URL()), deps)
	if err != nil {
		t.Fatalf("new grok: %v", err)
	}
	defer g.Close()

	errCh := connectAsync(t, g)
	c := p.accept()
	for range 3 {
		c.read()
	}
	requireConnected(t, errCh)

	c.send(map[string]any{"type": "session.created"})
	c.send(map[string]any{"type": "input_audio_buffer.committed"})
	c.send(map[string]any{"type": "conversation.item.input_audio_transcription.completed", "transcript": "Hello"})
	c.send(map[string]any{"type": "response.created"})
	c.send(map[string]any{"type": "response.output_audio.delta", "delta": b64(make([]byte, 5760))})
	c.send(map[string]any{"type": "response.audio.delta", "delta": b64(make([]byte, 5760))})
	c.send(map[string]any{"type": "response.output_audio_transcript.delta", "delta": "Hi "})
	c.send(map[string]any{"type": "response.output_audio_transcript.delta", "delta": "there"})
	c.send(map[string]any{"type": "response.done"})
	c.send(map[string]any{"type": "error", "error": map[string]any{"message": "rate limited"}})

	waitUntil(t, "error event", func() bool { return dev.count("RESPONSE.ERROR") == 1 })
	want := []string{
		"SESSION.CREATED", "AUDIO.COMMITTED", "RESPONSE.CREATED",
		"opus", "opus", "RESPONSE.COMPLETE", "RESPONSE.ERROR",
	}
	if got := dev.order(); !slices.Equal(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	msgs := dev.messages()
	if last := msgs[len(msgs)-1]; last.Error != "rate limited" {
		t.Fatalf("expected provider detail, got %q", last.Error)
	}
	if created := msgs[2]; created.VolumeControl == nil || *created.VolumeControl != 100 {
		t.Fatalf("expected fallback volume 100, got %+v", created.VolumeControl)
	}

	// The error closes the turn; the next response starts a fresh one.
	c.send(map[string]any{"type": "response.created"})
	c.send(map[string]any{"type": "response.output_audio.delta", "delta": b64(make([]byte, 5760))})
	c.send(map[string]any{"type": "response.done"})
	waitUntil(t, "turn after error", func() bool { return dev.count("RESPONSE.COMPLETE") == 2 })
	if tail := dev.order()[len(want):]; !slices.Equal(tail, []string{"RESPONSE.CREATED", "opus", "RESPONSE.COMPLETE"}) {
		t.Fatalf("unexpected events after error %v", tail)
	}

	recs := rec.records()
	if len(recs) != 2 {
		t.Fatalf("expected two records, got %+v", recs)
	}
	if recs[0].Role != store.RoleUser || recs[0].Content != "Hello" {
		t.Fatalf("unexpected user record %+v", recs[0])
	}
	if recs[1].Role != store.RoleAssistant || recs[1].Content != "Hi there" {
		t.Fatalf("unexpected assistant record %+v", recs[1])
	}
}

func TestGrokRedactsStoredTranscriptsAndErrorDetail(t *testing.T) {
	p := newFakeProvider(t)
	dev := newDeviceRecorder()
	rec := &turnSink{}
	deps := testDeps(dev)
	deps.Recorder = rec
	deps.RedactTranscripts = true
	g, err := NewGrok(testConfig(p.URL()), deps)
	if err != nil {
		t.Fatalf("new grok: %v", err)
	}
	defer g.Close()

	errCh := connectAsync(t, g)
	c := p.accept()
	for range 3 {
		c.read()
	}
	requireConnected(t, errCh)

	c.send(map[string]any{"type": "conversation.item.input_audio_transcription.completed", "transcript": "mail me at ada@example.com"})
	c.send(map[string]any{"type": "error", "error": map[string]any{"message": "invalid api key xai-0123456789abcdefghij"}})

	waitUntil(t, "error event", func() bool { return dev.count("RESPONSE.ERROR") == 1 })
	msgs := dev.messages()
	if got := msgs[len(msgs)-1].Error; got != "invalid api key [REDACTED_KEY]" {
		t.Fatalf("expected redacted provider detail, got %q", got)
	}
	recs := rec.records()
	if len(recs) != 1 || recs[0].Content != "mail me at [REDACTED_EMAIL]" {
		t.Fatalf("expected redacted transcript, got %+v", recs)
	}
}
