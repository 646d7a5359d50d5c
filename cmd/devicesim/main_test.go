package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicebridge/internal/audio"
	"github.com/ent0n29/voicebridge/internal/protocol"
)

func TestParseFlagsValidation(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "identity required", args: nil, wantErr: "user-id or token"},
		{name: "chunk too small", args: []string{"-user-id", "u", "-chunk-ms", "5"}, wantErr: "chunk-ms"},
		{name: "bad realtime", args: []string{"-token", "t", "-realtime", "0"}, wantErr: "realtime"},
		{name: "ok", args: []string{"-user-id", "u", "-turn-timeout-ms", "10"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := parseFlags(tc.args)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseFlags() error = %v", err)
			}
			if cfg.turnTimeout != time.Second {
				t.Fatalf("turn timeout should be clamped to 1s, got %s", cfg.turnTimeout)
			}
		})
	}
}

func TestDeviceURL(t *testing.T) {
	tests := []struct {
		base, user, want string
	}{
		{"http://127.0.0.1:8000", "u-1", "ws://127.0.0.1:8000/ws?user_id=u-1"},
		{"https://bridge.example/", "", "wss://bridge.example/ws"},
		{"wss://bridge.example/prefix", "a b", "wss://bridge.example/prefix/ws?user_id=a+b"},
	}
	for _, tc := range tests {
		got, err := deviceURL(tc.base, tc.user)
		if err != nil {
			t.Fatalf("deviceURL(%q) error = %v", tc.base, err)
		}
		if got != tc.want {
			t.Fatalf("deviceURL(%q, %q) = %q, want %q", tc.base, tc.user, got, tc.want)
		}
	}
	if _, err := deviceURL("ftp://x", ""); err == nil {
		t.Fatal("expected unsupported scheme error")
	}
}

func TestLoadClipResamplesToDeviceRate(t *testing.T) {
	pcm := audio.SamplesToBytes(make([]int16, 32000))
	path := filepath.Join(t.TempDir(), "in.wav")
	if err := os.WriteFile(path, audio.EncodeWAVPCM16LE(pcm, 32000), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := loadClip(path)
	if err != nil {
		t.Fatalf("loadClip() error = %v", err)
	}
	if len(got) != 16000*2 {
		t.Fatalf("len = %d, want %d", len(got), 16000*2)
	}

	if got := loadClipOrFail(t, ""); len(got) != deviceInputRate*2 {
		t.Fatalf("default tone len = %d, want one second", len(got))
	}
}

func loadClipOrFail(t *testing.T, path string) []byte {
	t.Helper()
	clip, err := loadClip(path)
	if err != nil {
		t.Fatalf("loadClip(%q) error = %v", path, err)
	}
	return clip
}

// fakeBridge answers every end_of_speech with a short Opus reply.
func fakeBridge(t *testing.T, received chan<- int) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" || r.URL.Query().Get("user_id") != "user-1" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		audioBytes := 0
		for {
			msgType, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if msgType == websocket.BinaryMessage {
				audioBytes += len(data)
				continue
			}
			var env struct{ Type, Msg string }
			_ = json.Unmarshal(data, &env)
			if env.Msg != protocol.InstructionEndOfSpeech {
				continue
			}
			received <- audioBytes

			_ = ws.WriteJSON(protocol.ResponseCreated(55))
			pk, err := audio.NewPacketizer(audio.DefaultPacketizerConfig(), func(pkt []byte) error {
				return ws.WriteMessage(websocket.BinaryMessage, pkt)
			})
			if err != nil {
				t.Errorf("packetizer: %v", err)
				return
			}
			if err := pk.Push(tone(300, 200*time.Millisecond)); err != nil {
				t.Errorf("push reply: %v", err)
			}
			if err := pk.Flush(true); err != nil {
				t.Errorf("flush reply: %v", err)
			}
			_ = pk.Close()
			_ = ws.WriteJSON(protocol.NewServerMessage(protocol.MsgResponseComplete))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSimulateStreamsTurnAndDecodesReply(t *testing.T) {
	received := make(chan int, 1)
	srv := fakeBridge(t, received)

	cfg := options{
		baseURL:     srv.URL,
		userID:      "user-1",
		turns:       1,
		chunkMS:     40,
		realtime:    20,
		turnTimeout: 5 * time.Second,
	}
	clip := tone(440, 200*time.Millisecond)
	results, err := simulate(t.Context(), cfg, clip, io.Discard)
	if err != nil {
		t.Fatalf("simulate() error = %v", err)
	}

	select {
	case n := <-received:
		if n != len(clip) {
			t.Fatalf("bridge received %d bytes, want %d", n, len(clip))
		}
	default:
		t.Fatal("bridge never saw end_of_speech")
	}

	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	r := results[0]
	if r.Packets != 2 {
		t.Fatalf("packets = %d, want 2", r.Packets)
	}
	if r.Volume == nil || *r.Volume != 55 {
		t.Fatalf("volume = %v, want 55", r.Volume)
	}
	if len(r.ReplyPCM) != 2*audio.DefaultPacketizerConfig().FrameBytes() {
		t.Fatalf("reply pcm = %d bytes", len(r.ReplyPCM))
	}
	if r.FirstAudio <= 0 || r.Error != "" {
		t.Fatalf("unexpected result %+v", r)
	}
}

func TestRunWritesReplyWAV(t *testing.T) {
	srv := fakeBridge(t, make(chan int, 1))
	out := filepath.Join(t.TempDir(), "reply.wav")
	cfg := options{
		baseURL:     srv.URL,
		userID:      "user-1",
		outPath:     out,
		turns:       1,
		chunkMS:     100,
		realtime:    50,
		turnTimeout: 5 * time.Second,
	}
	var stdout bytes.Buffer
	if err := run(t.Context(), cfg, &stdout); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	pcm, format, err := audio.ExtractPCM(data)
	if err != nil {
		t.Fatalf("ExtractPCM() error = %v", err)
	}
	if format.SampleRate != deviceOutputRate || len(pcm) == 0 {
		t.Fatalf("unexpected reply wav %+v len=%d", format, len(pcm))
	}
	if !strings.Contains(stdout.String(), "turn 0 packets=2") {
		t.Fatalf("missing turn summary in %q", stdout.String())
	}
}
