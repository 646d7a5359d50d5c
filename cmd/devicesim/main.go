// Command devicesim behaves like a voice device: it streams 16 kHz PCM over the
// bridge websocket, signals end of speech, then decodes the Opus reply and reports
// first-audio latency per turn.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicebridge/internal/audio"
	"github.com/ent0n29/voicebridge/internal/protocol"
)

const (
	deviceInputRate  = 16000
	deviceOutputRate = 24000
)

type options struct {
	baseURL     string
	userID      string
	token       string
	wavPath     string
	outPath     string
	turns       int
	chunkMS     int
	realtime    float64
	greeting    bool
	turnTimeout time.Duration
	verbose     bool
}

type turnResult struct {
	Packets      int
	FirstAudio   time.Duration
	Volume       *int
	Error        string
	SessionEnded bool
	ReplyPCM     []byte
}

// simEvent is one frame read from the bridge.
type simEvent struct {
	msg    *protocol.ServerMessage
	packet []byte
	err    error
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "devicesim: %v\n", err)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "devicesim: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var (
		cfg           options
		turnTimeoutMS int
	)
	fs := flag.NewFlagSet("devicesim", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8000", "bridge base URL")
	fs.StringVar(&cfg.userID, "user-id", "", "user_id query parameter (needs APP_ALLOW_QUERY_USER)")
	fs.StringVar(&cfg.token, "token", "", "bearer token for the device")
	fs.StringVar(&cfg.wavPath, "wav", "", "16-bit PCM WAV to speak; a 440 Hz tone when empty")
	fs.StringVar(&cfg.outPath, "out", "", "write the decoded replies to this WAV file")
	fs.IntVar(&cfg.turns, "turns", 1, "number of spoken turns")
	fs.IntVar(&cfg.chunkMS, "chunk-ms", 40, "audio frame size in milliseconds")
	fs.Float64Var(&cfg.realtime, "realtime", 1.0, "pacing multiplier (1.0=realtime, 2.0=2x)")
	fs.BoolVar(&cfg.greeting, "greeting", true, "wait for the assistant greeting before speaking")
	fs.IntVar(&turnTimeoutMS, "turn-timeout-ms", 20000, "timeout waiting for RESPONSE.COMPLETE per turn")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print per-event progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if strings.TrimSpace(cfg.userID) == "" && strings.TrimSpace(cfg.token) == "" {
		return options{}, fmt.Errorf("one of user-id or token is required")
	}
	if cfg.turns < 0 {
		return options{}, fmt.Errorf("turns must be >= 0")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	return cfg, nil
}

func run(ctx context.Context, cfg options, stdout io.Writer) error {
	clip, err := loadClip(cfg.wavPath)
	if err != nil {
		return fmt.Errorf("prepare utterance audio: %w", err)
	}
	results, err := simulate(ctx, cfg, clip, stdout)
	if err != nil {
		return err
	}

	var reply []byte
	for i, r := range results {
		reply = append(reply, r.ReplyPCM...)
		fmt.Fprintf(stdout, "devicesim: turn %d packets=%d first_audio=%s%s\n", i, r.Packets, r.FirstAudio.Round(time.Millisecond), errSuffix(r.Error))
	}
	if cfg.outPath != "" {
		if err := os.WriteFile(cfg.outPath, audio.EncodeWAVPCM16LE(reply, deviceOutputRate), 0o644); err != nil {
			return fmt.Errorf("write reply wav: %w", err)
		}
		fmt.Fprintf(stdout, "devicesim: wrote %s (%d bytes pcm)\n", cfg.outPath, len(reply))
	}
	return nil
}

func errSuffix(e string) string {
	if e == "" {
		return ""
	}
	return " error=" + e
}

// simulate runs one device connection. The greeting, when awaited, is reported as
// turn 0 with FirstAudio measured from connect.
func simulate(ctx context.Context, cfg options, clip []byte, stdout io.Writer) ([]turnResult, error) {
	wsURL, err := deviceURL(cfg.baseURL, cfg.userID)
	if err != nil {
		return nil, fmt.Errorf("build ws URL: %w", err)
	}
	header := http.Header{}
	if cfg.token != "" {
		header.Set("Authorization", "Bearer "+cfg.token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	events := make(chan simEvent, 64)
	go readLoop(conn, events)

	dec, err := audio.NewOpusDecoder(deviceOutputRate, 1)
	if err != nil {
		return nil, err
	}

	logf := func(format string, args ...any) {
		if cfg.verbose {
			fmt.Fprintf(stdout, "devicesim: "+format+"\n", args...)
		}
	}

	var results []turnResult
	if cfg.greeting {
		r, err := awaitResponse(events, dec, time.Now(), cfg.turnTimeout, logf)
		if err != nil {
			return results, fmt.Errorf("await greeting: %w", err)
		}
		results = append(results, r)
		if r.SessionEnded {
			return results, nil
		}
	}

	for i := 0; i < cfg.turns; i++ {
		logf("turn %d/%d streaming %d bytes", i+1, cfg.turns, len(clip))
		if err := streamClip(ctx, conn, clip, cfg.chunkMS, cfg.realtime); err != nil {
			return results, fmt.Errorf("turn %d send audio: %w", i+1, err)
		}
		if err := sendInstruction(conn, protocol.InstructionEndOfSpeech); err != nil {
			return results, fmt.Errorf("turn %d send end_of_speech: %w", i+1, err)
		}
		r, err := awaitResponse(events, dec, time.Now(), cfg.turnTimeout, logf)
		if err != nil {
			return results, fmt.Errorf("turn %d: %w", i+1, err)
		}
		results = append(results, r)
		if r.SessionEnded {
			break
		}
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return results, nil
}

func deviceURL(baseURL, userID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	if userID = strings.TrimSpace(userID); userID != "" {
		q := u.Query()
		q.Set("user_id", userID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, events chan<- simEvent) {
	defer close(events)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			events <- simEvent{err: err}
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			events <- simEvent{packet: data}
		case websocket.TextMessage:
			var msg protocol.ServerMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			events <- simEvent{msg: &msg}
		}
	}
}

// awaitResponse consumes events until the assistant turn finishes. A normal close
// or SESSION.END ends the turn without error.
func awaitResponse(events <-chan simEvent, dec *audio.OpusDecoder, since time.Time, timeout time.Duration, logf func(string, ...any)) (turnResult, error) {
	var r turnResult
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return r, fmt.Errorf("timeout after %s", timeout)
		case ev, ok := <-events:
			if !ok {
				r.SessionEnded = true
				return r, nil
			}
			switch {
			case ev.err != nil:
				if websocket.IsCloseError(ev.err, websocket.CloseNormalClosure) {
					r.SessionEnded = true
					return r, nil
				}
				return r, ev.err
			case ev.packet != nil:
				if r.Packets == 0 {
					r.FirstAudio = time.Since(since)
				}
				r.Packets++
				pcm, err := dec.Decode(ev.packet)
				if err != nil {
					logf("drop packet: %v", err)
					continue
				}
				r.ReplyPCM = append(r.ReplyPCM, pcm...)
			case ev.msg != nil:
				logf("event %s", ev.msg.Msg)
				switch ev.msg.Msg {
				case protocol.MsgResponseCreated:
					r.Volume = ev.msg.VolumeControl
				case protocol.MsgResponseComplete:
					return r, nil
				case protocol.MsgResponseError:
					r.Error = ev.msg.Error
					return r, nil
				case protocol.MsgSessionEnd:
					r.SessionEnded = true
					return r, nil
				}
			}
		}
	}
}

func streamClip(ctx context.Context, conn *websocket.Conn, clip []byte, chunkMS int, realtime float64) error {
	chunkBytes := deviceInputRate * 2 * chunkMS / 1000
	pace := time.Duration(float64(time.Duration(chunkMS)*time.Millisecond) / realtime)
	for off := 0; off < len(clip); off += chunkBytes {
		end := min(off+chunkBytes, len(clip))
		if err := conn.WriteMessage(websocket.BinaryMessage, clip[off:end]); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pace):
		}
	}
	return nil
}

func sendInstruction(conn *websocket.Conn, msg string) error {
	return conn.WriteJSON(map[string]string{"type": protocol.TypeInstruction, "msg": msg})
}

// loadClip returns mono PCM16LE at the device input rate.
func loadClip(path string) ([]byte, error) {
	if path == "" {
		return tone(440, time.Second), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pcm, format, err := audio.ExtractPCM(data)
	if err != nil {
		return nil, err
	}
	pcm = audio.Resample(audio.Mono(pcm, format.Channels), format.SampleRate, deviceInputRate)
	if len(pcm) == 0 {
		return nil, errors.New("wav produced no PCM bytes")
	}
	return pcm, nil
}

func tone(freq float64, d time.Duration) []byte {
	n := int(int64(deviceInputRate) * int64(d) / int64(time.Second))
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(6000 * math.Sin(2*math.Pi*freq*float64(i)/deviceInputRate))
	}
	return audio.SamplesToBytes(samples)
}
