package voice

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/store"
)

// Kind names one of the supported realtime speech providers.
type Kind string

const (
	KindGemini Kind = "gemini"
	KindGrok   Kind = "grok"
	KindHume   Kind = "hume"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindGemini, KindGrok, KindHume:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
	}
}

// Adapter bridges one device connection to one provider session.
type Adapter interface {
	// Connect dials the provider. Frames handed in before it returns are
	// replayed in order once the upstream is open.
	Connect(ctx context.Context) error
	HandleDeviceMessage(msg protocol.DeviceMessage)
	Close() error
	// Done is closed after teardown has finished.
	Done() <-chan struct{}
}

// DeviceConn is the outbound half of a device websocket. Implementations must be
// safe to call from one goroutine while Close is called from another. Close and
// CloseWith flush already-queued frames; only the first of them picks the close
// code and later calls are no-ops.
type DeviceConn interface {
	WriteJSON(v any) error
	WriteBinary(b []byte) error
	Close() error
	CloseWith(code int, text string) error
}

// DeviceInfoSource looks up per-device playback settings.
type DeviceInfoSource interface {
	DeviceInfo(ctx context.Context, userID string) (*store.Device, error)
}

// Recorder accepts finished conversation turns without blocking.
type Recorder interface {
	Enqueue(rec store.TurnRecord) bool
}
