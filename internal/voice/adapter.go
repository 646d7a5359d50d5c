package voice

import "fmt"

// NewAdapter builds the adapter for kind. The adapter starts its loop
// immediately; frames handed in before Connect are queued.
func NewAdapter(kind Kind, cfg ProviderConfig, deps Deps) (Adapter, error) {
	switch kind {
	case KindGemini:
		return NewGemini(cfg, deps)
	case KindGrok:
		return NewGrok(cfg, deps)
	case KindHume:
		return NewHume(cfg, deps)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, kind)
	}
}
