package literals

import (
	"fmt"
	"strings"
	"sync"

	"github.com/AeonDave/constprot/internal/bytecode"
)

// Mode selects how constant payloads are encoded and decoded.
type Mode uint8

const (
	ModeNormal Mode = iota
	ModeDynamic
	ModeX86
)

// entryMix spreads entry ids over the keystream seed space.
const entryMix = 0x9E3779B1

func (m Mode) String() string {
	if name, ok := strategies.name(m); ok {
		return name
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// ParseMode parses a mode name, case-insensitively.
func ParseMode(s string) (Mode, error) {
	if m, ok := strategies.byName(strings.ToLower(strings.TrimSpace(s))); ok {
		return m, nil
	}
	return 0, fmt.Errorf("unknown mode %q, want one of %s", s, strings.Join(strategies.names(), ", "))
}

// Modes returns every registered mode in registration order.
func Modes() []Mode { return strategies.modes() }

// Strategy encodes payloads and emits the matching decode loop. One
// strategy is built per run; its constants come from the run's Key.
type Strategy interface {
	Mode() Mode
	// encode returns the stored form of the payload of entry id.
	encode(id uint32, plain []byte) []byte
	// decode is the Go reference of the emitted decode loop.
	decode(id uint32, stored []byte, n int) []byte
	// storedLen returns the blob size of an n-byte payload.
	storedLen(n int) int
	// emitDecode emits the loop that fills f.out from the stored bytes.
	emitDecode(e emitter, f *frame)
	// natives returns the machine-code stubs the decode loop calls.
	natives() []bytecode.Native
}

type strategyFactory func(k *Key, target bytecode.Target) (Strategy, error)

type strategyEntry struct {
	name    string
	factory strategyFactory
}

type strategyRegistry struct {
	mu      sync.RWMutex
	entries map[Mode]strategyEntry
	order   []Mode
}

func newStrategyRegistry() *strategyRegistry {
	return &strategyRegistry{entries: make(map[Mode]strategyEntry)}
}

func (r *strategyRegistry) register(mode Mode, name string, factory strategyFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[mode]; exists {
		panic(fmt.Sprintf("duplicate constant encoding strategy: %s", name))
	}
	r.entries[mode] = strategyEntry{name: name, factory: factory}
	r.order = append(r.order, mode)
}

func (r *strategyRegistry) name(m Mode) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[m]
	return e.name, ok
}

func (r *strategyRegistry) byName(name string) (Mode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.order {
		if r.entries[m].name == name {
			return m, true
		}
	}
	return 0, false
}

func (r *strategyRegistry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	for i, m := range r.order {
		names[i] = r.entries[m].name
	}
	return names
}

func (r *strategyRegistry) modes() []Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Mode(nil), r.order...)
}

func (r *strategyRegistry) factory(m Mode) (strategyFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[m]
	return e.factory, ok
}

var strategies = newStrategyRegistry()

func registerStrategy(mode Mode, name string, factory strategyFactory) {
	strategies.register(mode, name, factory)
}

func init() {
	registerStrategy(ModeNormal, "normal", newNormal)
	registerStrategy(ModeDynamic, "dynamic", newDynamic)
	registerStrategy(ModeX86, "x86", newX86)
}

// NewStrategy builds the strategy for mode, drawing its constants from k.
func NewStrategy(mode Mode, k *Key, target bytecode.Target) (Strategy, error) {
	factory, ok := strategies.factory(mode)
	if !ok {
		return nil, fmt.Errorf("unknown mode %d", mode)
	}
	return factory(k, target)
}
