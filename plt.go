package urhook

import (
	"fmt"
	"sync"

	"github.com/SMlc666/urhook/internal/elfsym"
	"github.com/SMlc666/urhook/internal/log"
	"github.com/SMlc666/urhook/internal/mem"
)

// PltHook redirects PLT-routed calls of a loaded module by overwriting the
// GOT entries its dynamic relocations point at.
type PltHook struct {
	mod *elfsym.Module

	mu      sync.Mutex
	entries map[string]pltEntry
}

type pltEntry struct {
	slot     uint64
	original uint64
}

// PltAttach parses the module loaded at base.
func PltAttach(base uint64) (*PltHook, error) {
	mod, err := elfsym.Open(base)
	if err != nil {
		return nil, err
	}
	return &PltHook{mod: mod, entries: make(map[string]pltEntry)}, nil
}

// PltAttachPath locates a loaded module whose mapping path contains path and
// attaches to its lowest mapped base.
func PltAttachPath(path string) (*PltHook, error) {
	region, ok := mem.FindByPath(path)
	if !ok {
		return nil, fmt.Errorf("%w: no mapping matches %q", ErrParse, path)
	}
	return PltAttach(region.Start)
}

// Base returns the attached module's load address.
func (p *PltHook) Base() uint64 { return p.mod.Base() }

// FindSymbol resolves a dynamic symbol of the attached module.
func (p *PltHook) FindSymbol(name string) (uint64, bool) {
	return p.mod.Find(name)
}

// Hook overwrites the GOT slot of the named symbol with replacement and
// returns the previous slot value, which routes to the original function.
// Hooking an already hooked symbol chains on the current value.
func (p *PltHook) Hook(symbol string, replacement uintptr) (uintptr, error) {
	if symbol == "" || replacement == 0 {
		return 0, ErrInvalidArgument
	}
	slot, err := p.mod.GotSlot(symbol)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	original := mem.ReadPointer(slot)
	if err := writeSlot(slot, uint64(replacement)); err != nil {
		return 0, err
	}
	if _, hooked := p.entries[symbol]; !hooked {
		p.entries[symbol] = pltEntry{slot: slot, original: original}
	}
	log.L.Debug("plt symbol hooked", log.Sym(symbol), log.Addr(slot), log.Ptr("original", original))
	return uintptr(original), nil
}

// Unhook restores the symbol's GOT slot to the value captured by the first
// Hook. Returns false when the symbol was not hooked.
func (p *PltHook) Unhook(symbol string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entries[symbol]
	if !ok {
		return false
	}
	if err := writeSlot(entry.slot, entry.original); err != nil {
		log.L.Warn("plt restore failed", log.Sym(symbol), log.Err(err))
		return false
	}
	delete(p.entries, symbol)
	return true
}

// Close restores every still-hooked symbol. Failures are logged and the
// remaining symbols are still attempted.
func (p *PltHook) Close() error {
	p.mu.Lock()
	symbols := make([]string, 0, len(p.entries))
	for s := range p.entries {
		symbols = append(symbols, s)
	}
	p.mu.Unlock()

	for _, s := range symbols {
		p.Unhook(s)
	}
	return nil
}

// SymbolLookup resolves a dynamic symbol of the module loaded at base,
// without keeping any state around.
func SymbolLookup(base uint64, name string) (uint64, bool) {
	mod, err := elfsym.Open(base)
	if err != nil {
		return 0, false
	}
	return mod.Find(name)
}
