package hook

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/SMlc666/urhook/internal/arena"
	"github.com/SMlc666/urhook/internal/asm"
	"github.com/SMlc666/urhook/internal/log"
	"github.com/SMlc666/urhook/internal/mem"
	"github.com/SMlc666/urhook/internal/threads"
)

// Entry is one link in a target's detour chain.
type Entry struct {
	// Owner identifies the Handle this entry belongs to; handles carry the
	// token so they stay valid however the caller copies them around.
	Owner    uuid.UUID
	Callback uint64
	// CallNext is what the owner invokes to reach the original behavior:
	// the next entry's callback, or the trampoline for the tail entry.
	CallNext uint64
	Enabled  bool
}

// Info is the per-target bookkeeping record.
type Info struct {
	target     uint64
	backup     []byte
	tramp      *arena.Mapping
	stub       *arena.Mapping
	stubTarget uint64
	patch      []byte
	chain      []*Entry // index 0 is the head of the chain

	mu      sync.Mutex
	removed bool
}

// Registry is the process-wide map of hooked targets. All chain mutations
// take the registry mutex first, resolve the Info, take its mutex and release
// the registry mutex before doing per-target work.
type Registry struct {
	mu    sync.Mutex
	hooks map[uint64]*Info
}

var global = &Registry{hooks: make(map[uint64]*Info)}

// Global returns the process-wide registry.
func Global() *Registry { return global }

// Handle identifies one installed hook entry.
type Handle struct {
	Target uint64
	Owner  uuid.UUID
}

// lockInfo returns the Info for target with its mutex held, creating it when
// create is set. Returns nil when the target has no hooks and create is
// false.
func (r *Registry) lockInfo(target uint64, create bool) *Info {
	for {
		r.mu.Lock()
		info := r.hooks[target]
		if info == nil {
			if !create {
				r.mu.Unlock()
				return nil
			}
			info = &Info{target: target}
			r.hooks[target] = info
		}
		info.mu.Lock()
		r.mu.Unlock()
		if info.removed {
			// Lost a race against the final uninstall; start over.
			info.mu.Unlock()
			continue
		}
		return info
	}
}

// dropIfEmpty removes info from the registry if its chain emptied. Called
// without any locks held; rechecks under the proper lock order.
func (r *Registry) dropIfEmpty(target uint64) {
	r.mu.Lock()
	info := r.hooks[target]
	if info == nil {
		r.mu.Unlock()
		return
	}
	info.mu.Lock()
	if len(info.chain) == 0 {
		info.removed = true
		delete(r.hooks, target)
	}
	info.mu.Unlock()
	r.mu.Unlock()
}

// Install hooks target so calls divert to callback, or stages a disabled
// hook when enableNow is false. The first install of a target builds its
// trampoline and near detour stub; later installs push onto the chain.
func (r *Registry) Install(target, callback uint64, enableNow bool) (Handle, error) {
	if target == 0 {
		return Handle{}, fmt.Errorf("%w: zero target", ErrInvalidArgument)
	}
	if callback == 0 && enableNow {
		return Handle{}, fmt.Errorf("%w: nil detour with enable_now", ErrInvalidArgument)
	}

	info := r.lockInfo(target, true)

	if err := info.prepare(); err != nil {
		r.unwindInstall(info)
		return Handle{}, err
	}

	entry := &Entry{
		Owner:    uuid.New(),
		Callback: callback,
		CallNext: info.trampolineAddr(),
		Enabled:  enableNow,
	}
	if len(info.chain) > 0 {
		entry.CallNext = info.chain[0].Callback
	}
	info.chain = append([]*Entry{entry}, info.chain...)

	if err := info.commitLocked(); err != nil {
		info.chain = info.chain[1:]
		r.unwindInstall(info)
		return Handle{}, err
	}

	log.L.Debug("hook installed",
		log.Target(target), log.Ptr("detour", callback),
		log.Ptr("trampoline", info.trampolineAddr()),
		log.Size(uint64(len(info.backup))))
	info.mu.Unlock()
	return Handle{Target: target, Owner: entry.Owner}, nil
}

// unwindInstall rolls back a failed install, releasing the Info's mappings
// and dropping it from the registry when no other entries keep it alive.
func (r *Registry) unwindInstall(info *Info) {
	empty := len(info.chain) == 0
	if empty {
		info.teardownLocked()
	}
	target := info.target
	info.mu.Unlock()
	if empty {
		r.dropIfEmpty(target)
	}
}

// prepare allocates the detour stub, plans the patch and builds the
// trampoline the first time a target is hooked. Idempotent.
func (i *Info) prepare() error {
	if i.stub == nil {
		stub, err := arena.AllocNear(i.target, asm.AbsJumpSize)
		if err != nil {
			return err
		}
		i.stub = stub
	}
	if i.patch == nil {
		words, err := PlanPatch(i.target, i.stub.Addr())
		if err != nil {
			return err
		}
		i.patch = wordsToBytes(words)
	}
	if i.tramp == nil {
		tr, err := BuildTrampoline(i.target, len(i.patch))
		if err != nil {
			return err
		}
		m, err := arena.Alloc(uint64(len(tr.Words) * 4))
		if err != nil {
			return err
		}
		copy(m.Bytes(), wordsToBytes(tr.Words))
		mem.FlushICache(m.Addr(), uint64(len(tr.Words)*4))
		i.tramp = m
		i.backup = mem.Read(i.target, tr.BackupSize)
	}
	return nil
}

// commitLocked makes the current chain state live: the stub routes to the
// first enabled callback and the target is patched or restored to match.
func (i *Info) commitLocked() error {
	head := i.firstEnabled()

	threads.SuspendAllOtherThreads()
	defer threads.ResumeAllOtherThreads()

	if head != nil {
		if err := i.redirectStubLocked(head.Callback); err != nil {
			return err
		}
		return mem.AtomicPatch(i.target, i.patch)
	}
	if err := i.redirectStubLocked(i.trampolineAddr()); err != nil {
		return err
	}
	// No enabled entries: put the original bytes back.
	return mem.AtomicPatch(i.target, i.backup)
}

// redirectStubLocked rewrites the detour stub to jump to dest. Callers
// freeze sibling threads first whenever the stub may be live.
func (i *Info) redirectStubLocked(dest uint64) error {
	if i.stubTarget == dest {
		return nil
	}
	a := asm.New(i.stub.Addr())
	if err := a.AbsJump(dest, asm.X16); err != nil {
		return err
	}
	copy(i.stub.Bytes(), a.Bytes())
	mem.FlushICache(i.stub.Addr(), asm.AbsJumpSize)
	i.stubTarget = dest
	return nil
}

func (i *Info) firstEnabled() *Entry {
	for _, e := range i.chain {
		if e.Enabled {
			return e
		}
	}
	return nil
}

func (i *Info) entryIndex(owner uuid.UUID) int {
	for idx, e := range i.chain {
		if e.Owner == owner {
			return idx
		}
	}
	return -1
}

func (i *Info) trampolineAddr() uint64 {
	if i.tramp == nil {
		return 0
	}
	return i.tramp.Addr()
}

// teardownLocked frees the executable mappings backing the target.
func (i *Info) teardownLocked() {
	if i.tramp != nil {
		i.tramp.Close()
		i.tramp = nil
	}
	if i.stub != nil {
		i.stub.Close()
		i.stub = nil
	}
	i.patch = nil
	i.stubTarget = 0
}

// Uninstall removes the handle's entry. Emptying the chain restores the
// original bytes and releases the target's mappings. Inconsistencies while
// tearing down are logged and swallowed: the entry is removed and nil is
// returned even when restoring or re-patching the target fails.
func (r *Registry) Uninstall(h Handle) error {
	info := r.lockInfo(h.Target, false)
	if info == nil {
		return fmt.Errorf("%w: target %#x", ErrNotFound, h.Target)
	}

	idx := info.entryIndex(h.Owner)
	if idx < 0 {
		info.mu.Unlock()
		return fmt.Errorf("%w: entry for target %#x", ErrNotFound, h.Target)
	}

	if idx > 0 {
		prev := info.chain[idx-1]
		if idx+1 < len(info.chain) {
			prev.CallNext = info.chain[idx+1].Callback
		} else {
			prev.CallNext = info.trampolineAddr()
		}
	}
	info.chain = append(info.chain[:idx], info.chain[idx+1:]...)

	if len(info.chain) == 0 {
		threads.SuspendAllOtherThreads()
		if err := mem.AtomicPatch(info.target, info.backup); err != nil {
			log.L.Warn("restore failed during uninstall", log.Target(info.target), log.Err(err))
		}
		threads.ResumeAllOtherThreads()
		info.teardownLocked()
		info.mu.Unlock()
		r.dropIfEmpty(h.Target)
		return nil
	}

	if err := info.commitLocked(); err != nil {
		log.L.Warn("repatch failed during uninstall", log.Target(info.target), log.Err(err))
	}
	info.mu.Unlock()
	return nil
}

// Enable activates the handle's entry. Returns false when the entry is
// already enabled or has no callback.
func (r *Registry) Enable(h Handle) (bool, error) {
	return r.setEnabled(h, true)
}

// Disable deactivates the handle's entry. Returns false when the entry is
// already disabled.
func (r *Registry) Disable(h Handle) (bool, error) {
	return r.setEnabled(h, false)
}

func (r *Registry) setEnabled(h Handle, enabled bool) (bool, error) {
	info := r.lockInfo(h.Target, false)
	if info == nil {
		return false, fmt.Errorf("%w: target %#x", ErrNotFound, h.Target)
	}
	defer info.mu.Unlock()

	idx := info.entryIndex(h.Owner)
	if idx < 0 {
		return false, fmt.Errorf("%w: entry for target %#x", ErrNotFound, h.Target)
	}
	entry := info.chain[idx]
	if entry.Enabled == enabled {
		return false, nil
	}
	if enabled && entry.Callback == 0 {
		return false, fmt.Errorf("%w: cannot enable an entry without a detour", ErrInvalidArgument)
	}
	entry.Enabled = enabled
	if err := info.commitLocked(); err != nil {
		entry.Enabled = !enabled
		return false, err
	}
	return true, nil
}

// SetDetour replaces the callback of the handle's entry, rerouting the stub
// and the predecessor's call_next to match.
func (r *Registry) SetDetour(h Handle, callback uint64) error {
	info := r.lockInfo(h.Target, false)
	if info == nil {
		return fmt.Errorf("%w: target %#x", ErrNotFound, h.Target)
	}
	defer info.mu.Unlock()

	idx := info.entryIndex(h.Owner)
	if idx < 0 {
		return fmt.Errorf("%w: entry for target %#x", ErrNotFound, h.Target)
	}
	info.chain[idx].Callback = callback
	if idx > 0 {
		info.chain[idx-1].CallNext = callback
	}
	return info.commitLocked()
}

// Trampoline returns the address that runs the displaced original prefix of
// the handle's target.
func (r *Registry) Trampoline(h Handle) uint64 {
	info := r.lockInfo(h.Target, false)
	if info == nil {
		return 0
	}
	defer info.mu.Unlock()
	return info.trampolineAddr()
}

// CallNext returns what the handle's entry should invoke to reach the
// original behavior.
func (r *Registry) CallNext(h Handle) uint64 {
	info := r.lockInfo(h.Target, false)
	if info == nil {
		return 0
	}
	defer info.mu.Unlock()
	idx := info.entryIndex(h.Owner)
	if idx < 0 {
		return 0
	}
	return info.chain[idx].CallNext
}

// ChainLen reports the number of entries installed on target.
func (r *Registry) ChainLen(target uint64) int {
	info := r.lockInfo(target, false)
	if info == nil {
		return 0
	}
	defer info.mu.Unlock()
	return len(info.chain)
}

func wordsToBytes(words []uint32) []byte {
	out := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}
