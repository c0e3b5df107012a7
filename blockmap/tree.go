package blockmap

import (
	"github.com/dm-vdo/vdo-devel-sub000/common"
	"github.com/dm-vdo/vdo-devel-sub000/format"
	"github.com/dm-vdo/vdo-devel-sub000/storage"
	"github.com/dm-vdo/vdo-devel-sub000/zone"
)

// treeHeight is the fixed depth of every tree: a root page, three interior
// levels, and the leaf level holding data mappings.
const treeHeight = 5

// slotRef is one step of a descent: the child page to move to and the slot
// in the parent pointing at it.
type slotRef struct {
	level int
	index uint64
	slot  int
}

// treePath maps a logical block to its tree, the root-to-leaf descent
// path, and the entry slot within the leaf. Leaf pages are distributed
// cyclically across the trees.
func treePath(lbn common.LBN, rootCount int) (tree int, path []slotRef, leafSlot int) {
	leafIndex := uint64(lbn) / format.BlockMapEntriesPerPage
	tree = int(leafIndex % uint64(rootCount))
	idx := leafIndex / uint64(rootCount)

	path = make([]slotRef, 0, treeHeight-1)
	for level := treeHeight - 2; level >= 0; level-- {
		div := uint64(1)
		for i := 0; i < level; i++ {
			div *= format.BlockMapEntriesPerPage
		}
		index := idx / div
		path = append(path, slotRef{
			level: level,
			index: index,
			slot:  int(index % format.BlockMapEntriesPerPage),
		})
	}
	return tree, path, int(uint64(lbn) % format.BlockMapEntriesPerPage)
}

// resolve walks from the root of tree to the leaf page addressed by path.
// Without allocate it stops at the first unallocated interior page and
// hands done a nil page; with allocate it creates the missing pages,
// journaling a reference for each through the allocator. done runs on the
// zone.
func (z *bmZone) resolve(tree int, path []slotRef, allocate bool,
	seq common.SequenceNumber, done func(*page, error)) {
	root := z.pageFor(pageKey{tree: tree, level: treeHeight - 1},
		z.bm.cfg.RootOrigin+common.PBN(tree))
	z.withLoaded(root, func(p *page, err error) {
		if err != nil {
			done(nil, err)
			return
		}
		z.descend(tree, p, path, allocate, seq, done)
	})
}

func (z *bmZone) descend(tree int, parent *page, path []slotRef, allocate bool,
	seq common.SequenceNumber, done func(*page, error)) {
	if len(path) == 0 {
		done(parent, nil)
		return
	}
	step := path[0]
	entry := format.UnpackBlockMapEntry(format.PageEntry(parent.buf, step.slot))
	if entry.IsMapped() {
		child := z.pageFor(pageKey{tree: tree, level: step.level, index: step.index}, entry.PBN)
		z.withLoaded(child, func(p *page, err error) {
			if err != nil {
				done(nil, err)
				return
			}
			z.descend(tree, p, path[1:], allocate, seq, done)
		})
		return
	}
	if !allocate {
		done(nil, nil)
		return
	}

	key := pageKey{tree: tree, level: step.level, index: step.index}
	if waiters, ok := z.allocating[key]; ok {
		z.allocating[key] = append(waiters, func() {
			z.descend(tree, parent, path, allocate, seq, done)
		})
		return
	}
	z.allocating[key] = nil
	z.bm.allocator.AllocateTreePage(z.index, func(pbn common.PBN, err error) {
		z.z.Enqueue(func() {
			z.allocated(tree, parent, path, seq, key, pbn, err, done)
		})
	})
}

// allocated installs a freshly allocated tree page under parent and
// resumes both this descent and any queued on the same allocation.
func (z *bmZone) allocated(tree int, parent *page, path []slotRef,
	seq common.SequenceNumber, key pageKey, pbn common.PBN, err error,
	done func(*page, error)) {
	waiters := z.allocating[key]
	delete(z.allocating, key)
	if err != nil {
		done(nil, err)
		for _, w := range waiters {
			w()
		}
		return
	}

	step := path[0]
	child := z.pageFor(key, pbn)
	format.FormatBlockMapPage(child.buf, z.bm.cfg.Nonce, pbn, true)
	child.loaded = true
	format.PackBlockMapEntry(format.PageEntry(parent.buf, step.slot),
		format.DataLocation{PBN: pbn, State: format.StateUncompressed})
	z.dirtyPage(parent, seq)

	for _, w := range waiters {
		w()
	}
	z.descend(tree, child, path[1:], true, seq, done)
}

// withLoaded runs cont once p's contents are in memory, reading the page
// if needed. A page that fails validation (fresh device, or a location the
// tree has never written) reads as fully unmapped.
func (z *bmZone) withLoaded(p *page, cont func(*page, error)) {
	if p.loaded {
		cont(p, nil)
		return
	}
	p.waiters.Enqueue(cont)
	if p.loading {
		return
	}
	p.loading = true
	z.bm.layer.Submit(&storage.Request{
		PBN:    p.pbn,
		Buffer: p.buf,
		Op:     storage.OpRead,
		Done: zone.NewCompletion(z.z, func(err error) {
			p.loading = false
			if err != nil {
				z.bm.notifier.EnterReadOnly(err)
				p.waiters.NotifyAll(func(w func(*page, error)) { w(nil, err) })
				return
			}
			if !format.ValidateBlockMapPage(p.buf, z.bm.cfg.Nonce, p.pbn) {
				format.FormatBlockMapPage(p.buf, z.bm.cfg.Nonce, p.pbn, true)
			}
			p.loaded = true
			p.waiters.NotifyAll(func(w func(*page, error)) { w(p, nil) })
		}),
	})
}
