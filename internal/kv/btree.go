package kv

import "bytes"

const btreeDegree = 32

// btree is an in-memory B-tree of byte keys in bytewise order. It is not
// safe for concurrent use; the memory engine guards it.
type btree struct {
	root   *btreeNode
	length int
}

type btreeItem struct {
	key   []byte
	value []byte
}

type btreeNode struct {
	items    []btreeItem
	children []*btreeNode
}

func (n *btreeNode) isLeaf() bool {
	return len(n.children) == 0
}

func maxItems() int { return btreeDegree*2 - 1 }
func minItems() int { return btreeDegree - 1 }

// find returns the index of the first item with key >= key.
func (n *btreeNode) find(key []byte) (idx int, found bool) {
	lo, hi := 0, len(n.items)
	for lo < hi {
		mid := (lo + hi) / 2
		c := bytes.Compare(key, n.items[mid].key)
		if c == 0 {
			return mid, true
		}
		if c < 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo, false
}

func (n *btreeNode) insertItemAt(i int, it btreeItem) {
	n.items = append(n.items, btreeItem{})
	copy(n.items[i+1:], n.items[i:])
	n.items[i] = it
}

func (n *btreeNode) removeItemAt(i int) btreeItem {
	it := n.items[i]
	copy(n.items[i:], n.items[i+1:])
	n.items[len(n.items)-1] = btreeItem{}
	n.items = n.items[:len(n.items)-1]
	return it
}

func (n *btreeNode) insertChildAt(i int, c *btreeNode) {
	n.children = append(n.children, nil)
	copy(n.children[i+1:], n.children[i:])
	n.children[i] = c
}

func (n *btreeNode) removeChildAt(i int) *btreeNode {
	c := n.children[i]
	copy(n.children[i:], n.children[i+1:])
	n.children[len(n.children)-1] = nil
	n.children = n.children[:len(n.children)-1]
	return c
}

// split splits n at item i, returning that item and the new right node.
func (n *btreeNode) split(i int) (btreeItem, *btreeNode) {
	it := n.items[i]
	right := &btreeNode{items: append([]btreeItem(nil), n.items[i+1:]...)}
	for j := i; j < len(n.items); j++ {
		n.items[j] = btreeItem{}
	}
	n.items = n.items[:i]
	if !n.isLeaf() {
		right.children = append([]*btreeNode(nil), n.children[i+1:]...)
		for j := i + 1; j < len(n.children); j++ {
			n.children[j] = nil
		}
		n.children = n.children[:i+1]
	}
	return it, right
}

// maybeSplitChild splits child i when it is full.
func (n *btreeNode) maybeSplitChild(i int) bool {
	if len(n.children[i].items) < maxItems() {
		return false
	}
	it, right := n.children[i].split(maxItems() / 2)
	n.insertItemAt(i, it)
	n.insertChildAt(i+1, right)
	return true
}

// insert places it in the subtree, replacing an equal key. It reports
// whether the key already existed.
func (n *btreeNode) insert(it btreeItem) (btreeItem, bool) {
	i, found := n.find(it.key)
	if found {
		old := n.items[i]
		n.items[i] = it
		return old, true
	}
	if n.isLeaf() {
		n.insertItemAt(i, it)
		return btreeItem{}, false
	}
	if n.maybeSplitChild(i) {
		switch c := bytes.Compare(it.key, n.items[i].key); {
		case c > 0:
			i++
		case c == 0:
			old := n.items[i]
			n.items[i] = it
			return old, true
		}
	}
	return n.children[i].insert(it)
}

func (n *btreeNode) get(key []byte) (btreeItem, bool) {
	for {
		i, found := n.find(key)
		if found {
			return n.items[i], true
		}
		if n.isLeaf() {
			return btreeItem{}, false
		}
		n = n.children[i]
	}
}

type removeMode int

const (
	removeKey removeMode = iota
	removeMax
)

// remove deletes key (or the maximum item) from the subtree, keeping every
// node it descends into above the minimum size.
func (n *btreeNode) remove(key []byte, mode removeMode) (btreeItem, bool) {
	var i int
	var found bool
	switch mode {
	case removeMax:
		if n.isLeaf() {
			if len(n.items) == 0 {
				return btreeItem{}, false
			}
			return n.removeItemAt(len(n.items) - 1), true
		}
		i = len(n.items)
	default:
		i, found = n.find(key)
		if n.isLeaf() {
			if found {
				return n.removeItemAt(i), true
			}
			return btreeItem{}, false
		}
	}

	if len(n.children[i].items) <= minItems() {
		return n.growChildAndRemove(i, key, mode)
	}
	child := n.children[i]
	if found {
		out := n.items[i]
		n.items[i], _ = child.remove(nil, removeMax)
		return out, true
	}
	return child.remove(key, mode)
}

// growChildAndRemove refills child i by borrowing from a sibling or merging
// with one, then retries the removal.
func (n *btreeNode) growChildAndRemove(i int, key []byte, mode removeMode) (btreeItem, bool) {
	switch {
	case i > 0 && len(n.children[i-1].items) > minItems():
		child, left := n.children[i], n.children[i-1]
		stolen := left.removeItemAt(len(left.items) - 1)
		child.insertItemAt(0, n.items[i-1])
		n.items[i-1] = stolen
		if !left.isLeaf() {
			child.insertChildAt(0, left.removeChildAt(len(left.children)-1))
		}
	case i < len(n.items) && len(n.children[i+1].items) > minItems():
		child, right := n.children[i], n.children[i+1]
		stolen := right.removeItemAt(0)
		child.items = append(child.items, n.items[i])
		n.items[i] = stolen
		if !right.isLeaf() {
			child.children = append(child.children, right.removeChildAt(0))
		}
	default:
		if i >= len(n.items) {
			i--
		}
		child := n.children[i]
		merge := n.removeItemAt(i)
		right := n.removeChildAt(i + 1)
		child.items = append(child.items, merge)
		child.items = append(child.items, right.items...)
		child.children = append(child.children, right.children...)
	}
	return n.remove(key, mode)
}

// ascend visits items in [lower, upper) in order. It returns false once fn
// asks to stop or the upper bound is passed.
func (n *btreeNode) ascend(lower, upper []byte, fn func(btreeItem) bool) bool {
	i := 0
	if lower != nil {
		i, _ = n.find(lower)
	}
	for ; i < len(n.items); i++ {
		if !n.isLeaf() && !n.children[i].ascend(lower, upper, fn) {
			return false
		}
		it := n.items[i]
		if upper != nil && bytes.Compare(it.key, upper) >= 0 {
			return false
		}
		if !fn(it) {
			return false
		}
	}
	if !n.isLeaf() {
		return n.children[len(n.children)-1].ascend(lower, upper, fn)
	}
	return true
}

// descend visits items in [lower, upper) in reverse order.
func (n *btreeNode) descend(lower, upper []byte, fn func(btreeItem) bool) bool {
	i := len(n.items)
	if upper != nil {
		i, _ = n.find(upper)
	}
	if !n.isLeaf() && !n.children[i].descend(lower, upper, fn) {
		return false
	}
	for j := i - 1; j >= 0; j-- {
		it := n.items[j]
		if lower != nil && bytes.Compare(it.key, lower) < 0 {
			return false
		}
		if !fn(it) {
			return false
		}
		if !n.isLeaf() && !n.children[j].descend(lower, upper, fn) {
			return false
		}
	}
	return true
}

// Set stores value under key and returns the previous value.
func (t *btree) Set(key, value []byte) ([]byte, bool) {
	it := btreeItem{key: key, value: value}
	if t.root == nil {
		t.root = &btreeNode{items: []btreeItem{it}}
		t.length = 1
		return nil, false
	}
	if len(t.root.items) >= maxItems() {
		mid, right := t.root.split(maxItems() / 2)
		old := t.root
		t.root = &btreeNode{
			items:    []btreeItem{mid},
			children: []*btreeNode{old, right},
		}
	}
	prev, existed := t.root.insert(it)
	if !existed {
		t.length++
	}
	return prev.value, existed
}

// Get returns the value stored under key.
func (t *btree) Get(key []byte) ([]byte, bool) {
	if t.root == nil {
		return nil, false
	}
	it, ok := t.root.get(key)
	return it.value, ok
}

// Delete removes key and returns its previous value.
func (t *btree) Delete(key []byte) ([]byte, bool) {
	if t.root == nil {
		return nil, false
	}
	it, ok := t.root.remove(key, removeKey)
	if len(t.root.items) == 0 && !t.root.isLeaf() {
		t.root = t.root.children[0]
	}
	if len(t.root.items) == 0 && t.root.isLeaf() {
		t.root = nil
	}
	if ok {
		t.length--
	}
	return it.value, ok
}

// Len returns the number of keys.
func (t *btree) Len() int { return t.length }

// Ascend visits keys in [lower, upper) in ascending order until fn returns false.
func (t *btree) Ascend(lower, upper []byte, fn func(key, value []byte) bool) {
	if t.root == nil {
		return
	}
	t.root.ascend(lower, upper, func(it btreeItem) bool { return fn(it.key, it.value) })
}

// Descend visits keys in [lower, upper) in descending order until fn returns false.
func (t *btree) Descend(lower, upper []byte, fn func(key, value []byte) bool) {
	if t.root == nil {
		return
	}
	t.root.descend(lower, upper, func(it btreeItem) bool { return fn(it.key, it.value) })
}
