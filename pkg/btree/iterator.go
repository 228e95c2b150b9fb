package btree

import "bytes"

// BIter iterates a tree in ascending key order using a stack of nodes
// from the root to the current leaf.
type BIter struct {
	tree *BTree
	path []BNode
	pos  []uint16
}

// NewIterator creates an iterator for the tree.
func (tree *BTree) NewIterator() *BIter {
	return &BIter{
		tree: tree,
		path: make([]BNode, 0, 8),
		pos:  make([]uint16, 0, 8),
	}
}

// SeekLE positions the iterator at the last key <= the given key.
// Returns false on an empty tree.
func (iter *BIter) SeekLE(key []byte) (ok bool, err error) {
	defer catchFault(&err)
	iter.path = iter.path[:0]
	iter.pos = iter.pos[:0]

	if iter.tree.root == 0 {
		return false, nil
	}

	node := iter.tree.get(iter.tree.root)
	for {
		iter.path = append(iter.path, node)
		idx := nodeLookupLE(node, key)
		iter.pos = append(iter.pos, idx)

		if node.btype() == BNODE_LEAF {
			break
		}
		node = iter.tree.get(node.getPtr(idx))
	}
	return true, nil
}

// Valid reports whether the iterator is positioned at a key.
func (iter *BIter) Valid() bool {
	if len(iter.path) == 0 {
		return false
	}
	leaf := iter.path[len(iter.path)-1]
	pos := iter.pos[len(iter.pos)-1]
	return pos < leaf.nkeys()
}

// Key returns the current key. Valid only until the next advance.
func (iter *BIter) Key() []byte {
	if !iter.Valid() {
		return nil
	}
	leaf := iter.path[len(iter.path)-1]
	pos := iter.pos[len(iter.pos)-1]
	return leaf.getKey(pos)
}

// Val returns the current value. Valid only until the next advance.
func (iter *BIter) Val() []byte {
	if !iter.Valid() {
		return nil
	}
	leaf := iter.path[len(iter.path)-1]
	pos := iter.pos[len(iter.pos)-1]
	return leaf.getVal(pos)
}

// Next advances to the next key, faulting in sibling leaves lazily.
func (iter *BIter) Next() (ok bool, err error) {
	defer catchFault(&err)
	if len(iter.path) == 0 {
		return false, nil
	}

	leafIdx := len(iter.pos) - 1
	iter.pos[leafIdx]++
	if iter.pos[leafIdx] < iter.path[leafIdx].nkeys() {
		return true, nil
	}

	// Leaf exhausted: backtrack to a parent with more children.
	iter.path = iter.path[:leafIdx]
	iter.pos = iter.pos[:leafIdx]
	for len(iter.pos) > 0 {
		parentIdx := len(iter.pos) - 1
		iter.pos[parentIdx]++
		if iter.pos[parentIdx] < iter.path[parentIdx].nkeys() {
			iter.descendToLeftmost()
			return true, nil
		}
		iter.path = iter.path[:parentIdx]
		iter.pos = iter.pos[:parentIdx]
	}
	return false, nil
}

func (iter *BIter) descendToLeftmost() {
	for {
		parentIdx := len(iter.path) - 1
		parent := iter.path[parentIdx]
		pos := iter.pos[parentIdx]

		child := iter.tree.get(parent.getPtr(pos))
		iter.path = append(iter.path, child)
		iter.pos = append(iter.pos, 0)
		if child.btype() == BNODE_LEAF {
			return
		}
	}
}

// Scan walks keys >= start in ascending order, calling fn for each pair
// until it returns false or the tree is exhausted.
func (tree *BTree) Scan(start []byte, fn func(key, val []byte) bool) error {
	iter := tree.NewIterator()
	ok, err := iter.SeekLE(start)
	if err != nil || !ok {
		return err
	}

	// SeekLE may land just below start; skip forward once. The empty
	// sentinel key that anchors the leftmost leaf is never yielded.
	for iter.Valid() && (len(iter.Key()) == 0 || bytes.Compare(iter.Key(), start) < 0) {
		ok, err = iter.Next()
		if err != nil || !ok {
			return err
		}
	}

	for iter.Valid() {
		if !fn(iter.Key(), iter.Val()) {
			return nil
		}
		ok, err = iter.Next()
		if err != nil || !ok {
			return err
		}
	}
	return nil
}
