package leaderboard

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
)

// SkipList orders entries by score descending, then id ascending, with
// O(log n) updates. Each level-0 link carries a span so ranks are O(log n)
// as well.

const maxLevel = 16
const pFactor = 0.25

type node struct {
	id    string
	score int64
	next  [maxLevel]*node
	span  [maxLevel]int
}

type SkipList struct {
	mu    sync.RWMutex
	head  *node
	lvl   int
	size  int
	index map[string]*node
	rng   *rand.Rand
}

func NewSkipList() *SkipList {
	var seed [16]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		seed = [16]byte{}
	}
	return &SkipList{
		head:  &node{},
		lvl:   1,
		index: map[string]*node{},
		rng:   rand.New(rand.NewPCG(binary.BigEndian.Uint64(seed[:8]), binary.BigEndian.Uint64(seed[8:]))),
	}
}

func (s *SkipList) randomLevel() int {
	lvl := 1
	for lvl < maxLevel && s.rng.Float64() < pFactor {
		lvl++
	}
	return lvl
}

func before(a *node, id string, score int64) bool {
	if a.score == score {
		return a.id < id
	}
	return a.score > score
}

// Update inserts id or moves it to a new score.
func (s *SkipList) Update(id string, score int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.index[id]; ok {
		if old.score == score {
			return
		}
		s.removeLocked(old)
	}

	var update [maxLevel]*node
	var rank [maxLevel]int
	cur := s.head
	for i := s.lvl - 1; i >= 0; i-- {
		if i < s.lvl-1 {
			rank[i] = rank[i+1]
		}
		for cur.next[i] != nil && before(cur.next[i], id, score) {
			rank[i] += cur.span[i]
			cur = cur.next[i]
		}
		update[i] = cur
	}
	lvl := s.randomLevel()
	if lvl > s.lvl {
		for i := s.lvl; i < lvl; i++ {
			update[i] = s.head
			update[i].span[i] = s.size
		}
		s.lvl = lvl
	}
	n := &node{id: id, score: score}
	for i := 0; i < lvl; i++ {
		n.next[i] = update[i].next[i]
		update[i].next[i] = n
		n.span[i] = update[i].span[i] - (rank[0] - rank[i])
		update[i].span[i] = rank[0] - rank[i] + 1
	}
	for i := lvl; i < s.lvl; i++ {
		update[i].span[i]++
	}
	s.index[id] = n
	s.size++
}

func (s *SkipList) removeLocked(target *node) {
	var update [maxLevel]*node
	cur := s.head
	for i := s.lvl - 1; i >= 0; i-- {
		for cur.next[i] != nil && cur.next[i] != target && before(cur.next[i], target.id, target.score) {
			cur = cur.next[i]
		}
		update[i] = cur
	}
	for i := 0; i < s.lvl; i++ {
		if update[i].next[i] == target {
			update[i].span[i] += target.span[i] - 1
			update[i].next[i] = target.next[i]
		} else {
			update[i].span[i]--
		}
	}
	delete(s.index, target.id)
	s.size--
	for s.lvl > 1 && s.head.next[s.lvl-1] == nil {
		s.lvl--
	}
}

func (s *SkipList) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.index[id]; ok {
		s.removeLocked(n)
	}
}

// TopN returns the first n entries with 1-based ranks.
func (s *SkipList) TopN(n int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 {
		return nil
	}
	out := make([]Entry, 0, min(n, s.size))
	for cur := s.head.next[0]; cur != nil && len(out) < n; cur = cur.next[0] {
		out = append(out, Entry{ID: cur.id, Score: cur.score, Rank: len(out) + 1})
	}
	return out
}

// Get returns the entry for id including its rank.
func (s *SkipList) Get(id string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	target, ok := s.index[id]
	if !ok {
		return Entry{}, false
	}
	rank := 0
	cur := s.head
	for i := s.lvl - 1; i >= 0; i-- {
		for cur.next[i] != nil && (cur.next[i] == target || before(cur.next[i], target.id, target.score)) {
			rank += cur.span[i]
			cur = cur.next[i]
			if cur == target {
				return Entry{ID: id, Score: target.score, Rank: rank}, true
			}
		}
	}
	return Entry{ID: id, Score: target.score, Rank: rank}, true
}

func (s *SkipList) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

var _ Board = (*SkipList)(nil)
