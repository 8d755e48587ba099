/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package skb

import "sync"

// Pool recycles SKBs of a fixed capacity, the trash-stack style buffer
// recycling spec.md §5 allows ("trash-stack pools may be used for SKB
// recycling").
type Pool struct {
	capacity int
	p        sync.Pool
}

// NewPool creates a pool of SKBs with the given backing-buffer capacity.
func NewPool(capacity int) *Pool {
	pl := &Pool{capacity: capacity}
	pl.p.New = func() any {
		return New(capacity)
	}
	return pl
}

// Get returns an SKB with refcount 1, either recycled or freshly allocated.
func (p *Pool) Get() *SKB {
	s := p.p.Get().(*SKB)
	s.Reset()
	s.mu.Lock()
	s.refcount = 1
	s.pool = p
	s.mu.Unlock()
	return s
}

func (p *Pool) put(s *SKB) {
	p.p.Put(s)
}
