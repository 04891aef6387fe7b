package pager

import (
	"context"
	"fmt"
	"sync"
)

// MemPager is a reference Pager implementation (spec §6.4). Pages live in a
// plain map guarded by a mutex, mirroring the locking discipline tinySQL's
// PageBufferPool uses (one mutex, pin counts, LRU is irrelevant here since
// nothing evicts — a production pager would add that, but eviction policy is
// explicitly the external pager's concern, not this module's).
//
// Async is a test/bench hook: when true, a cache-miss GetPage returns
// GetPagePending and the callback fires from a separate goroutine, modelling
// the suspension point described in spec §5.
type MemPager struct {
	mu    sync.Mutex
	pages map[LocalKey][]byte
	lsn   map[LocalKey]LSN
	Async bool
}

func NewMemPager() *MemPager {
	return &MemPager{pages: map[LocalKey][]byte{}, lsn: map[LocalKey]LSN{}}
}

var _ Pager = (*MemPager)(nil)

func (m *MemPager) GetPage(ctx context.Context, req PageRequest) (GetPageResult, []byte, error) {
	m.mu.Lock()
	buf, ok := m.pages[req.Key]
	m.mu.Unlock()

	if ok {
		if req.Callback != nil {
			req.Callback(buf, nil)
		}
		return GetPageHit, buf, nil
	}

	if !req.Flags.Has(AllocReq) {
		err := fmt.Errorf("pager: page %s not found", req.Key)
		if req.Callback != nil {
			req.Callback(nil, err)
		}
		return GetPageError, nil, err
	}

	var fresh []byte
	if req.Flags.Has(EmptyPage) {
		pt := PageTypeVar
		fresh = NewPage(pt, req.Key)
	} else {
		fresh = NewPage(PageTypeVar, req.Key)
	}

	if m.Async {
		go func() {
			m.mu.Lock()
			m.pages[req.Key] = fresh
			m.mu.Unlock()
			if req.Callback != nil {
				req.Callback(fresh, nil)
			}
		}()
		return GetPagePending, nil, nil
	}

	m.mu.Lock()
	m.pages[req.Key] = fresh
	m.mu.Unlock()
	if req.Callback != nil {
		req.Callback(fresh, nil)
	}
	return GetPageHit, fresh, nil
}

func (m *MemPager) UpdateLSN(key LocalKey, lsn LSN) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lsn[key] = lsn
	if buf, ok := m.pages[key]; ok {
		h := UnmarshalHeader(buf)
		h.LSN = lsn
		MarshalHeader(&h, buf)
	}
	return nil
}

func (m *MemPager) SetLSN(key LocalKey, lsn LSN) error { return m.UpdateLSN(key, lsn) }

func (m *MemPager) InitPageEntry(req PageRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pages[req.Key]; ok {
		return nil
	}
	m.pages[req.Key] = NewPage(PageTypeVar, req.Key)
	return nil
}

func (m *MemPager) UnmapPageCallback(when int, key LocalKey, dirtyCount int) error {
	return nil
}

// PutPage installs a page buffer directly (test/setup helper).
func (m *MemPager) PutPage(key LocalKey, buf []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[key] = buf
}

// PageLSN returns the current page LSN, or 0 if absent.
func (m *MemPager) PageLSN(key LocalKey) LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lsn[key]
}
