package swarm

import (
	"context"
	"sync"

	"github.com/TheNoobiCat/go-libp2p-core/core/peer"
)

type dialRequest struct {
	ctx   context.Context
	resch chan dialResponse
}

type dialResponse struct {
	conn *Conn
	err  error
}

// dialWorkerFunc performs the actual address-by-address dial/upgrade for
// one peer, reading requests off reqch until it is closed.
type dialWorkerFunc func(p peer.ID, reqch <-chan dialRequest)

// dialSync ensures at most one dial to any given peer is in flight at a
// time; concurrent Dial callers for the same peer share its result, per
// spec.md §4.4's "concurrent dial coalescing".
type dialSync struct {
	mu         sync.Mutex
	dials      map[peer.ID]*activeDial
	dialWorker dialWorkerFunc
}

func newDialSync(worker dialWorkerFunc) *dialSync {
	return &dialSync{
		dials:      make(map[peer.ID]*activeDial),
		dialWorker: worker,
	}
}

type activeDial struct {
	refCnt int
	reqch  chan dialRequest
}

func (ds *dialSync) getActiveDial(p peer.ID) *activeDial {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	ad, ok := ds.dials[p]
	if !ok {
		ad = &activeDial{reqch: make(chan dialRequest)}
		go ds.dialWorker(p, ad.reqch)
		ds.dials[p] = ad
	}
	ad.refCnt++
	return ad
}

// Dial starts (or joins) the single in-flight dial to p and waits for it
// to resolve or ctx to be cancelled. Per spec.md §5, losing waiters never
// cancel the shared dial; only the last to leave tears it down.
func (ds *dialSync) Dial(ctx context.Context, p peer.ID) (*Conn, error) {
	ad := ds.getActiveDial(p)

	resch := make(chan dialResponse, 1)
	var conn *Conn
	var err error
	select {
	case ad.reqch <- dialRequest{ctx: ctx, resch: resch}:
		select {
		case res := <-resch:
			conn, err = res.conn, res.err
		case <-ctx.Done():
			err = ctx.Err()
		}
	case <-ctx.Done():
		err = ctx.Err()
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()
	ad.refCnt--
	if ad.refCnt == 0 {
		close(ad.reqch)
		delete(ds.dials, p)
	}
	return conn, err
}
