package ledger

import "context"

type hooksKey struct{}

// batchHooks collects side-effects registered by exchangers, traders and
// callees while a batch runs. Revert hooks run in reverse order.
type batchHooks struct {
	revert []func()
	commit []func()
}

func withHooks(ctx context.Context, h *batchHooks) context.Context {
	return context.WithValue(ctx, hooksKey{}, h)
}

func hooksFrom(ctx context.Context) *batchHooks {
	h, _ := ctx.Value(hooksKey{}).(*batchHooks)
	return h
}

// InBatch reports whether ctx belongs to a running Operate call.
func InBatch(ctx context.Context) bool {
	return hooksFrom(ctx) != nil
}

// OnRevert registers fn to undo a side-effect if the surrounding batch fails.
// Outside a batch it is a no-op.
func OnRevert(ctx context.Context, fn func()) {
	if h := hooksFrom(ctx); h != nil {
		h.revert = append(h.revert, fn)
	}
}

// OnCommit registers fn to run once the surrounding batch has committed.
// Outside a batch fn runs immediately.
func OnCommit(ctx context.Context, fn func()) {
	if h := hooksFrom(ctx); h != nil {
		h.commit = append(h.commit, fn)
		return
	}
	fn()
}

func (h *batchHooks) runRevert() {
	for i := len(h.revert) - 1; i >= 0; i-- {
		h.revert[i]()
	}
}

func (h *batchHooks) runCommit() {
	for _, fn := range h.commit {
		fn()
	}
}
