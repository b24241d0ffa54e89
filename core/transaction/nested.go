package transaction

import (
	"sync"

	"github.com/google/uuid"
	"github.com/mitul-kalra/atomkv/core/storage"
	"go.uber.org/zap"
)

// nestedTracker maps nested transaction ids to savepoint frames for the
// lifetime of one physical write transaction. Frames share the parent's
// write handle; they never get their own. All mutation of the tracker is
// serialized, matching the single-writer constraint underneath.
type nestedTracker struct {
	mu       sync.Mutex
	parentID string
	wtx      *storage.WriteTxn
	frames   map[string]*storage.Frame
	order    []string // creation order, for LIFO force-resolution
	logger   *zap.Logger
}

func newNestedTracker(parentID string, wtx *storage.WriteTxn, logger *zap.Logger) *nestedTracker {
	return &nestedTracker{
		parentID: parentID,
		wtx:      wtx,
		frames:   make(map[string]*storage.Frame),
		logger:   logger.Named("nested"),
	}
}

// begin opens a new savepoint frame and returns its id.
func (n *nestedTracker) begin() (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	frame, err := n.wtx.BeginFrame()
	if err != nil {
		return "", newStoreError("begin nested transaction", err)
	}
	id := uuid.NewString()
	n.frames[id] = frame
	n.order = append(n.order, id)
	n.logger.Debug("Nested transaction started",
		zap.String("parentID", n.parentID), zap.String("nestedID", id))
	return id, nil
}

// commit merges the frame's buffered mutations into the enclosing scope.
func (n *nestedTracker) commit(id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	frame, ok := n.frames[id]
	if !ok {
		return ErrUnknownNestedTransaction
	}
	if err := n.wtx.CommitFrame(frame); err != nil {
		return newStoreError("commit nested transaction", err)
	}
	n.remove(id)
	n.logger.Debug("Nested transaction committed",
		zap.String("parentID", n.parentID), zap.String("nestedID", id))
	return nil
}

// rollback discards the frame's buffered mutations.
func (n *nestedTracker) rollback(id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	frame, ok := n.frames[id]
	if !ok {
		return ErrUnknownNestedTransaction
	}
	if err := n.wtx.RollbackFrame(frame); err != nil {
		return newStoreError("rollback nested transaction", err)
	}
	n.remove(id)
	n.logger.Debug("Nested transaction rolled back",
		zap.String("parentID", n.parentID), zap.String("nestedID", id))
	return nil
}

// closeAll force-resolves any still-open frames in LIFO order as implicit
// rollbacks and returns their ids. Called when the parent transaction
// closes; leftover frames are a recoverable condition, not fatal.
func (n *nestedTracker) closeAll() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var rolledBack []string
	for i := len(n.order) - 1; i >= 0; i-- {
		id := n.order[i]
		frame, ok := n.frames[id]
		if !ok {
			continue
		}
		if err := n.wtx.RollbackFrame(frame); err == nil {
			rolledBack = append(rolledBack, id)
			n.logger.Warn("Nested transaction implicitly rolled back at parent close",
				zap.String("parentID", n.parentID), zap.String("nestedID", id))
		}
		delete(n.frames, id)
	}
	n.order = nil
	return rolledBack
}

// remove must be called with n.mu held.
func (n *nestedTracker) remove(id string) {
	delete(n.frames, id)
	for i, cand := range n.order {
		if cand == id {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
}
