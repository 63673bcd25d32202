package sessions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/aloundoye/convcore/pkg/models"
)

// BranchStore provides branch-aware storage for conversation history,
// letting a caller fork a session at any point and continue it down an
// alternate path without disturbing the primary branch. AgenticLoop
// consults it instead of Store when configured (see loop.go's
// initializeState/appendMessage).
type BranchStore interface {
	EnsurePrimaryBranch(ctx context.Context, sessionID string) (*models.Branch, error)
	CreateBranch(ctx context.Context, sessionID, parentBranchID, name string, branchPoint int64) (*models.Branch, error)
	GetBranch(ctx context.Context, branchID string) (*models.Branch, error)
	GetBranchHistory(ctx context.Context, branchID string, limit int) ([]*models.Message, error)
	AppendMessageToBranch(ctx context.Context, sessionID, branchID string, msg *models.Message) error
	ListBranches(ctx context.Context, sessionID string) ([]*models.Branch, error)
	MergeBranch(ctx context.Context, sourceBranchID, targetBranchID string, strategy models.MergeStrategy) (*models.BranchMerge, error)
}

// MemoryBranchStore is an in-memory BranchStore, grounded on MemoryStore's
// map-plus-mutex shape: one primary branch per session created lazily, any
// number of child branches forked at a BranchPoint (a sequence number into
// the parent's own message list), and each branch's effective history is
// its ancestors' messages up to their respective divergence points followed
// by its own.
type MemoryBranchStore struct {
	mu       sync.RWMutex
	branches map[string]*models.Branch
	primary  map[string]string // sessionID -> primary branch ID
	messages map[string][]*models.Message
	merges   []*models.BranchMerge
}

// NewMemoryBranchStore creates a new in-memory branch store.
func NewMemoryBranchStore() *MemoryBranchStore {
	return &MemoryBranchStore{
		branches: map[string]*models.Branch{},
		primary:  map[string]string{},
		messages: map[string][]*models.Message{},
	}
}

func (s *MemoryBranchStore) EnsurePrimaryBranch(ctx context.Context, sessionID string) (*models.Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.primary[sessionID]; ok {
		return cloneBranch(s.branches[id]), nil
	}
	branch := models.NewPrimaryBranch(sessionID)
	branch.ID = uuid.NewString()
	s.branches[branch.ID] = branch
	s.primary[sessionID] = branch.ID
	return cloneBranch(branch), nil
}

func (s *MemoryBranchStore) CreateBranch(ctx context.Context, sessionID, parentBranchID, name string, branchPoint int64) (*models.Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.branches[parentBranchID]; !ok {
		return nil, errors.New("parent branch not found")
	}
	branch := models.NewBranch(sessionID, name)
	branch.ID = uuid.NewString()
	parent := parentBranchID
	branch.ParentBranchID = &parent
	branch.BranchPoint = branchPoint
	s.branches[branch.ID] = branch
	return cloneBranch(branch), nil
}

func (s *MemoryBranchStore) GetBranch(ctx context.Context, branchID string) (*models.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	branch, ok := s.branches[branchID]
	if !ok {
		return nil, errors.New("branch not found")
	}
	return cloneBranch(branch), nil
}

func (s *MemoryBranchStore) ListBranches(ctx context.Context, sessionID string) ([]*models.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Branch
	for _, branch := range s.branches {
		if branch.SessionID == sessionID {
			out = append(out, cloneBranch(branch))
		}
	}
	return out, nil
}

// GetBranchHistory walks from branchID up to its root branch, collecting
// each ancestor's messages at or before its BranchPoint, then appends the
// target branch's own messages in full.
func (s *MemoryBranchStore) GetBranchHistory(ctx context.Context, branchID string, limit int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lineage, err := s.lineage(branchID)
	if err != nil {
		return nil, err
	}

	var out []*models.Message
	for i, branch := range lineage {
		msgs := s.messages[branch.ID]
		if i < len(lineage)-1 {
			// Ancestor: only messages inherited before the child's divergence point.
			child := lineage[i+1]
			if child.BranchPoint > 0 && int(child.BranchPoint) < len(msgs) {
				msgs = msgs[:child.BranchPoint]
			}
		}
		out = append(out, msgs...)
	}

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	cloned := make([]*models.Message, len(out))
	for i, msg := range out {
		cloned[i] = cloneMessage(msg)
	}
	return cloned, nil
}

// lineage returns the branch chain from root to branchID, inclusive.
func (s *MemoryBranchStore) lineage(branchID string) ([]*models.Branch, error) {
	var chain []*models.Branch
	current := branchID
	for {
		branch, ok := s.branches[current]
		if !ok {
			return nil, errors.New("branch not found")
		}
		chain = append([]*models.Branch{branch}, chain...)
		if branch.ParentBranchID == nil {
			break
		}
		current = *branch.ParentBranchID
	}
	return chain, nil
}

func (s *MemoryBranchStore) AppendMessageToBranch(ctx context.Context, sessionID, branchID string, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	branch, ok := s.branches[branchID]
	if !ok {
		return errors.New("branch not found")
	}
	if branch.SessionID != sessionID {
		return errors.New("branch does not belong to session")
	}
	clone := cloneMessage(msg)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.BranchID = branchID
	s.messages[branchID] = append(s.messages[branchID], clone)
	branch.UpdatedAt = time.Now()
	return nil
}

// MergeBranch folds source's own messages (since its BranchPoint) onto the
// end of target's history per MergeStrategyContinue; the other two
// strategies named by models.MergeStrategy are recorded but not yet
// implemented (see DESIGN.md).
func (s *MemoryBranchStore) MergeBranch(ctx context.Context, sourceBranchID, targetBranchID string, strategy models.MergeStrategy) (*models.BranchMerge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	source, ok := s.branches[sourceBranchID]
	if !ok {
		return nil, errors.New("source branch not found")
	}
	target, ok := s.branches[targetBranchID]
	if !ok {
		return nil, errors.New("target branch not found")
	}
	if strategy != models.MergeStrategyContinue {
		return nil, errors.New("merge strategy not implemented: " + string(strategy))
	}

	sourceMsgs := s.messages[sourceBranchID]
	insertAt := int64(len(s.messages[targetBranchID]))
	s.messages[targetBranchID] = append(s.messages[targetBranchID], sourceMsgs...)

	now := time.Now()
	source.Status = models.BranchStatusMerged
	source.MergedAt = &now
	source.UpdatedAt = now

	merge := &models.BranchMerge{
		ID:                   uuid.NewString(),
		SourceBranchID:       sourceBranchID,
		TargetBranchID:       targetBranchID,
		Strategy:             strategy,
		SourceSequenceStart:  0,
		SourceSequenceEnd:    int64(len(sourceMsgs)),
		TargetSequenceInsert: insertAt,
		MessageCount:         len(sourceMsgs),
		MergedAt:             now,
	}
	target.UpdatedAt = now
	s.merges = append(s.merges, merge)
	return merge, nil
}

func cloneBranch(branch *models.Branch) *models.Branch {
	if branch == nil {
		return nil
	}
	clone := *branch
	if branch.ParentBranchID != nil {
		parent := *branch.ParentBranchID
		clone.ParentBranchID = &parent
	}
	if branch.Metadata != nil {
		clone.Metadata = deepCloneMap(branch.Metadata)
	}
	if branch.MergedAt != nil {
		merged := *branch.MergedAt
		clone.MergedAt = &merged
	}
	return &clone
}
