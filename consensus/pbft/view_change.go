package pbft

import (
	"encoding/json"
	"sync"
	"time"
)

// ViewChangeManager collects view change messages and decides when a new
// view may be installed. View numbers only ever increase.
type ViewChangeManager struct {
	mu sync.RWMutex

	currentView uint64

	// View change messages received (view -> nodeID -> message).
	viewChangeMsgs map[uint64]map[string]*ViewChangeMsg

	inProgress bool

	quorumSize int

	nodeID string

	broadcastFunc func(*Message)

	onViewChangeComplete func(newView uint64)
}

// NewViewChangeManager creates a view change manager.
func NewViewChangeManager(nodeID string, quorumSize int) *ViewChangeManager {
	return &ViewChangeManager{
		viewChangeMsgs: make(map[uint64]map[string]*ViewChangeMsg),
		quorumSize:     quorumSize,
		nodeID:         nodeID,
	}
}

// SetBroadcastFunc sets the function used to broadcast messages.
func (vcm *ViewChangeManager) SetBroadcastFunc(f func(*Message)) {
	vcm.broadcastFunc = f
}

// SetOnViewChangeComplete sets the callback for view change completion.
func (vcm *ViewChangeManager) SetOnViewChangeComplete(f func(newView uint64)) {
	vcm.onViewChangeComplete = f
}

// SetQuorumSize updates the quorum after a membership change.
func (vcm *ViewChangeManager) SetQuorumSize(quorum int) {
	vcm.mu.Lock()
	defer vcm.mu.Unlock()
	vcm.quorumSize = quorum
}

// StartViewChange initiates a view change to the specified view. Requests
// for the current or an older view are ignored.
func (vcm *ViewChangeManager) StartViewChange(newView, lastSeqNum uint64, prepared []string) {
	vcm.mu.Lock()

	if newView <= vcm.currentView {
		vcm.mu.Unlock()
		return
	}
	vcm.inProgress = true

	msg := &ViewChangeMsg{
		NewView:    newView,
		LastSeqNum: lastSeqNum,
		Prepared:   prepared,
		NodeID:     vcm.nodeID,
	}
	if vcm.viewChangeMsgs[newView] == nil {
		vcm.viewChangeMsgs[newView] = make(map[string]*ViewChangeMsg)
	}
	vcm.viewChangeMsgs[newView][vcm.nodeID] = msg
	broadcast := vcm.broadcastFunc
	vcm.mu.Unlock()

	if broadcast != nil {
		payload, _ := json.Marshal(msg)
		netMsg := NewMessage(MsgViewChange, newView, lastSeqNum, nil, vcm.nodeID)
		netMsg.Payload = payload
		broadcast(netMsg)
	}
}

// HandleViewChange records a received view change message and returns true
// once 2f+1 distinct nodes requested the same new view.
func (vcm *ViewChangeManager) HandleViewChange(msg *ViewChangeMsg) bool {
	vcm.mu.Lock()
	defer vcm.mu.Unlock()

	if msg.NewView <= vcm.currentView {
		return false
	}
	if vcm.viewChangeMsgs[msg.NewView] == nil {
		vcm.viewChangeMsgs[msg.NewView] = make(map[string]*ViewChangeMsg)
	}
	vcm.viewChangeMsgs[msg.NewView][msg.NodeID] = msg

	return len(vcm.viewChangeMsgs[msg.NewView]) >= vcm.quorumSize
}

// CreateNewViewMsg assembles a new view message from the collected view
// change messages. Returns nil when quorum has not been reached.
func (vcm *ViewChangeManager) CreateNewViewMsg(newView uint64) *NewViewMsg {
	vcm.mu.RLock()
	defer vcm.mu.RUnlock()

	msgs := vcm.viewChangeMsgs[newView]
	if len(msgs) < vcm.quorumSize {
		return nil
	}

	var vcMsgs []ViewChangeMsg
	for _, msg := range msgs {
		vcMsgs = append(vcMsgs, *msg)
	}
	return &NewViewMsg{
		View:           newView,
		ViewChangeMsgs: vcMsgs,
		NewPrimaryID:   vcm.nodeID,
	}
}

// HandleNewView verifies and installs a new view. Returns false if the
// message is not backed by 2f+1 view change messages for that view.
func (vcm *ViewChangeManager) HandleNewView(msg *NewViewMsg) bool {
	vcm.mu.Lock()

	if msg.View <= vcm.currentView || len(msg.ViewChangeMsgs) < vcm.quorumSize {
		vcm.mu.Unlock()
		return false
	}
	for _, vcMsg := range msg.ViewChangeMsgs {
		if vcMsg.NewView != msg.View {
			vcm.mu.Unlock()
			return false
		}
	}

	vcm.currentView = msg.View
	vcm.inProgress = false
	for v := range vcm.viewChangeMsgs {
		if v <= msg.View {
			delete(vcm.viewChangeMsgs, v)
		}
	}
	done := vcm.onViewChangeComplete
	vcm.mu.Unlock()

	if done != nil {
		done(msg.View)
	}
	return true
}

// InstallView advances the current view directly. Used by the node that
// observed the 2f+1 view change quorum itself.
func (vcm *ViewChangeManager) InstallView(view uint64) {
	vcm.mu.Lock()
	defer vcm.mu.Unlock()

	if view > vcm.currentView {
		vcm.currentView = view
		vcm.inProgress = false
		for v := range vcm.viewChangeMsgs {
			if v <= view {
				delete(vcm.viewChangeMsgs, v)
			}
		}
	}
}

// IsInProgress returns whether a view change is in progress.
func (vcm *ViewChangeManager) IsInProgress() bool {
	vcm.mu.RLock()
	defer vcm.mu.RUnlock()
	return vcm.inProgress
}

// GetCurrentView returns the current view.
func (vcm *ViewChangeManager) GetCurrentView() uint64 {
	vcm.mu.RLock()
	defer vcm.mu.RUnlock()
	return vcm.currentView
}

// ViewChangeTimer is the primary-liveness watchdog. Once stopped, the
// callback never fires again.
type ViewChangeTimer struct {
	mu sync.Mutex

	timeout   time.Duration
	timer     *time.Timer
	onTimeout func()
	stopped   bool
}

// NewViewChangeTimer creates a view change timer.
func NewViewChangeTimer(timeout time.Duration, onTimeout func()) *ViewChangeTimer {
	return &ViewChangeTimer{
		timeout:   timeout,
		onTimeout: onTimeout,
	}
}

// Start starts or resets the timer.
func (vct *ViewChangeTimer) Start() {
	vct.mu.Lock()
	defer vct.mu.Unlock()

	if vct.stopped {
		return
	}
	if vct.timer != nil {
		vct.timer.Stop()
	}
	vct.timer = time.AfterFunc(vct.timeout, func() {
		vct.mu.Lock()
		stopped := vct.stopped
		vct.mu.Unlock()
		if !stopped {
			vct.onTimeout()
		}
	})
}

// Stop cancels the timer permanently.
func (vct *ViewChangeTimer) Stop() {
	vct.mu.Lock()
	defer vct.mu.Unlock()

	vct.stopped = true
	if vct.timer != nil {
		vct.timer.Stop()
		vct.timer = nil
	}
}
