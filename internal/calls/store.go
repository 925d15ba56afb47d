// Package calls holds the per-attempt call state machine. One invitation
// exists per roomId; a user occupies at most one active invitation at a
// time, as caller or callee.
package calls

import (
	"errors"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/marska/chatline/internal/models"
)

var (
	// ErrAlreadyInCall rejects initiate when a party already has a
	// ringing or accepted invitation. Reported to the caller, not fatal.
	ErrAlreadyInCall = errors.New("party already has an active call")
	// ErrInvalidTransition rejects accept/reject on an unknown roomId or a
	// non-ringing invitation. Usually a race with a just-ended call.
	ErrInvalidTransition = errors.New("invalid call state transition")
)

// Store is the active-invitation set. All mutation goes through one mutex so
// the party-busy cross-check always sees a consistent snapshot.
type Store struct {
	mu      sync.Mutex
	invites map[string]*models.CallInvitation // roomID -> invitation
	byUser  map[string]string                 // userID -> roomID of active invitation

	ringTTL       time.Duration
	sweepInterval time.Duration
	nowFn         func() time.Time

	// onExpired is invoked outside the lock with a snapshot of each
	// invitation that rang out. Set before any initiate happens.
	onExpired func(models.CallInvitation)

	stop chan struct{}
}

const (
	defaultRingTTL       = 45 * time.Second
	defaultSweepInterval = 5 * time.Second
)

func NewStore() *Store {
	return &Store{
		invites:       make(map[string]*models.CallInvitation),
		byUser:        make(map[string]string),
		ringTTL:       defaultRingTTL,
		sweepInterval: defaultSweepInterval,
		nowFn:         time.Now,
		stop:          make(chan struct{}),
	}
}

// SetRingTimeout overrides how long an invitation may stay in Ringing.
func (s *Store) SetRingTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.ringTTL = d
	}
}

// OnExpired registers the callback fired when a ringing invitation times out.
func (s *Store) OnExpired(fn func(models.CallInvitation)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExpired = fn
}

// Run sweeps rung-out invitations until Close is called.
func (s *Store) Run() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.expireRinging(s.nowFn())
		case <-s.stop:
			return
		}
	}
}

func (s *Store) Close() {
	close(s.stop)
}

// Initiate admits a new invitation in Ringing with a fresh roomId, or fails
// with ErrAlreadyInCall if either party is busy. Returns a snapshot.
func (s *Store) Initiate(callerID, calleeID string, kind models.CallKind) (models.CallInvitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.byUser[callerID]; busy {
		return models.CallInvitation{}, ErrAlreadyInCall
	}
	if _, busy := s.byUser[calleeID]; busy {
		return models.CallInvitation{}, ErrAlreadyInCall
	}

	roomID, err := gonanoid.New(16)
	if err != nil {
		return models.CallInvitation{}, err
	}

	now := s.nowFn()
	inv := &models.CallInvitation{
		RoomID:     roomID,
		CallerID:   callerID,
		CalleeID:   calleeID,
		Kind:       kind,
		State:      models.CallStateRinging,
		CreatedAt:  now,
		RingsUntil: now.Add(s.ringTTL),
	}
	s.invites[roomID] = inv
	s.byUser[callerID] = roomID
	s.byUser[calleeID] = roomID

	return *inv, nil
}

// Accept moves a ringing invitation to Accepted.
func (s *Store) Accept(roomID string) (models.CallInvitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invites[roomID]
	if !ok || inv.State != models.CallStateRinging {
		return models.CallInvitation{}, ErrInvalidTransition
	}

	inv.State = models.CallStateAccepted
	inv.AcceptedAt = s.nowFn()
	return *inv, nil
}

// Reject declines a ringing invitation. The invitation passes through
// Rejected and is immediately removed (Ended) from the active set.
func (s *Store) Reject(roomID string) (models.CallInvitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invites[roomID]
	if !ok || inv.State != models.CallStateRinging {
		return models.CallInvitation{}, ErrInvalidTransition
	}

	inv.State = models.CallStateRejected
	snapshot := s.removeLocked(inv)
	return snapshot, nil
}

// End terminates an invitation from any non-terminal state: normal hangup as
// well as forced cleanup. Unknown roomId fails with ErrInvalidTransition so a
// second cleanup for the same room is a harmless no-op for the caller.
func (s *Store) End(roomID string) (models.CallInvitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invites[roomID]
	if !ok {
		return models.CallInvitation{}, ErrInvalidTransition
	}

	return s.removeLocked(inv), nil
}

// EndAllFor force-ends every active invitation involving userID, returning
// snapshots so the router can notify the remaining parties. Disconnect is the
// only caller; with at most one active invitation per user the slice has at
// most one element, but the scan keeps cleanup correct even if that invariant
// were ever violated.
func (s *Store) EndAllFor(userID string) []models.CallInvitation {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ended []models.CallInvitation
	for _, inv := range s.invites {
		if inv.Involves(userID) {
			ended = append(ended, s.removeLocked(inv))
		}
	}
	return ended
}

// ActiveFor returns the active invitation involving userID, if any.
func (s *Store) ActiveFor(userID string) (models.CallInvitation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	roomID, ok := s.byUser[userID]
	if !ok {
		return models.CallInvitation{}, false
	}
	inv, ok := s.invites[roomID]
	if !ok {
		return models.CallInvitation{}, false
	}
	return *inv, true
}

// Get returns a snapshot of the invitation for roomID, if it is still active.
func (s *Store) Get(roomID string) (models.CallInvitation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invites[roomID]
	if !ok {
		return models.CallInvitation{}, false
	}
	return *inv, true
}

func (s *Store) expireRinging(now time.Time) {
	s.mu.Lock()
	var expired []models.CallInvitation
	for _, inv := range s.invites {
		if inv.State == models.CallStateRinging && now.After(inv.RingsUntil) {
			expired = append(expired, s.removeLocked(inv))
		}
	}
	fn := s.onExpired
	s.mu.Unlock()

	if fn == nil {
		return
	}
	for _, inv := range expired {
		fn(inv)
	}
}

// removeLocked marks the invitation Ended, drops it from the active set and
// returns a snapshot carrying the state it held just before ending.
func (s *Store) removeLocked(inv *models.CallInvitation) models.CallInvitation {
	snapshot := *inv
	inv.State = models.CallStateEnded
	inv.EndedAt = s.nowFn()
	snapshot.EndedAt = inv.EndedAt

	delete(s.invites, inv.RoomID)
	if s.byUser[inv.CallerID] == inv.RoomID {
		delete(s.byUser, inv.CallerID)
	}
	if s.byUser[inv.CalleeID] == inv.RoomID {
		delete(s.byUser, inv.CalleeID)
	}
	return snapshot
}
