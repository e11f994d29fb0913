// Package txn implements the transaction entity and state machine of
// spec.md §3.2/§4.5, and the transaction map of §3.3.
//
// Grounded on _examples/LeeNgari-RDBMS/internal/domain/transaction/transaction.go
// (atomic uint64 TxID counter plus a uuid.New() external id), generalized
// from that teacher's single Active/Committed/Aborted shape to the full
// Active/Reading/Committing/Aborting(reason)/Committed/Aborted/Faulted
// machine spec.md §4.5 requires.
package txn

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/joydb/txlog/internal/faberr"
	"github.com/joydb/txlog/internal/record"
)

// State is a transaction's lifecycle state.
type State uint8

const (
	Active State = iota
	Reading
	Committing
	Aborting
	Committed
	Aborted
	Faulted
)

func (s State) String() string {
	switch s {
	case Active:
		return "Active"
	case Reading:
		return "Reading"
	case Committing:
		return "Committing"
	case Aborting:
		return "Aborting"
	case Committed:
		return "Committed"
	case Aborted:
		return "Aborted"
	case Faulted:
		return "Faulted"
	default:
		return "Unknown"
	}
}

// AbortReason distinguishes why an Aborting transaction entered that
// state; preserved through to the terminal Aborted/Faulted state.
type AbortReason uint8

const (
	NoAbort AbortReason = iota
	AbortedByUser
	AbortedByUserDispose
	AbortedBySystem
)

func (r AbortReason) String() string {
	switch r {
	case AbortedByUser:
		return "User"
	case AbortedByUserDispose:
		return "UserDisposed"
	case AbortedBySystem:
		return "System"
	default:
		return "None"
	}
}

var nextTxnID uint64

// Transaction is the entity of spec.md §3.2:
// Transaction{id, state, earliest-lsn, commit-lsn, abort-reason}.
type Transaction struct {
	mu sync.Mutex

	ID         uint64
	ExternalID uuid.UUID

	state       State
	earliestLsn record.LogicalSequenceNumber
	commitLsn   record.LogicalSequenceNumber
	abortReason AbortReason
}

// New allocates a transaction with a fresh monotonic id and external uuid,
// starting in Active state.
func New() *Transaction {
	return &Transaction{
		ID:          atomic.AddUint64(&nextTxnID, 1),
		ExternalID:  uuid.New(),
		state:       Active,
		earliestLsn: record.InvalidLsn,
		commitLsn:   record.InvalidLsn,
	}
}

// Restore reconstructs a transaction at state, for internal/recovery's
// forward replay: unlike New, the caller supplies both the id (preserving
// the original TransactionId recorded in the log) and the terminal or
// in-flight state the replay determined it reached, bypassing the live
// transition guards that exist to catch concurrent misuse rather than
// historical replay. It also advances the package's id counter so a
// subsequently created transaction never collides with a restored id.
func Restore(id uint64, state State) *Transaction {
	bumpNextTxnID(id)
	return &Transaction{
		ID:          id,
		ExternalID:  uuid.New(),
		state:       state,
		earliestLsn: record.InvalidLsn,
		commitLsn:   record.InvalidLsn,
	}
}

func bumpNextTxnID(id uint64) {
	for {
		cur := atomic.LoadUint64(&nextTxnID)
		if id <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(&nextTxnID, cur, id) {
			return
		}
	}
}

// State returns the transaction's current state under lock.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// AbortReason returns the recorded abort reason, if any.
func (t *Transaction) AbortReason() AbortReason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.abortReason
}

// EarliestLsn returns the Lsn of this transaction's first record.
func (t *Transaction) EarliestLsn() record.LogicalSequenceNumber {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.earliestLsn
}

// SetEarliestLsn records the Lsn of the BeginTransaction record, if not
// already set.
func (t *Transaction) SetEarliestLsn(lsn record.LogicalSequenceNumber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.earliestLsn == record.InvalidLsn {
		t.earliestLsn = lsn
	}
}

// CommitLsn returns the Lsn of the terminating EndTransaction record, if
// committed.
func (t *Transaction) CommitLsn() record.LogicalSequenceNumber {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.commitLsn
}

// transitionError maps a disallowed transition onto the error kind named
// in spec.md's state table.
func transitionError(kind faberr.Kind, txnID uint64, op string, state State) error {
	return faberr.New(kind, "txn", fmtTransition(txnID, op, state))
}

func fmtTransition(txnID uint64, op string, state State) string {
	return op + " rejected for txn " + uintToString(txnID) + " in state " + state.String()
}

func uintToString(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// OnBeginRead handles a read-only operation starting under the
// transaction, per the §4.5 state table.
func (t *Transaction) OnBeginRead() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case Active:
		t.state = Reading
		return nil
	case Reading, Committing:
		return transitionError(stateKind(t.state), t.ID, "OnBeginRead", t.state)
	case Aborting:
		return transitionError(abortingKind(t.abortReason), t.ID, "OnBeginRead", t.state)
	default:
		return transitionError(faberr.TransactionNotActive, t.ID, "OnBeginRead", t.state)
	}
}

// OnBeginCommit begins committing the transaction.
func (t *Transaction) OnBeginCommit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case Active:
		t.state = Committing
		return nil
	case Reading, Committing:
		return transitionError(stateKind(t.state), t.ID, "OnBeginCommit", t.state)
	case Aborting:
		return transitionError(abortingKind(t.abortReason), t.ID, "OnBeginCommit", t.state)
	default:
		return transitionError(faberr.TransactionNotActive, t.ID, "OnBeginCommit", t.state)
	}
}

// OnAddOp admits a new Operation record onto an Active transaction.
func (t *Transaction) OnAddOp() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case Active:
		return nil
	case Reading, Committing:
		return transitionError(stateKind(t.state), t.ID, "OnAddOp", t.state)
	case Aborting:
		return transitionError(abortingKind(t.abortReason), t.ID, "OnAddOp", t.state)
	default:
		return transitionError(faberr.TransactionNotActive, t.ID, "OnAddOp", t.state)
	}
}

// OnUserAbort transitions an Active transaction into Aborting(User).
func (t *Transaction) OnUserAbort() error {
	return t.beginAbort(AbortedByUser)
}

// OnUserDispose transitions an Active transaction into
// Aborting(UserDisposed).
func (t *Transaction) OnUserDispose() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case Active:
		t.state = Aborting
		t.abortReason = AbortedByUserDispose
		return nil
	case Reading:
		// spec.md §4.5 leaves this cell undefined ("—"); there is no
		// legal reader-disposes-transaction path, so treat it as a
		// no-op rather than invent a new error kind.
		return nil
	case Committing:
		return transitionError(faberr.TransactionNotActive, t.ID, "OnUserDispose", t.state)
	case Aborting:
		return transitionError(abortingKind(t.abortReason), t.ID, "OnUserDispose", t.state)
	default:
		return transitionError(faberr.TransactionNotActive, t.ID, "OnUserDispose", t.state)
	}
}

// OnSystemAbort transitions an Active transaction into Aborting(System).
func (t *Transaction) OnSystemAbort() error {
	return t.beginAbort(AbortedBySystem)
}

func (t *Transaction) beginAbort(reason AbortReason) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	op := "OnUserAbort"
	if reason == AbortedBySystem {
		op = "OnSystemAbort"
	}
	switch t.state {
	case Active:
		t.state = Aborting
		t.abortReason = reason
		return nil
	case Reading, Committing:
		return transitionError(stateKind(t.state), t.ID, op, t.state)
	case Aborting:
		return transitionError(abortingKind(t.abortReason), t.ID, op, t.state)
	default:
		return transitionError(faberr.TransactionNotActive, t.ID, op, t.state)
	}
}

func stateKind(s State) faberr.Kind {
	if s == Reading {
		return faberr.MultithreadedTransaction
	}
	return faberr.TransactionNotActive
}

func abortingKind(reason AbortReason) faberr.Kind {
	if reason == AbortedBySystem {
		return faberr.TransactionAborted
	}
	return faberr.TransactionNotActive
}

// RestoreTerminalState forces a restored transaction directly into a
// terminal state reached before the process last stopped, for
// internal/recovery's forward replay. An EndTransaction record found during
// replay already reports the outcome, so rather than drive the live FSM
// through its commit or abort transitions this sets the state directly,
// bypassing the FSM guards the same way Restore does.
func (t *Transaction) RestoreTerminalState(state State, commitLsn record.LogicalSequenceNumber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
	if state == Committed {
		t.commitLsn = commitLsn
	}
}

// CompleteCommit terminates a Committing transaction successfully.
func (t *Transaction) CompleteCommit(commitLsn record.LogicalSequenceNumber) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Committing {
		return transitionError(faberr.TransactionNotActive, t.ID, "CompleteCommit", t.state)
	}
	t.state = Committed
	t.commitLsn = commitLsn
	return nil
}

// FailCommit terminates a Committing transaction into Faulted.
func (t *Transaction) FailCommit(cause error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Committing {
		return transitionError(faberr.TransactionNotActive, t.ID, "FailCommit", t.state)
	}
	t.state = Faulted
	return faberr.Wrap(faberr.Fatal, "txn", "commit failed", cause)
}

// CompleteAbort terminates an Aborting transaction successfully,
// preserving the recorded abort reason.
func (t *Transaction) CompleteAbort() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Aborting {
		return transitionError(faberr.TransactionNotActive, t.ID, "CompleteAbort", t.state)
	}
	t.state = Aborted
	return nil
}

// FailAbort terminates an Aborting transaction into Faulted, preserving
// the recorded abort reason.
func (t *Transaction) FailAbort(cause error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Aborting {
		return transitionError(faberr.TransactionNotActive, t.ID, "FailAbort", t.state)
	}
	t.state = Faulted
	return faberr.Wrap(faberr.Fatal, "txn", "abort failed", cause)
}
