package sipstack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/corewire/sipstack/sip"
	"github.com/looplab/fsm"
)

var (
	ErrDialogOutsideDialog   = errors.New("Call/Transaction Outside Dialog")
	ErrDialogDoesNotExists   = errors.New("Call/Transaction Does Not Exist")
	ErrDialogInviteNoContact = errors.New("No Contact header")
	ErrDialogCanceled        = errors.New("Dialog canceled")
	ErrDialogInvalidCseq     = errors.New("Invalid CSEQ number")
)

type ErrDialogResponse struct {
	Res *sip.Response
}

func (e ErrDialogResponse) Error() string {
	return fmt.Sprintf("Invite failed with response: %s", e.Res.StartLine())
}

// Dialog event names driving the looplab/fsm machine below. Unexported:
// callers only ever see sip.DialogState through LoadState/StateRead.
const (
	dialogEventEstablish = "establish" // 1xx/2xx carrying a to-tag creates the dialog -> Early/Established
	dialogEventConfirm   = "confirm"   // ACK seen for a 2xx -> Confirmed
	dialogEventEnd       = "end"       // BYE, CANCEL race loss, or non-2xx to an Early dialog -> Terminated
)

func dialogStateName(s sip.DialogState) string {
	return s.String()
}

func dialogStateFromName(name string) sip.DialogState {
	switch name {
	case sip.DialogStateEstablished.String():
		return sip.DialogStateEstablished
	case sip.DialogStateConfirmed.String():
		return sip.DialogStateConfirmed
	default:
		return sip.DialogStateEnded
	}
}

type DialogStateFn func(s sip.DialogState)
type Dialog struct {
	ID string

	// InviteRequest is set when dialog is created. It is not thread safe!
	// Use it only as read only and use methods to change headers
	InviteRequest *sip.Request

	// lastCSeqNo is set for every request within dialog except ACK CANCEL
	lastCSeqNo atomic.Uint32

	// remoteCSeqNo tracks the highest CSeq received from the peer,
	// independent of our own counter (RFC 3261 §12.2.2)
	remoteCSeqNo atomic.Uint32

	// InviteResponse is last response received or sent. It is not thread safe!
	// Use it only as read only and do not change values
	InviteResponse *sip.Response

	stateMu sync.Mutex
	machine *fsm.FSM

	ctx    context.Context
	cancel context.CancelFunc

	onStateMu sync.Mutex
	onState   []DialogStateFn

	// cause holds the error that ended the dialog, if any (e.g. CANCEL
	// received before a final response, or the transaction terminating early)
	cause atomic.Value

	// store user values
	values sync.Map
}

// newDialogFSM builds the three-state machine shared by UAC and UAS dialog
// sessions: Established (RFC 3261's "Early", renamed to match this
// package's DialogState names) -> Confirmed -> Terminated, with a direct
// Established -> Terminated edge for the CANCEL-race and non-2xx-to-Early
// cases in §4.4.
func newDialogFSM(d *Dialog, initial sip.DialogState) *fsm.FSM {
	return fsm.NewFSM(
		dialogStateName(initial),
		fsm.Events{
			{Name: dialogEventEstablish, Src: []string{sip.DialogStateEstablished.String()}, Dst: sip.DialogStateEstablished.String()},
			{Name: dialogEventConfirm, Src: []string{sip.DialogStateEstablished.String(), sip.DialogStateConfirmed.String()}, Dst: sip.DialogStateConfirmed.String()},
			{Name: dialogEventEnd, Src: []string{sip.DialogStateEstablished.String(), sip.DialogStateConfirmed.String(), sip.DialogStateEnded.String()}, Dst: sip.DialogStateEnded.String()},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				d.onStateEnter(dialogStateFromName(e.Dst))
			},
		},
	)
}

// Init setups dialog state
func (d *Dialog) Init() {
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.lastCSeqNo = atomic.Uint32{}

	cseq := d.InviteRequest.CSeq().SeqNo
	d.lastCSeqNo.Store(cseq)
	d.remoteCSeqNo.Store(cseq)

	d.onStateMu.Lock()
	d.onState = nil
	d.onStateMu.Unlock()

	d.stateMu.Lock()
	d.machine = newDialogFSM(d, sip.DialogStateEstablished)
	d.stateMu.Unlock()
}

func (d *Dialog) OnState(f DialogStateFn) {
	d.onStateMu.Lock()
	d.onState = append(d.onState, f)
	d.onStateMu.Unlock()
}

func (d *Dialog) onStateEnter(s sip.DialogState) {
	if s == sip.DialogStateEnded && d.cancel != nil {
		d.cancel()
	}

	d.onStateMu.Lock()
	cbs := append([]DialogStateFn(nil), d.onState...)
	d.onStateMu.Unlock()

	for _, cb := range cbs {
		cb(s)
	}
}

func (d *Dialog) InitWithState(s sip.DialogState) {
	d.Init()
	d.stateMu.Lock()
	d.machine = newDialogFSM(d, s)
	d.stateMu.Unlock()
}

// setState drives the dialog's fsm.FSM to s. Transitions not modeled by
// newDialogFSM (e.g. Ended -> Established) are rejected by the library and
// silently ignored here, matching the old CAS code's "already in that
// state" no-op behavior for same-state calls.
func (d *Dialog) setState(s sip.DialogState) {
	event := dialogEventForTarget(s)
	if event == "" {
		return
	}

	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if d.machine == nil {
		return
	}
	if d.machine.Current() == dialogStateName(s) {
		// Already there; avoid re-firing state callbacks for a no-op call.
		return
	}
	_ = d.machine.Event(context.Background(), event)
}

func dialogEventForTarget(s sip.DialogState) string {
	switch s {
	case sip.DialogStateEstablished:
		return dialogEventEstablish
	case sip.DialogStateConfirmed:
		return dialogEventConfirm
	case sip.DialogStateEnded:
		return dialogEventEnd
	default:
		return ""
	}
}

func (d *Dialog) LoadState() sip.DialogState {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if d.machine == nil {
		return sip.DialogStateEstablished
	}
	return dialogStateFromName(d.machine.Current())
}

func (d *Dialog) StateRead() <-chan sip.DialogState {
	ch := make(chan sip.DialogState, 5)
	d.OnState(func(s sip.DialogState) {
		select {
		case ch <- s:
		default:
		}
	})

	return ch
}

func (d *Dialog) CSEQ() uint32 {
	return d.lastCSeqNo.Load()
}

func (d *Dialog) setCSeq(n uint32) {
	d.lastCSeqNo.Store(n)
}

func (d *Dialog) remoteCSEQ() uint32 {
	return d.remoteCSeqNo.Load()
}

func (d *Dialog) setRemoteCSeq(n uint32) {
	d.remoteCSeqNo.Store(n)
}

func (d *Dialog) Context() context.Context {
	return d.ctx
}

// endWithCause ends the dialog and records the error that caused it, if any.
func (d *Dialog) endWithCause(cause error) {
	if cause != nil {
		d.cause.Store(cause)
	}
	d.setState(sip.DialogStateEnded)
}

// err returns the error that ended the dialog, or nil if it ended normally
// or is still active.
func (d *Dialog) err() error {
	v := d.cause.Load()
	if v == nil {
		return nil
	}
	return v.(error)
}

func (d *Dialog) Store(key string, value any) {
	d.values.Store(key, value)
}

func (d *Dialog) Load(key string) (any, bool) {
	return d.values.Load(key)
}

func (d *Dialog) Delete(key string) {
	d.values.Delete(key)
}
