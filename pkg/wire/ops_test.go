package wire

import (
	"bytes"
	"testing"
)

// fakeSender records every frame passed to Send, for assertions.
type fakeSender struct {
	sent []Frame
}

func (f *fakeSender) Send(op OpCode, payload []byte) error {
	f.sent = append(f.sent, Frame{Op: op, Payload: append([]byte(nil), payload...)})
	return nil
}

// fakeHandlers implements Handlers recording every call for assertions.
type fakeHandlers struct {
	openOK       bool
	closeOK      bool
	configOK     bool
	streamAccept int
	gotError     string
	gotConfirm   *bool
	gotFlow      *bool
	gotDTR       *bool
	gotRTS       *bool
}

func (f *fakeHandlers) OnError(msg string)                { f.gotError = msg }
func (f *fakeHandlers) OnConfirm(ok bool)                 { f.gotConfirm = &ok }
func (f *fakeHandlers) OnOpenPort(string) bool            { return f.openOK }
func (f *fakeHandlers) OnClosePort() bool                 { return f.closeOK }
func (f *fakeHandlers) OnConfigurePort(SerialConfig) bool { return f.configOK }
func (f *fakeHandlers) OnStreamSerial(data []byte) int    { return f.streamAccept }
func (f *fakeHandlers) OnFlowControl(ready bool)          { f.gotFlow = &ready }
func (f *fakeHandlers) OnPortState(dtr, rts bool)         { f.gotDTR, f.gotRTS = &dtr, &rts }

func TestDispatchOpenPortRepliesConfirm(t *testing.T) {
	h := &fakeHandlers{openOK: true}
	tx := &fakeSender{}
	fr := Frame{Op: OpOpenPort, Payload: []byte("/dev/peer")}
	if err := Dispatch(fr, h, tx); err != nil {
		t.Fatal(err)
	}
	if len(tx.sent) != 1 || tx.sent[0].Op != OpConfirm || !bytes.Equal(tx.sent[0].Payload, []byte{0x01}) {
		t.Fatalf("sent = %+v, want one CONFIRM(ok)", tx.sent)
	}
}

func TestDispatchUnknownOpCodeReportsErrorNotFatal(t *testing.T) {
	h := &fakeHandlers{}
	tx := &fakeSender{}
	fr := Frame{Op: OpCode(0x99), Payload: []byte{0x99}}
	if err := Dispatch(fr, h, tx); err != nil {
		t.Fatalf("Dispatch returned fatal error for unknown op_code: %v", err)
	}
	if len(tx.sent) != 1 || tx.sent[0].Op != OpError {
		t.Fatalf("sent = %+v, want one ERROR frame", tx.sent)
	}
}

func TestDispatchBackPressureViolationReportsError(t *testing.T) {
	h := &fakeHandlers{streamAccept: 3}
	tx := &fakeSender{}
	fr := Frame{Op: OpStreamSerial, Payload: []byte("hello")}
	if err := Dispatch(fr, h, tx); err != nil {
		t.Fatal(err)
	}
	if len(tx.sent) != 1 || tx.sent[0].Op != OpError {
		t.Fatalf("sent = %+v, want one ERROR frame for buffer overflow", tx.sent)
	}
}

func TestDispatchStreamSerialFullyAcceptedSendsNothing(t *testing.T) {
	h := &fakeHandlers{streamAccept: 5}
	tx := &fakeSender{}
	fr := Frame{Op: OpStreamSerial, Payload: []byte("hello")}
	if err := Dispatch(fr, h, tx); err != nil {
		t.Fatal(err)
	}
	if len(tx.sent) != 0 {
		t.Fatalf("sent = %+v, want no frames", tx.sent)
	}
}

func TestDispatchFlowControlAndPortState(t *testing.T) {
	h := &fakeHandlers{}
	tx := &fakeSender{}
	if err := Dispatch(Frame{Op: OpFlowControl, Payload: []byte{0x01}}, h, tx); err != nil {
		t.Fatal(err)
	}
	if h.gotFlow == nil || *h.gotFlow != true {
		t.Fatal("OnFlowControl not called with true")
	}
	if err := Dispatch(Frame{Op: OpPortState, Payload: []byte{1, 0}}, h, tx); err != nil {
		t.Fatal(err)
	}
	if h.gotDTR == nil || *h.gotDTR != true || h.gotRTS == nil || *h.gotRTS != false {
		t.Fatal("OnPortState not called with (true, false)")
	}
}
