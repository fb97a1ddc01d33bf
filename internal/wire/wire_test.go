package wire

import (
	"bytes"
	"io"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := SendMessage(&buf, OpPostTxt, "alice", "bob", []byte("hello")); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	msg, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.Header.Op != OpPostTxt {
		t.Errorf("op = %v, want OpPostTxt", msg.Header.Op)
	}
	if msg.Header.Sender != "alice" {
		t.Errorf("sender = %q, want alice", msg.Header.Sender)
	}
	if msg.Data.Receiver != "bob" {
		t.Errorf("receiver = %q, want bob", msg.Data.Receiver)
	}
	if string(msg.Payload) != "hello" {
		t.Errorf("payload = %q, want hello", msg.Payload)
	}
}

func TestMessageRoundTripEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := SendMessage(&buf, OpUsrList, "alice", "", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	msg, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if len(msg.Payload) != 0 {
		t.Errorf("payload = %v, want empty", msg.Payload)
	}
}

func TestReadMessageEOFIsDisconnect(t *testing.T) {
	_, err := ReadMessage(bytes.NewReader(nil))
	if !IsDisconnect(err) {
		t.Errorf("ReadMessage on empty reader: err = %v, want disconnect-class", err)
	}
}

func TestReadMessageShortReadIsDisconnect(t *testing.T) {
	// Only a partial header: readFull should report disconnect, not loop.
	_, err := ReadMessage(bytes.NewReader([]byte{1, 2, 3}))
	if !IsDisconnect(err) {
		t.Errorf("ReadMessage on short buffer: err = %v, want disconnect-class", err)
	}
}

func TestNameTooLong(t *testing.T) {
	var buf bytes.Buffer
	long := make([]byte, MaxName+1)
	for i := range long {
		long[i] = 'a'
	}
	err := SendHeader(&buf, OpConnect, string(long))
	if err == nil {
		t.Fatal("SendHeader with oversized name: want error")
	}
}

func TestIsValidClientOp(t *testing.T) {
	if !IsValidClientOp(OpDelGroup) {
		t.Error("OpDelGroup should be a valid client op")
	}
	if IsValidClientOp(OpClientEnd) {
		t.Error("OpClientEnd should not be a valid client op")
	}
	if IsValidClientOp(OpOk) {
		t.Error("OpOk should not be a valid client op")
	}
}

func TestGetNameZeroPadded(t *testing.T) {
	buf := make([]byte, nameField)
	if err := putName(buf, "bob"); err != nil {
		t.Fatal(err)
	}
	if got := getName(buf); got != "bob" {
		t.Errorf("getName = %q, want bob", got)
	}
	for _, b := range buf[len("bob"):] {
		if b != 0 {
			t.Fatalf("trailing bytes not zeroed: %v", buf)
		}
	}
}

func TestStringerCoversAllOpcodes(t *testing.T) {
	ops := []Opcode{
		OpRegister, OpConnect, OpPostTxt, OpPostTxtAll, OpPostFile, OpGetFile,
		OpGetPrevMsgs, OpUsrList, OpUnregister, OpDisconnect, OpCreateGroup,
		OpAddGroup, OpDelGroup, OpTxtMessage, OpFileMessage, OpOk, OpFail,
		OpNickAlready, OpNickUnknown, OpMsgTooLong,
	}
	seen := map[string]bool{}
	for _, op := range ops {
		s := op.String()
		if s == "" || s[0] == 'O' && s[1] == 'P' && s[2] == '(' {
			t.Errorf("opcode %d stringified as unknown: %q", op, s)
		}
		seen[s] = true
	}
	if len(seen) != len(ops) {
		t.Errorf("expected %d distinct names, got %d", len(ops), len(seen))
	}
}

var _ io.Reader = (*bytes.Buffer)(nil)
