package chatserver

import (
	"encoding/binary"
	"net"
	"os"
	"path/filepath"

	"chatty/internal/strset"
	"chatty/internal/wire"
)

// handlerFunc implements one opcode's request-handling contract: it may
// write zero or more frames to conn and returns whether the socket
// should be re-armed in the dispatcher's readiness set (false means the
// handler already closed or disconnected it).
type handlerFunc func(s *Server, fd int, conn net.Conn, msg wire.Message) bool

// handlerTable is the fixed opcode-to-handler lookup the worker pool
// dispatches through, mirroring the spec's request-handling state
// machine (§4.8).
var handlerTable = map[wire.Opcode]handlerFunc{
	wire.OpRegister:    handleRegister,
	wire.OpConnect:     handleConnect,
	wire.OpPostTxt:     handlePostTxt,
	wire.OpPostTxtAll:  handlePostTxtAll,
	wire.OpPostFile:    handlePostFile,
	wire.OpGetFile:     handleGetFile,
	wire.OpGetPrevMsgs: handleGetPrevMsgs,
	wire.OpUsrList:     handleUsrList,
	wire.OpUnregister:  handleUnregister,
	wire.OpDisconnect:  handleDisconnect,
	wire.OpCreateGroup: handleCreateGroup,
	wire.OpAddGroup:    handleAddGroup,
	wire.OpDelGroup:    handleDelGroup,
}

// packUserList packs nicknames into the MAX_NAME+1-bytes-per-entry wire
// format the CONNECT/REGISTER/USRLIST replies use.
func packUserList(nicknames []string) []byte {
	out := make([]byte, 0, len(nicknames)*(wire.MaxName+1))
	for _, nick := range nicknames {
		entry := make([]byte, wire.MaxName+1)
		copy(entry, nick)
		out = append(out, entry...)
	}
	return out
}

// bindConnectSideEffect performs the shared tail of REGISTER and CONNECT:
// claim a connected-user slot, bind the socket into the user record,
// count the user online, and reply with the packed user list. It sends
// the terminal reply for the request itself.
func (s *Server) bindConnectSideEffect(fd int, conn net.Conn, user *RegisteredUser) bool {
	if _, ok := s.catalog.Connected.Allocate(user.Nickname, conn, fd); !ok {
		_ = wire.SendStatus(conn, wire.OpFail, "too many connections")
		s.rateLimiters.Release(fd)
		s.dispatcher.Forget(fd)
		return false
	}
	user.Bind(conn, fd)
	s.stats.IncOnline()
	list := packUserList(s.catalog.Connected.Nicknames())
	_ = wire.SendMessage(conn, wire.OpOk, "", user.Nickname, list)
	return true
}

func handleRegister(s *Server, fd int, conn net.Conn, msg wire.Message) bool {
	nick := msg.Header.Sender
	user, inserted := s.catalog.Register(nick)
	if !inserted {
		s.stats.IncErrors()
		_ = wire.SendStatus(conn, wire.OpNickAlready, "nickname already registered")
		return true
	}
	s.stats.IncRegisteredUsers()
	return s.bindConnectSideEffect(fd, conn, user)
}

func handleConnect(s *Server, fd int, conn net.Conn, msg wire.Message) bool {
	nick := msg.Header.Sender
	user, ok := s.catalog.Users.Load(nick)
	if !ok {
		s.stats.IncErrors()
		_ = wire.SendStatus(conn, wire.OpNickUnknown, "nickname not registered")
		return true
	}
	return s.bindConnectSideEffect(fd, conn, user)
}

// deliverEntry inserts entry into recipientNick's history unconditionally,
// then attempts an online send, updating the delivered/undelivered
// counter matching entry's opcode. A recipient not present in the user
// catalog is silently skipped: there is nowhere to record the history.
func deliverEntry(s *Server, recipientNick string, entry HistoryEntry) {
	user, ok := s.catalog.Users.Load(recipientNick)
	if !ok {
		return
	}
	user.History.Insert(entry)

	conn, _, online := user.Socket()
	delivered := false
	if online {
		if err := wire.SendMessage(conn, entry.Op, entry.Sender, recipientNick, entry.Payload); err == nil {
			delivered = true
		}
	}

	if entry.Op == wire.OpFileMessage {
		if delivered {
			s.stats.IncDeliveredFiles()
		} else {
			s.stats.IncUndeliveredFiles()
		}
		return
	}
	if delivered {
		s.stats.IncDeliveredMessages()
	} else {
		s.stats.IncUndeliveredMessages()
	}
}

// routeMessage tries receiver as a group name first, fanning entry out to
// every member; otherwise it treats receiver as a single user's nickname.
func routeMessage(s *Server, receiver string, entry HistoryEntry) {
	if group, ok := s.catalog.Groups.Load(receiver); ok {
		for _, member := range group.Values() {
			deliverEntry(s, member, entry)
		}
		return
	}
	deliverEntry(s, receiver, entry)
}

func handlePostTxt(s *Server, fd int, conn net.Conn, msg wire.Message) bool {
	sender := msg.Header.Sender
	if !s.catalog.Connected.Contains(sender) {
		s.stats.IncErrors()
		_ = wire.SendStatus(conn, wire.OpFail, "sender not connected")
		return true
	}
	if int(msg.Data.Len) > s.cfg.MaxMsgSize {
		s.stats.IncErrors()
		_ = wire.SendStatus(conn, wire.OpMsgTooLong, "message too long")
		return true
	}
	entry := HistoryEntry{Op: wire.OpTxtMessage, Sender: sender, Payload: msg.Payload}
	routeMessage(s, msg.Data.Receiver, entry)
	_ = wire.SendStatus(conn, wire.OpOk, "")
	return true
}

func handlePostTxtAll(s *Server, fd int, conn net.Conn, msg wire.Message) bool {
	sender := msg.Header.Sender
	if !s.catalog.Connected.Contains(sender) {
		s.stats.IncErrors()
		_ = wire.SendStatus(conn, wire.OpFail, "sender not connected")
		return true
	}
	if int(msg.Data.Len) > s.cfg.MaxMsgSize {
		s.stats.IncErrors()
		_ = wire.SendStatus(conn, wire.OpMsgTooLong, "message too long")
		return true
	}
	entry := HistoryEntry{Op: wire.OpTxtMessage, Sender: sender, Payload: msg.Payload}

	var targets []string
	s.catalog.Users.GetAll(func(nick string, _ *RegisteredUser) { targets = append(targets, nick) })
	for _, nick := range targets {
		deliverEntry(s, nick, entry)
	}
	_ = wire.SendStatus(conn, wire.OpOk, "")
	return true
}

func handlePostFile(s *Server, fd int, conn net.Conn, msg wire.Message) bool {
	sender := msg.Header.Sender
	if !s.catalog.Connected.Contains(sender) {
		s.stats.IncErrors()
		_ = wire.SendStatus(conn, wire.OpFail, "sender not connected")
		return true
	}

	data, err := wire.ReadMessage(conn)
	if err != nil {
		if wire.IsDisconnect(err) {
			s.disconnect(fd)
			return false
		}
		s.logger.Fatal().Err(err).Int("fd", fd).Msg("postfile: fatal read error")
	}

	if int(data.Data.Len) > s.cfg.MaxFileSize*1024 {
		s.stats.IncErrors()
		_ = wire.SendStatus(conn, wire.OpFail, "file too large")
		return true
	}

	name := filepath.Base(string(msg.Payload))
	path := filepath.Join(s.cfg.DirName, name)
	if err := os.WriteFile(path, data.Payload, 0o644); err != nil {
		s.stats.IncErrors()
		_ = wire.SendStatus(conn, wire.OpFail, "could not persist file")
		return true
	}

	entry := HistoryEntry{Op: wire.OpFileMessage, Sender: sender, Payload: []byte(name)}
	routeMessage(s, msg.Data.Receiver, entry)
	_ = wire.SendStatus(conn, wire.OpOk, "")
	return true
}

func handleGetFile(s *Server, fd int, conn net.Conn, msg wire.Message) bool {
	name := filepath.Base(string(msg.Payload))
	path := filepath.Join(s.cfg.DirName, name)
	data, err := os.ReadFile(path)
	if err != nil {
		s.stats.IncErrors()
		_ = wire.SendStatus(conn, wire.OpFail, "file not found")
		return true
	}
	_ = wire.SendMessage(conn, wire.OpOk, "", msg.Header.Sender, data)
	return true
}

func handleGetPrevMsgs(s *Server, fd int, conn net.Conn, msg wire.Message) bool {
	sender := msg.Header.Sender
	user, ok := s.catalog.Users.Load(sender)
	if !ok {
		s.stats.IncErrors()
		_ = wire.SendStatus(conn, wire.OpFail, "not registered")
		return true
	}

	entries := user.History.Snapshot()
	count := make([]byte, 8)
	binary.LittleEndian.PutUint64(count, uint64(len(entries)))
	if err := wire.SendMessage(conn, wire.OpOk, "", sender, count); err != nil {
		// Bookkeeping is already complete; stop sending per the spec's
		// "stops sending but still completes its bookkeeping" contract.
		return true
	}
	for _, e := range entries {
		if err := wire.SendMessage(conn, e.Op, e.Sender, sender, e.Payload); err != nil {
			break
		}
	}
	return true
}

func handleUsrList(s *Server, fd int, conn net.Conn, msg wire.Message) bool {
	list := packUserList(s.catalog.Connected.Nicknames())
	_ = wire.SendMessage(conn, wire.OpOk, "", msg.Header.Sender, list)
	return true
}

func handleUnregister(s *Server, fd int, conn net.Conn, msg wire.Message) bool {
	nick := msg.Header.Sender
	_, found := s.catalog.Unregister(nick)
	if !found {
		s.stats.IncErrors()
		_ = wire.SendStatus(conn, wire.OpFail, "not registered")
		return true
	}
	if _, wasOnline := s.catalog.Connected.ReleaseByFD(fd); wasOnline {
		s.stats.DecOnline()
	}
	s.stats.DecRegisteredUsers()

	_ = wire.SendStatus(conn, wire.OpOk, "")
	s.rateLimiters.Release(fd)
	s.dispatcher.Forget(fd)
	return false
}

func handleDisconnect(s *Server, fd int, conn net.Conn, msg wire.Message) bool {
	s.disconnect(fd)
	return false
}

func handleCreateGroup(s *Server, fd int, conn net.Conn, msg wire.Message) bool {
	groupName := msg.Data.Receiver
	set := strset.New()
	if !s.catalog.Groups.SetIfEmpty(groupName, set) {
		s.stats.IncErrors()
		_ = wire.SendStatus(conn, wire.OpFail, "group already exists")
		return true
	}
	_ = set.Insert(msg.Header.Sender)
	_ = wire.SendStatus(conn, wire.OpOk, "")
	return true
}

func handleAddGroup(s *Server, fd int, conn net.Conn, msg wire.Message) bool {
	groupName := msg.Data.Receiver
	group, ok := s.catalog.Groups.Load(groupName)
	if !ok {
		s.stats.IncErrors()
		_ = wire.SendStatus(conn, wire.OpFail, "group does not exist")
		return true
	}
	if err := group.Insert(msg.Header.Sender); err != nil {
		s.stats.IncErrors()
		_ = wire.SendStatus(conn, wire.OpFail, "already a member")
		return true
	}
	_ = wire.SendStatus(conn, wire.OpOk, "")
	return true
}

func handleDelGroup(s *Server, fd int, conn net.Conn, msg wire.Message) bool {
	groupName := msg.Data.Receiver
	group, ok := s.catalog.Groups.Load(groupName)
	if !ok {
		s.stats.IncErrors()
		_ = wire.SendStatus(conn, wire.OpFail, "group does not exist")
		return true
	}
	if err := group.Remove(msg.Header.Sender); err != nil {
		s.stats.IncErrors()
		_ = wire.SendStatus(conn, wire.OpFail, "not a member")
		return true
	}
	_ = wire.SendStatus(conn, wire.OpOk, "")
	return true
}
