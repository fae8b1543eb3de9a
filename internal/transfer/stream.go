package transfer

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/ircmux/internal/lifecycle"
	"github.com/danmuck/ircmux/internal/observability"
	"github.com/danmuck/ircmux/internal/state"
)

const maxChatLine = 16 * 1024

// runSend streams path over conn and drains the peer's 32-bit
// acknowledgements. Bytes written so far are reported on failure.
func (n *Negotiator) runSend(ctx context.Context, sess *activeSession, conn net.Conn, path string, size int64) {
	sess.setConn(conn)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	n.setTransfer(sess.id, func(t *state.Transfer) { t.Status = state.TransferActive })

	sent, err := n.streamFile(conn, sess, path, size)
	if err != nil {
		n.endSession(sess, statusFor(ctx, err), sent, err)
		return
	}
	n.endSession(sess, state.TransferDone, sent, nil)
}

func (n *Negotiator) streamFile(conn net.Conn, sess *activeSession, path string, size int64) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	target := uint32(size)
	acked := make(chan error, 1)
	go func() {
		var raw [4]byte
		for {
			if _, err := io.ReadFull(conn, raw[:]); err != nil {
				acked <- err
				return
			}
			if binary.BigEndian.Uint32(raw[:]) == target {
				acked <- nil
				return
			}
		}
	}()

	buf := make([]byte, n.cfg.ChunkSize)
	var sent int64
	for {
		k, rerr := f.Read(buf)
		if k > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(n.cfg.IdleTimeout))
			if _, werr := conn.Write(buf[:k]); werr != nil {
				return sent, werr
			}
			sent += int64(k)
			observability.RecordTransferBytes(string(state.DirectionSend), int64(k))
			n.progress(sess, sent, false)
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return sent, rerr
		}
	}
	n.progress(sess, sent, true)

	timer := time.NewTimer(n.cfg.IdleTimeout)
	defer timer.Stop()
	select {
	case err := <-acked:
		if err == nil || (errors.Is(err, io.EOF) && sent == size) {
			return sent, nil
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return sent, ErrIncomplete
		}
		return sent, err
	case <-timer.C:
		return sent, fmt.Errorf("transfer: no final acknowledgement within %s", n.cfg.IdleTimeout)
	}
}

// runReceive writes the peer's stream into the download directory and
// acknowledges every read with the running total.
func (n *Negotiator) runReceive(ctx context.Context, sess *activeSession, conn net.Conn, size int64) {
	sess.setConn(conn)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	f, err := createUnique(n.cfg.DownloadDir, sess.filename)
	if err != nil {
		n.endSession(sess, state.TransferError, 0, err)
		return
	}
	defer f.Close()
	n.setTransfer(sess.id, func(t *state.Transfer) {
		t.Status = state.TransferActive
		t.Path = f.Name()
	})

	got, err := n.receiveInto(conn, f, sess, size)
	if err != nil {
		n.endSession(sess, statusFor(ctx, err), got, err)
		return
	}
	if err := f.Sync(); err != nil {
		n.endSession(sess, state.TransferError, got, err)
		return
	}
	n.endSession(sess, state.TransferDone, got, nil)
}

func (n *Negotiator) receiveInto(conn net.Conn, w io.Writer, sess *activeSession, size int64) (int64, error) {
	buf := make([]byte, n.cfg.ChunkSize)
	var ack [4]byte
	var got int64
	for {
		if size >= 0 && got >= size {
			n.progress(sess, got, true)
			return got, nil
		}
		_ = conn.SetReadDeadline(time.Now().Add(n.cfg.IdleTimeout))
		k, rerr := conn.Read(buf)
		if k > 0 {
			if _, err := w.Write(buf[:k]); err != nil {
				return got, err
			}
			got += int64(k)
			observability.RecordTransferBytes(string(state.DirectionReceive), int64(k))
			binary.BigEndian.PutUint32(ack[:], uint32(got))
			_ = conn.SetWriteDeadline(time.Now().Add(n.cfg.IdleTimeout))
			if _, err := conn.Write(ack[:]); err != nil {
				return got, err
			}
			n.progress(sess, got, false)
		}
		if errors.Is(rerr, io.EOF) {
			n.progress(sess, got, true)
			if size < 0 || got >= size {
				return got, nil
			}
			return got, ErrIncomplete
		}
		if rerr != nil {
			return got, rerr
		}
	}
}

// runChat reads lines from the peer until the socket ends. Sending happens
// independently through SendChatLine.
func (n *Negotiator) runChat(ctx context.Context, sess *activeSession, conn net.Conn) {
	sess.setConn(conn)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	n.setTransfer(sess.id, func(t *state.Transfer) { t.Status = state.TransferActive })
	n.chatLine(sess, state.MsgStatus, "", fmt.Sprintf("Chat with %s connected", sess.peer))

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxChatLine)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		kind := state.MsgPrivmsg
		if action, ok := ctcpAction(line); ok {
			kind = state.MsgAction
			line = action
		}
		n.chatLine(sess, kind, sess.peer, line)
	}
	err := scanner.Err()
	if err == nil {
		n.endSession(sess, state.TransferDone, -1, nil)
		return
	}
	n.endSession(sess, statusFor(ctx, err), -1, err)
}

// SendChatLine writes one line to an established chat session.
func (n *Negotiator) SendChatLine(sessionID, line string) error {
	sess := n.session(sessionID)
	if sess == nil {
		return lifecycle.Errorf(lifecycle.KindTransfer, "", "chat_line", ErrUnknownSession)
	}
	if sess.kind != state.OfferChat {
		return lifecycle.Errorf(lifecycle.KindTransfer, sess.network, "chat_line", ErrNotChat)
	}
	line = strings.TrimRight(line, "\r\n")
	sess.mu.Lock()
	conn := sess.conn
	var err error
	if conn == nil {
		err = ErrChatPending
	} else {
		_ = conn.SetWriteDeadline(time.Now().Add(n.cfg.IdleTimeout))
		_, err = io.WriteString(conn, line+"\n")
	}
	sess.mu.Unlock()
	if errors.Is(err, ErrChatPending) {
		return lifecycle.Errorf(lifecycle.KindTransfer, sess.network, "chat_line", err)
	}
	if err != nil {
		n.endSession(sess, state.TransferError, -1, err)
		return lifecycle.Errorf(lifecycle.KindTransfer, sess.network, "chat_line", err)
	}

	kind := state.MsgPrivmsg
	if action, ok := ctcpAction(line); ok {
		kind = state.MsgAction
		line = action
	}
	n.selfChatLine(sess, kind, line)
	return nil
}

func (n *Negotiator) chatLine(sess *activeSession, kind state.MessageKind, from, text string) {
	n.store.Update(func(st *state.State) {
		b := st.Buffer(sess.network, chatBuffer(sess.peer))
		st.Append(b, state.Message{Kind: kind, From: from, Text: text}, from != "")
	})
}

func (n *Negotiator) selfChatLine(sess *activeSession, kind state.MessageKind, text string) {
	n.store.Update(func(st *state.State) {
		nick := st.Network(sess.network).Conn.Nick
		b := st.Buffer(sess.network, chatBuffer(sess.peer))
		st.Append(b, state.Message{Kind: kind, From: nick, Text: text}, false)
	})
}

func ctcpAction(line string) (string, bool) {
	const prefix = "\x01ACTION "
	if !strings.HasPrefix(line, prefix) {
		return "", false
	}
	return strings.TrimSuffix(line[len(prefix):], "\x01"), true
}

// createUnique creates a new file for name under dir without overwriting,
// appending " (n)" before the extension on collision.
func createUnique(dir, name string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	base := safeFilename(name)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for i := 0; i < 1000; i++ {
		candidate := base
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}
		f, err := os.OpenFile(filepath.Join(dir, candidate), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}
	}
	log.Warn().Str("dir", dir).Str("file", base).Msg("transfer.createUnique exhausted names")
	return nil, fmt.Errorf("transfer: no free name for %s in %s", base, dir)
}

func safeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	switch name {
	case "", ".", "..", "/":
		return "download"
	}
	return name
}
